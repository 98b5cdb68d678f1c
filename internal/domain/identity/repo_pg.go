package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmp/dmp/internal/platform/db"
)

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, nom, prenom, email, telephone, canal_prefere, created_at, updated_at`

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.Nom, &p.Prenom, &p.Email, &p.Telephone, &p.CanalPrefere, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

type professionalRepoPG struct{ pool *pgxpool.Pool }

func NewProfessionalRepoPG(pool *pgxpool.Pool) ProfessionalRepository {
	return &professionalRepoPG{pool: pool}
}

const professionalCols = `id, nom, prenom, numero_adeli, specialite, email, created_at, updated_at`

func (r *professionalRepoPG) scan(row pgx.Row) (*Professional, error) {
	var p Professional
	err := row.Scan(&p.ID, &p.Nom, &p.Prenom, &p.NumeroAdeli, &p.Specialite, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfessionalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *professionalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Professional, error) {
	return r.scan(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+professionalCols+` FROM professionnel WHERE id = $1`, id))
}

func (r *professionalRepoPG) GetByAdeli(ctx context.Context, numeroAdeli string) (*Professional, error) {
	return r.scan(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+professionalCols+` FROM professionnel WHERE numero_adeli = $1`, numeroAdeli))
}
