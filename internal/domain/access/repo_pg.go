package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmp/dmp/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const requestCols = `id, professionnel_id, patient_id, mode_acces, duree_acces, raison_acces,
	statut, date_expiration, date_decision, version, created_at, updated_at`

func scanRequest(row pgx.Row) (*AccessRequest, error) {
	var r AccessRequest
	err := row.Scan(&r.ID, &r.ProfessionnelID, &r.PatientID, &r.ModeAcces, &r.DureeAcces, &r.RaisonAcces,
		&r.Statut, &r.DateExpiration, &r.DateDecision, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (r *repoPG) Create(ctx context.Context, a *AccessRequest) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO demande_acces (id, professionnel_id, patient_id, mode_acces, duree_acces,
			raison_acces, statut, date_expiration, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.ProfessionnelID, a.PatientID, a.ModeAcces, a.DureeAcces,
		a.RaisonAcces, a.Statut, a.DateExpiration, a.Version, a.CreatedAt).
		Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	a, err := scanRequest(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+requestCols+` FROM demande_acces WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *repoPG) CompareAndSwap(ctx context.Context, a *AccessRequest) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE demande_acces
		SET statut = $3, date_decision = $4, date_expiration = $5,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		a.ID, a.Version, a.Statut, a.DateDecision, a.DateExpiration).
		Scan(&a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return err
}

// statutClause filters on the effective statut: a live row past its expiry
// counts as expire.
func statutClause(f ListFilter, next int) (string, []interface{}) {
	if f.Statut == nil {
		return "", nil
	}
	switch *f.Statut {
	case StatutExpire:
		return fmt.Sprintf(` AND (statut = 'expire' OR (statut IN ('en_attente','actif') AND date_expiration <= $%d))`, next),
			[]interface{}{f.Now}
	case StatutEnAttente, StatutActif:
		return fmt.Sprintf(` AND statut = $%d AND date_expiration > $%d`, next, next+1),
			[]interface{}{*f.Statut, f.Now}
	default:
		return fmt.Sprintf(` AND statut = $%d`, next), []interface{}{*f.Statut}
	}
}

func (r *repoPG) list(ctx context.Context, column string, owner uuid.UUID, f ListFilter) ([]*AccessRequest, int, error) {
	where := ` WHERE ` + column + ` = $1`
	args := []interface{}{owner}
	clause, extra := statutClause(f, 2)
	where += clause
	args = append(args, extra...)

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM demande_acces`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + requestCols + ` FROM demande_acces` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*AccessRequest
	for rows.Next() {
		a, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f ListFilter) ([]*AccessRequest, int, error) {
	return r.list(ctx, "patient_id", patientID, f)
}

func (r *repoPG) ListByProfessional(ctx context.Context, professionnelID uuid.UUID, f ListFilter) ([]*AccessRequest, int, error) {
	return r.list(ctx, "professionnel_id", professionnelID, f)
}

func (r *repoPG) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*AccessRequest, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+requestCols+` FROM demande_acces
		WHERE statut IN ('en_attente', 'actif') AND date_expiration <= $1
		ORDER BY date_expiration
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*AccessRequest
	for rows.Next() {
		a, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) AddHistory(ctx context.Context, h *HistoryEntry) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO demande_acces_historique (id, demande_id, ancien_statut, nouveau_statut,
			acteur_id, acteur_role, raison)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		h.ID, h.DemandeID, h.AncienStatut, h.NouveauStatut, h.ActeurID, h.ActeurRole, h.Raison).
		Scan(&h.CreatedAt)
}

func (r *repoPG) ListHistory(ctx context.Context, demandeID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, demande_id, ancien_statut, nouveau_statut, acteur_id, acteur_role, raison, created_at
		FROM demande_acces_historique
		WHERE demande_id = $1
		ORDER BY created_at, id`, demandeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.DemandeID, &h.AncienStatut, &h.NouveauStatut,
			&h.ActeurID, &h.ActeurRole, &h.Raison, &h.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}
