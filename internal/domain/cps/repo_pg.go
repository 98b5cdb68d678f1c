package cps

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmp/dmp/internal/platform/db"
)

type credentialRepoPG struct{ pool *pgxpool.Pool }

func NewCredentialRepoPG(pool *pgxpool.Pool) CredentialRepository {
	return &credentialRepoPG{pool: pool}
}

func (r *credentialRepoPG) Get(ctx context.Context, professionnelID uuid.UUID) (*Credential, error) {
	var c Credential
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT professionnel_id, code_cps_hash, created_at, updated_at
		FROM cps_credential WHERE professionnel_id = $1`, professionnelID).
		Scan(&c.ProfessionnelID, &c.CodeHash, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *credentialRepoPG) Upsert(ctx context.Context, c *Credential) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO cps_credential (professionnel_id, code_cps_hash)
		VALUES ($1, $2)
		ON CONFLICT (professionnel_id) DO UPDATE
			SET code_cps_hash = EXCLUDED.code_cps_hash, updated_at = NOW()
		RETURNING created_at, updated_at`,
		c.ProfessionnelID, c.CodeHash).Scan(&c.CreatedAt, &c.UpdatedAt)
}
