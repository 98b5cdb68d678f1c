package cps

import (
	"context"

	"github.com/google/uuid"

	"github.com/dmp/dmp/internal/platform/apperr"
)

var ErrNoCredential = apperr.Authentication("cps_non_enregistre", "aucun code CPS enregistré pour ce professionnel")

type CredentialRepository interface {
	// Get returns ErrNoCredential when the professional has no code.
	Get(ctx context.Context, professionnelID uuid.UUID) (*Credential, error)
	Upsert(ctx context.Context, c *Credential) error
}
