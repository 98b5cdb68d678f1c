package access

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmp/dmp/internal/platform/apperr"
)

var (
	ErrNotFound = apperr.NotFound("demande_introuvable", "demande d'accès introuvable")
	// ErrVersionConflict is returned when the row changed since it was read.
	ErrVersionConflict = apperr.Conflict("conflit_transition", "la demande a été modifiée par une autre opération")
)

type Repository interface {
	Create(ctx context.Context, r *AccessRequest) error
	// GetByID returns ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error)
	// CompareAndSwap persists r's statut, decision and expiry dates if the
	// stored version still equals r.Version, then bumps r.Version. It
	// returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, r *AccessRequest) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, f ListFilter) ([]*AccessRequest, int, error)
	ListByProfessional(ctx context.Context, professionnelID uuid.UUID, f ListFilter) ([]*AccessRequest, int, error)
	// ListExpirable returns live requests whose expiry is at or before now,
	// oldest expiry first.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*AccessRequest, error)

	AddHistory(ctx context.Context, h *HistoryEntry) error
	ListHistory(ctx context.Context, demandeID uuid.UUID) ([]*HistoryEntry, error)
}
