package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmp/dmp/internal/platform/apperr"
)

var (
	ErrNotFound     = apperr.NotFound("notification_introuvable", "notification introuvable")
	ErrNotRetryable = apperr.Conflict("notification_non_relancable", "seules les notifications en échec peuvent être relancées")
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, f Filter) ([]*Notification, int, error)

	// IncrementAttempt bumps nombre_tentatives and returns the new count.
	IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error)
	RecordError(ctx context.Context, id uuid.UUID, msg string) error
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
	// ListPending returns ids still waiting for delivery, oldest first.
	ListPending(ctx context.Context, limit int) ([]uuid.UUID, error)
	// Requeue moves a failed notification back to en_attente with its
	// attempt counter reset. It returns ErrNotRetryable for any other state.
	Requeue(ctx context.Context, id uuid.UUID) error
}
