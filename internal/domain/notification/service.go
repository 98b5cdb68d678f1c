package notification

import (
	"context"

	"github.com/google/uuid"

	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/auth"
	"github.com/dmp/dmp/pkg/pagination"
)

var (
	ErrNotOwner    = apperr.Unauthorized("non_proprietaire", "ces notifications appartiennent à un autre patient")
	ErrForbidden   = apperr.Unauthorized("action_interdite", "action non autorisée pour ce rôle")
	ErrUnknownType = apperr.Validation("type_notification_invalide", "type de notification inconnu")
)

// ListNotifications returns a page of the patient's notifications, newest
// first, and the total matching count.
func (d *Dispatcher) ListNotifications(ctx context.Context, patientID uuid.UUID, actor auth.Principal, f Filter) ([]*Notification, int, error) {
	if actor.IsPatient() && actor.ID != patientID {
		return nil, 0, ErrNotOwner
	}
	if !d.policy.Allowed(actor.Role, auth.ResourceNotification, auth.ActionRead) {
		return nil, 0, ErrForbidden
	}
	if f.Type != "" && !d.types[f.Type] {
		return nil, 0, ErrUnknownType
	}
	p := pagination.New(f.Limit, f.Offset)
	f.Limit, f.Offset = p.Limit, p.Offset

	items, total, err := d.repo.ListByPatient(ctx, patientID, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// RetryNotification puts a failed notification back on the queue with a
// fresh attempt budget.
func (d *Dispatcher) RetryNotification(ctx context.Context, id uuid.UUID, actor auth.Principal) (*Notification, error) {
	if !d.policy.Allowed(actor.Role, auth.ResourceNotification, auth.ActionRetry) {
		return nil, ErrForbidden
	}
	if err := d.repo.Requeue(ctx, id); err != nil {
		return nil, err
	}
	n, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Str("notification_id", id.String()).Str("actor_id", actor.ID.String()).Msg("notification requeued")
	d.enqueue(id)
	return n, nil
}
