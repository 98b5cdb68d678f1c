package notification

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	notify "github.com/dmp/dmp/internal/platform/notification"
)

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Notification
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Notification)}
}

func (m *mockRepo) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, f Filter) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Notification
	for _, n := range m.items {
		if n.PatientID != patientID || (f.Type != "" && n.TypeNotification != f.Type) {
			continue
		}
		cp := *n
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() > all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *mockRepo) update(id uuid.UUID, fn func(n *Notification) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	return fn(n)
}

func (m *mockRepo) IncrementAttempt(_ context.Context, id uuid.UUID) (int, error) {
	var count int
	err := m.update(id, func(n *Notification) error {
		n.NombreTentatives++
		count = n.NombreTentatives
		return nil
	})
	return count, err
}

func (m *mockRepo) RecordError(_ context.Context, id uuid.UUID, msg string) error {
	return m.update(id, func(n *Notification) error {
		n.ErreurEnvoi = &msg
		return nil
	})
}

func (m *mockRepo) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.update(id, func(n *Notification) error {
		if n.StatutEnvoi == StatutEnAttente {
			n.StatutEnvoi = StatutEnvoye
			n.DateEnvoi = &at
		}
		return nil
	})
}

func (m *mockRepo) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	return m.update(id, func(n *Notification) error {
		if n.StatutEnvoi == StatutEnAttente {
			n.StatutEnvoi = StatutEchec
			n.ErreurEnvoi = &msg
		}
		return nil
	})
}

func (m *mockRepo) ListPending(_ context.Context, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*Notification
	for _, n := range m.items {
		if n.StatutEnvoi == StatutEnAttente {
			pending = append(pending, n)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	var ids []uuid.UUID
	for _, n := range pending {
		if len(ids) == limit {
			break
		}
		ids = append(ids, n.ID)
	}
	return ids, nil
}

func (m *mockRepo) Requeue(_ context.Context, id uuid.UUID) error {
	return m.update(id, func(n *Notification) error {
		if n.StatutEnvoi != StatutEchec {
			return ErrNotRetryable
		}
		n.StatutEnvoi = StatutEnAttente
		n.NombreTentatives = 0
		n.ErreurEnvoi = nil
		return nil
	})
}

func (m *mockRepo) all() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Notification, 0, len(m.items))
	for _, n := range m.items {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// slowDeliverer records concurrent calls so tests can assert that
// attempts on one notification never overlap.
type slowDeliverer struct {
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *slowDeliverer) Deliver(_ context.Context, _ notify.Message) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)
	s.calls.Add(1)
	time.Sleep(s.delay)
	return nil
}
