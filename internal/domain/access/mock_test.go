package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*AccessRequest
	history []*HistoryEntry
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*AccessRequest)}
}

func (m *mockRepo) Create(_ context.Context, r *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) CompareAndSwap(_ context.Context, r *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[r.ID]
	if !ok || cur.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRepo) list(match func(*AccessRequest) bool, f ListFilter) ([]*AccessRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*AccessRequest
	for _, r := range m.items {
		if !match(r) {
			continue
		}
		if f.Statut != nil && Effective(r, f.Now).Statut != *f.Statut {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
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

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, f ListFilter) ([]*AccessRequest, int, error) {
	return m.list(func(r *AccessRequest) bool { return r.PatientID == patientID }, f)
}

func (m *mockRepo) ListByProfessional(_ context.Context, professionnelID uuid.UUID, f ListFilter) ([]*AccessRequest, int, error) {
	return m.list(func(r *AccessRequest) bool { return r.ProfessionnelID == professionnelID }, f)
}

func (m *mockRepo) ListExpirable(_ context.Context, now time.Time, limit int) ([]*AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AccessRequest
	for _, r := range m.items {
		if IsExpired(r, now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateExpiration.Before(out[j].DateExpiration) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) AddHistory(_ context.Context, h *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = uuid.New()
	h.CreatedAt = time.Now()
	m.history = append(m.history, h)
	return nil
}

func (m *mockRepo) ListHistory(_ context.Context, demandeID uuid.UUID) ([]*HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*HistoryEntry
	for _, h := range m.history {
		if h.DemandeID == demandeID {
			out = append(out, h)
		}
	}
	return out, nil
}

type stubCPS struct {
	mu       sync.Mutex
	verified map[[2]uuid.UUID]bool
}

func newStubCPS() *stubCPS { return &stubCPS{verified: map[[2]uuid.UUID]bool{}} }

func (s *stubCPS) verify(pro, patient uuid.UUID) {
	s.mu.Lock()
	s.verified[[2]uuid.UUID{pro, patient}] = true
	s.mu.Unlock()
}

func (s *stubCPS) Consume(_ context.Context, pro, patient uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uuid.UUID{pro, patient}
	ok := s.verified[key]
	delete(s.verified, key)
	return ok, nil
}

type sentNotification struct {
	PatientID uuid.UUID
	DemandeID uuid.UUID
	Type      string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) NotifyTransition(_ context.Context, r *AccessRequest, t Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{PatientID: r.PatientID, DemandeID: r.ID, Type: t.NotificationType()})
	return nil
}

func (n *recordingNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentNotification, len(n.sent))
	copy(out, n.sent)
	return out
}
