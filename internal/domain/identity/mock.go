package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory PatientRepository and ProfessionalRepository
// used by tests in this and dependent packages.
type MemoryStore struct {
	mu            sync.RWMutex
	patients      map[uuid.UUID]*Patient
	professionals map[uuid.UUID]*Professional
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:      make(map[uuid.UUID]*Patient),
		professionals: make(map[uuid.UUID]*Professional),
	}
}

func (m *MemoryStore) AddPatient(p *Patient) *Patient {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.mu.Lock()
	m.patients[p.ID] = p
	m.mu.Unlock()
	return p
}

func (m *MemoryStore) AddProfessional(p *Professional) *Professional {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.mu.Lock()
	m.professionals[p.ID] = p
	m.mu.Unlock()
	return p
}

func (m *MemoryStore) Patients() PatientRepository           { return memPatients{m} }
func (m *MemoryStore) Professionals() ProfessionalRepository { return memProfessionals{m} }

type memPatients struct{ m *MemoryStore }

func (r memPatients) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memPatients) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	_, ok := r.m.patients[id]
	return ok, nil
}

type memProfessionals struct{ m *MemoryStore }

func (r memProfessionals) GetByID(_ context.Context, id uuid.UUID) (*Professional, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.professionals[id]
	if !ok {
		return nil, ErrProfessionalNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memProfessionals) GetByAdeli(_ context.Context, numeroAdeli string) (*Professional, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, p := range r.m.professionals {
		if p.NumeroAdeli == numeroAdeli {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProfessionalNotFound
}
