package cps

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type mockCredentialRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Credential
}

func newMockCredentialRepo() *mockCredentialRepo {
	return &mockCredentialRepo{items: make(map[uuid.UUID]*Credential)}
}

func (m *mockCredentialRepo) Get(_ context.Context, id uuid.UUID) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, ErrNoCredential
	}
	cp := *c
	return &cp, nil
}

func (m *mockCredentialRepo) Upsert(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.items[c.ProfessionnelID] = &cp
	return nil
}
