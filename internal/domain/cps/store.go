package cps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// VerifiedStore holds the short-lived flag set by a successful verification.
type VerifiedStore interface {
	Mark(ctx context.Context, professionnelID, patientID uuid.UUID, ttl time.Duration) error
	// Consume reports whether the flag was set and clears it.
	Consume(ctx context.Context, professionnelID, patientID uuid.UUID) (bool, error)
}

func flagKey(professionnelID, patientID uuid.UUID) string {
	return fmt.Sprintf("dmp:cps:verified:%s:%s", professionnelID, patientID)
}

type redisCmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// RedisVerifiedStore keeps flags in Redis so they are shared across
// instances.
type RedisVerifiedStore struct {
	rdb redisCmdable
}

func NewRedisVerifiedStore(rdb *redis.Client) *RedisVerifiedStore {
	return &RedisVerifiedStore{rdb: rdb}
}

func (s *RedisVerifiedStore) Mark(ctx context.Context, professionnelID, patientID uuid.UUID, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, flagKey(professionnelID, patientID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("store cps flag: %w", err)
	}
	return nil
}

func (s *RedisVerifiedStore) Consume(ctx context.Context, professionnelID, patientID uuid.UUID) (bool, error) {
	_, err := s.rdb.GetDel(ctx, flagKey(professionnelID, patientID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume cps flag: %w", err)
	}
	return true, nil
}

// MemoryVerifiedStore is the single-instance fallback used when no Redis URL
// is configured.
type MemoryVerifiedStore struct {
	mu    sync.Mutex
	flags map[string]time.Time
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryVerifiedStore starts a goroutine that drops expired flags every
// cleanupInterval. Call Close to stop it.
func NewMemoryVerifiedStore(cleanupInterval time.Duration) *MemoryVerifiedStore {
	s := &MemoryVerifiedStore{
		flags: make(map[string]time.Time),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

func (s *MemoryVerifiedStore) Mark(_ context.Context, professionnelID, patientID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	s.flags[flagKey(professionnelID, patientID)] = s.now().Add(ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryVerifiedStore) Consume(_ context.Context, professionnelID, patientID uuid.UUID) (bool, error) {
	key := flagKey(professionnelID, patientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.flags[key]
	if !ok {
		return false, nil
	}
	delete(s.flags, key)
	return s.now().Before(exp), nil
}

func (s *MemoryVerifiedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flags)
}

func (s *MemoryVerifiedStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.purge()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryVerifiedStore) purge() {
	now := s.now()
	s.mu.Lock()
	for k, exp := range s.flags {
		if !now.Before(exp) {
			delete(s.flags, k)
		}
	}
	s.mu.Unlock()
}

func (s *MemoryVerifiedStore) Close() {
	s.once.Do(func() { close(s.stop) })
}
