package store

import (
	"context"
	"sync"
	"time"
)

type expiringNotice struct {
	notice    Notice
	expiresAt time.Time
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore keeps everything in process memory. It backs tests and
// single-process deployments that accept losing state on restart.
type MemoryStore struct {
	mu      sync.Mutex
	job     *Job
	stats   Stats
	markers map[string]time.Time
	notice  *expiringNotice
	lease   *lease
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markers: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) LoadJob(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.job), nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if s.job != nil {
		current = s.job.Version
	}
	if current != job.Version {
		return ErrConflict
	}
	job.Version++
	s.job = cloneJob(job)
	return nil
}

func (s *MemoryStore) LoadStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, nil
}

func (s *MemoryStore) UpdateStats(ctx context.Context, mutate func(*Stats)) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.stats)
	return s.stats, nil
}

func (s *MemoryStore) MarkOptimized(ctx context.Context, itemID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[itemID] = at.UTC()
	return nil
}

func (s *MemoryStore) OptimizedAt(ctx context.Context, itemID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.markers[itemID]
	return at, ok, nil
}

func (s *MemoryStore) IsOptimized(ctx context.Context, itemID string) (bool, error) {
	_, ok, err := s.OptimizedAt(ctx, itemID)
	return ok, err
}

func (s *MemoryStore) PutNotice(ctx context.Context, n Notice, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notice = &expiringNotice{notice: n, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) TakeNotice(ctx context.Context) (*Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notice
	s.notice = nil
	if n == nil || !s.now().Before(n.expiresAt) {
		return nil, nil
	}
	return &n.notice, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lease != nil && s.lease.owner != owner && now.Before(s.lease.expiresAt) {
		return ErrLeaseHeld
	}
	s.lease = &lease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease != nil && s.lease.owner == owner {
		s.lease = nil
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
