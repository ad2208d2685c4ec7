package shared

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// BreakerStore persists circuit breaker state for a key. The Redis-backed
// implementation makes the state visible to every orchestrator instance;
// the in-memory implementation is for single-instance and test use.
type BreakerStore interface {
	Failures(ctx context.Context, key string) (int64, error)
	IncrementFailures(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
	MarkOpen(ctx context.Context, key string, cooldown time.Duration) error
	IsOpen(ctx context.Context, key string) (bool, error)
	TryAcquireProbe(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// CircuitBreaker protects a repeatedly failing endpoint. After
// failureThreshold consecutive failures for a key the breaker opens for the
// cooldown window; calls during the window are rejected without being
// attempted. Once the window elapses a single half-open probe is let through
// to test recovery.
type CircuitBreaker struct {
	store            BreakerStore
	failureThreshold int64
	cooldown         time.Duration
	probeTTL         time.Duration
}

// NewCircuitBreaker creates a circuit breaker over the given store
func NewCircuitBreaker(store BreakerStore, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		store:            store,
		failureThreshold: int64(failureThreshold),
		cooldown:         cooldown,
		probeTTL:         cooldown,
	}
}

// Allow reports whether a call for the key may proceed. When the breaker is
// open it returns false; in the half-open window exactly one caller acquires
// the probe slot. A store error fails open so an unavailable Redis never
// blocks deliveries.
func (b *CircuitBreaker) Allow(ctx context.Context, key string) bool {
	open, err := b.store.IsOpen(ctx, key)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"component":   "CircuitBreaker",
			"breaker_key": key,
		}).Warn("Breaker store unavailable, allowing call")
		return true
	}
	if open {
		logrus.WithFields(logrus.Fields{
			"component":   "CircuitBreaker",
			"breaker_key": key,
		}).Debug("Circuit breaker open, short-circuiting call")
		return false
	}

	failures, err := b.store.Failures(ctx, key)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"component":   "CircuitBreaker",
			"breaker_key": key,
		}).Warn("Breaker store unavailable, allowing call")
		return true
	}

	// Cooldown elapsed but the endpoint is still unproven: half-open.
	if failures >= b.failureThreshold {
		acquired, err := b.store.TryAcquireProbe(ctx, key, b.probeTTL)
		if err != nil {
			return true
		}
		if acquired {
			logrus.WithFields(logrus.Fields{
				"component":   "CircuitBreaker",
				"breaker_key": key,
			}).Info("Circuit breaker half-open, allowing probe call")
		}
		return acquired
	}

	return true
}

// RecordSuccess clears the failure count for the key, closing the breaker
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, key string) {
	if err := b.store.Reset(ctx, key); err != nil {
		logrus.WithError(err).WithField("breaker_key", key).Warn("Failed to reset breaker state")
	}
}

// RecordFailure increments the consecutive-failure count and opens the
// breaker once the threshold is reached
func (b *CircuitBreaker) RecordFailure(ctx context.Context, key string) {
	failures, err := b.store.IncrementFailures(ctx, key)
	if err != nil {
		logrus.WithError(err).WithField("breaker_key", key).Warn("Failed to record breaker failure")
		return
	}

	if failures >= b.failureThreshold {
		if err := b.store.MarkOpen(ctx, key, b.cooldown); err != nil {
			logrus.WithError(err).WithField("breaker_key", key).Warn("Failed to open circuit breaker")
			return
		}
		logrus.WithFields(logrus.Fields{
			"component":   "CircuitBreaker",
			"breaker_key": key,
			"failures":    failures,
			"cooldown":    b.cooldown,
		}).Warn("Circuit breaker opened due to consecutive failures")
	}
}

// BreakerKey builds the per-institution, per-channel breaker key
func BreakerKey(institutionID, channel string) string {
	return fmt.Sprintf("breaker:%s:%s", institutionID, channel)
}

// RedisBreakerStore stores breaker state in Redis so it is shared across
// orchestrator instances
type RedisBreakerStore struct {
	client *redis.Client
}

// NewRedisBreakerStore connects to Redis and verifies the connection
func NewRedisBreakerStore(addr, password string, db int) (*RedisBreakerStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logrus.WithField("redis_addr", addr).Info("Connected to Redis for circuit breaker state")
	return &RedisBreakerStore{client: rdb}, nil
}

// Close closes the underlying Redis connection
func (s *RedisBreakerStore) Close() error {
	return s.client.Close()
}

func (s *RedisBreakerStore) Failures(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key+":failures").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisBreakerStore) IncrementFailures(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key+":failures").Result()
}

func (s *RedisBreakerStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key+":failures", key+":open", key+":probe").Err()
}

func (s *RedisBreakerStore) MarkOpen(ctx context.Context, key string, cooldown time.Duration) error {
	return s.client.Set(ctx, key+":open", "1", cooldown).Err()
}

func (s *RedisBreakerStore) IsOpen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key+":open").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisBreakerStore) TryAcquireProbe(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key+":probe", "1", ttl).Result()
}

// MemoryBreakerStore is the in-process fallback used when Redis is not
// configured. Correct for a single instance only.
type MemoryBreakerStore struct {
	mutex   sync.Mutex
	entries map[string]*memoryBreakerEntry
	now     func() time.Time
}

type memoryBreakerEntry struct {
	failures     int64
	openUntil    time.Time
	probeExpires time.Time
}

// NewMemoryBreakerStore creates an empty in-memory breaker store
func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{
		entries: make(map[string]*memoryBreakerEntry),
		now:     time.Now,
	}
}

// SetClock overrides the store clock, used by tests to step through the
// cooldown window deterministically
func (s *MemoryBreakerStore) SetClock(now func() time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.now = now
}

func (s *MemoryBreakerStore) entry(key string) *memoryBreakerEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &memoryBreakerEntry{}
		s.entries[key] = e
	}
	return e
}

func (s *MemoryBreakerStore) Failures(_ context.Context, key string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.entry(key).failures, nil
}

func (s *MemoryBreakerStore) IncrementFailures(_ context.Context, key string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.entry(key)
	e.failures++
	return e.failures, nil
}

func (s *MemoryBreakerStore) Reset(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryBreakerStore) MarkOpen(_ context.Context, key string, cooldown time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.entry(key)
	e.openUntil = s.now().Add(cooldown)
	e.probeExpires = time.Time{}
	return nil
}

func (s *MemoryBreakerStore) IsOpen(_ context.Context, key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.now().Before(s.entry(key).openUntil), nil
}

func (s *MemoryBreakerStore) TryAcquireProbe(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.entry(key)
	if s.now().Before(e.probeExpires) {
		return false, nil
	}
	e.probeExpires = s.now().Add(ttl)
	return true, nil
}
