package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

var _ Store = &MemoryStore{}

type entry struct {
	value     string
	zset      map[string]float64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps keys in process memory with Redis-like expiry. State is
// not shared between processes, so limits are enforced per instance only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCleanupInterval sets how often expired keys are swept. A negative
// interval disables the background sweep.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if interval != 0 {
			s.cleanupInterval = interval
		}
	}
}

// NewMemoryStore creates an in-memory store with a background sweep of
// expired keys. Call Close to stop the sweep.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]*entry),
		now:             time.Now,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// lookup returns the live entry for key. Expired entries are dropped.
// Callers must hold s.mu.
func (s *MemoryStore) lookup(key string, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.lookup(key, now)
	if e == nil {
		e = &entry{value: "0"}
		if window > 0 {
			e.expiresAt = now.Add(window)
		}
		s.entries[key] = e
	}
	if e.zset != nil {
		return 0, ErrWrongType
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) ResetTime(_ context.Context, key string, window time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.lookup(key, now)
	if e == nil || e.expiresAt.IsZero() {
		return now.Add(window), nil
	}
	return e.expiresAt, nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		e = &entry{zset: make(map[string]float64)}
		s.entries[key] = e
	}
	if e.zset == nil {
		return ErrWrongType
	}
	e.zset[member] = score
	return nil
}

func (s *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		return 0, nil
	}
	if e.zset == nil {
		return 0, ErrWrongType
	}

	var removed int64
	for m, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, m)
			removed++
		}
	}
	if len(e.zset) == 0 {
		delete(s.entries, key)
	}
	return removed, nil
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		return 0, nil
	}
	if e.zset == nil {
		return 0, ErrWrongType
	}
	return int64(len(e.zset)), nil
}

func (s *MemoryStore) ZRange(_ context.Context, key string, start, stop int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		return nil, nil
	}
	if e.zset == nil {
		return nil, ErrWrongType
	}

	members := make([]Member, 0, len(e.zset))
	for m, score := range e.zset {
		members = append(members, Member{Member: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score == members[j].Score {
			return members[i].Member < members[j].Member
		}
		return members[i].Score < members[j].Score
	})

	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	start = max(start, 0)
	stop = min(stop, n-1)
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		return "", false, nil
	}
	if e.zset != nil {
		return "", false, ErrWrongType
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.lookup(key, now)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(s.entries, key)
		return nil
	}
	e.expiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	keys := make([]string, 0)
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if matchGlob(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, k := range keys {
		if s.lookup(k, now) != nil {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// MemoryUsage estimates the bytes held by keys and values.
func (s *MemoryStore) MemoryUsage(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int
	for k, e := range s.entries {
		size += len(k) + len(e.value)
		for m := range e.zset {
			size += len(m) + 8
		}
	}
	return humanBytes(size), nil
}

func (s *MemoryStore) Name() string {
	return "memory"
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

func humanBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%c", float64(n)/float64(div), "KMGT"[exp])
}
