package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const janitorInterval = 5 * time.Minute

// MemoryStore is the in-process fallback backend. Expired entries are
// dropped lazily on access and swept by a janitor goroutine so an idle
// instance does not accumulate dead keys.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	zsets map[string]*memoryZSet

	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memoryZSet struct {
	members   map[string]float64
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (z *memoryZSet) expired(now time.Time) bool {
	return !z.expiresAt.IsZero() && now.After(z.expiresAt)
}

// NewMemoryStore creates an in-memory store and starts its sweep loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memoryEntry),
		zsets: make(map[string]*memoryZSet),
		stop:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
		}
	}
	for k, z := range s.zsets {
		if z.expired(now) {
			delete(s.zsets, k)
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.expired(time.Now()) {
		delete(s.items, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.items[key] = e
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	delete(s.zsets, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.items[key]; ok && !e.expired(now) {
		return true, nil
	}
	if z, ok := s.zsets[key]; ok && !z.expired(now) {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementLocked(key, delta)
}

func (s *MemoryStore) incrementLocked(key string, delta int64) (int64, error) {
	var current int64
	e, ok := s.items[key]
	if ok && !e.expired(time.Now()) {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %s: value is not an integer", key)
		}
		current = n
	} else {
		e = memoryEntry{}
	}
	current += delta
	e.value = strconv.FormatInt(current, 10)
	s.items[key] = e
	return current, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zaddLocked(key, score, member)
	return nil
}

func (s *MemoryStore) zaddLocked(key string, score float64, member string) int64 {
	z, ok := s.zsets[key]
	if !ok || z.expired(time.Now()) {
		z = &memoryZSet{members: make(map[string]float64)}
		s.zsets[key] = z
	}
	_, existed := z.members[member]
	z.members[member] = score
	if existed {
		return 0
	}
	return 1
}

func (s *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok || z.expired(time.Now()) {
		delete(s.zsets, key)
		return 0, nil
	}
	var n int64
	for _, score := range z.members {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zremRangeLocked(key, min, max), nil
}

func (s *MemoryStore) zremRangeLocked(key string, min, max float64) int64 {
	z, ok := s.zsets[key]
	if !ok || z.expired(time.Now()) {
		delete(s.zsets, key)
		return 0
	}
	var removed int64
	for member, score := range z.members {
		if score >= min && score <= max {
			delete(z.members, member)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key, ttl)
	return nil
}

func (s *MemoryStore) expireLocked(key string, ttl time.Duration) int64 {
	now := time.Now()
	deadline := now.Add(ttl)
	var touched int64
	if e, ok := s.items[key]; ok && !e.expired(now) {
		e.expiresAt = deadline
		s.items[key] = e
		touched = 1
	}
	if z, ok := s.zsets[key]; ok && !z.expired(now) {
		z.expiresAt = deadline
		touched = 1
	}
	return touched
}

func (s *MemoryStore) Pipeline() Pipeline {
	return &memoryPipeline{store: s}
}

func (s *MemoryStore) Ready(ctx context.Context) bool { return true }

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// memoryPipeline queues operations as closures and applies them under a
// single lock acquisition, mirroring the batched Redis round trip.
type memoryPipeline struct {
	store *MemoryStore
	ops   []func() PipelineResult
}

func (p *memoryPipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func() PipelineResult {
		p.store.setLocked(key, value, ttl)
		return PipelineResult{Val: 1}
	})
}

func (p *memoryPipeline) Delete(key string) {
	p.ops = append(p.ops, func() PipelineResult {
		var n int64
		if _, ok := p.store.items[key]; ok {
			delete(p.store.items, key)
			n = 1
		}
		if _, ok := p.store.zsets[key]; ok {
			delete(p.store.zsets, key)
			n = 1
		}
		return PipelineResult{Val: n}
	})
}

func (p *memoryPipeline) Increment(key string, delta int64) {
	p.ops = append(p.ops, func() PipelineResult {
		n, err := p.store.incrementLocked(key, delta)
		return PipelineResult{Val: n, Err: err}
	})
}

func (p *memoryPipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func() PipelineResult {
		return PipelineResult{Val: p.store.zaddLocked(key, score, member)}
	})
}

func (p *memoryPipeline) ZRemRangeByScore(key string, min, max float64) {
	p.ops = append(p.ops, func() PipelineResult {
		return PipelineResult{Val: p.store.zremRangeLocked(key, min, max)}
	})
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() PipelineResult {
		return PipelineResult{Val: p.store.expireLocked(key, ttl)}
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) ([]PipelineResult, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	results := make([]PipelineResult, len(p.ops))
	for i, op := range p.ops {
		results[i] = op()
	}
	return results, nil
}
