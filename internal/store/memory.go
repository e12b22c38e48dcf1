package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by unit tests and local development.
// Not suitable for production: state is per-process, which breaks the shared
// breaker/session semantics across instances.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memVal
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time

	// Now is the clock; tests override it to drive TTL expiry.
	Now func() time.Time
}

type memVal struct {
	value string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memVal),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		Now:     time.Now,
	}
}

func (s *MemoryStore) now() time.Time { return s.Now() }

// dropIfExpired must be called with the mutex held.
func (s *MemoryStore) dropIfExpired(key string) {
	if at, ok := s.expiry[key]; ok && !s.now().Before(at) {
		delete(s.strings, key)
		delete(s.zsets, key)
		delete(s.sets, key)
		delete(s.expiry, key)
	}
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	n := int64(0)
	if cur, ok := s.strings[key]; ok {
		parsed, err := strconv.ParseInt(cur.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.strings[key] = memVal{value: strconv.FormatInt(n, 10)}
	return n, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	return s.strings[key].value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = memVal{value: value}
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	if _, ok := s.strings[key]; ok {
		return false, nil
	}
	s.strings[key] = memVal{value: value}
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	}
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.zsets, key)
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) ExpireAt(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = at
	return nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	if cur, ok := s.strings[key]; ok && cur.value == value {
		delete(s.strings, key)
		delete(s.expiry, key)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	if s.zsets[key] == nil {
		s.zsets[key] = make(map[string]float64)
	}
	s.zsets[key][member] = score
	return nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for member, score := range s.zsets[key] {
		if score >= min && score <= max {
			delete(s.zsets[key], member)
		}
	}
	return nil
}

func (s *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	var n int64
	for _, score := range s.zsets[key] {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	type entry struct {
		member string
		score  float64
	}
	var due []entry
	for member, score := range s.zsets[key] {
		if score <= max {
			due = append(due, entry{member, score})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].score < due[j].score })
	if int64(len(due)) > limit {
		due = due[:limit]
	}
	members := make([]string, 0, len(due))
	for _, e := range due {
		delete(s.zsets[key], e.member)
		members = append(members, e.member)
	}
	return members, nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]struct{})
	}
	s.sets[key][member] = struct{}{}
	return nil
}

func (s *MemoryStore) SRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	delete(s.sets[key], member)
	return nil
}

func (s *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key)
	members := make([]string, 0, len(s.sets[key]))
	for member := range s.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}
