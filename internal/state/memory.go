package state

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development.
// Its clock can be replaced to make rate-limiter behaviour
// deterministic.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	sets    map[string]map[string]struct{}
	NowFunc func() time.Time
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store clocked by time.Now.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]memoryValue),
		sets:    make(map[string]map[string]struct{}),
		NowFunc: time.Now,
	}
}

func (m *Memory) now() time.Time {
	return m.NowFunc()
}

func (m *Memory) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && m.now().After(v.expiresAt)
}

func (m *Memory) Time(ctx context.Context) (time.Time, error) {
	return m.now(), nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || m.expired(v) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryValue{value: value}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok && !m.expired(v) {
		return false, nil
	}
	mv := memoryValue{value: value}
	if ttl > 0 {
		mv.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = mv
	return true, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := int64(0)
	if v, ok := m.values[key]; ok && !m.expired(v) {
		parsed, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, err
		}
		cur = parsed
	}
	cur -= n
	m.values[key] = memoryValue{value: strconv.FormatInt(cur, 10)}
	return cur, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SPopN(ctx context.Context, key string, n int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, n)
	for member := range set {
		if int64(len(out)) >= n {
			break
		}
		out = append(out, member)
		delete(set, member)
	}
	return out, nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *Memory) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}
