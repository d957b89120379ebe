// Package redistest provides an in-memory Redis command implementation for
// tests of the Redis-backed stores.
package redistest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Memory implements the commands used by pkg/redis against in-process maps.
type Memory struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	calls  map[string]int

	// Err, when set, is returned by every command.
	Err error
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		calls:  make(map[string]int),
	}
}

// Calls returns how many times the named command ran.
func (m *Memory) Calls(cmd string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[cmd]
}

func (m *Memory) record(cmd string) {
	m.calls[cmd]++
}

func (m *Memory) Ping(ctx context.Context) *goredis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PING")
	if m.Err != nil {
		return goredis.NewStatusResult("", m.Err)
	}
	return goredis.NewStatusResult("PONG", nil)
}

func (m *Memory) HGet(ctx context.Context, key, field string) *goredis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("HGET")
	if m.Err != nil {
		return goredis.NewStringResult("", m.Err)
	}
	v, ok := m.hashes[key][field]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (m *Memory) HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("HSET")
	if m.Err != nil {
		return goredis.NewIntResult(0, m.Err)
	}
	if len(values)%2 != 0 {
		return goredis.NewIntResult(0, fmt.Errorf("HSET expects field/value pairs"))
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	var added int64
	for i := 0; i < len(values); i += 2 {
		field := fmt.Sprint(values[i])
		if _, exists := h[field]; !exists {
			added++
		}
		h[field] = fmt.Sprint(values[i+1])
	}
	return goredis.NewIntResult(added, nil)
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("HDEL")
	if m.Err != nil {
		return goredis.NewIntResult(0, m.Err)
	}
	var removed int64
	for _, f := range fields {
		if _, ok := m.hashes[key][f]; ok {
			delete(m.hashes[key], f)
			removed++
		}
	}
	return goredis.NewIntResult(removed, nil)
}

func (m *Memory) ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ZADD")
	if m.Err != nil {
		return goredis.NewIntResult(0, m.Err)
	}
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	var added int64
	for _, member := range members {
		name := fmt.Sprint(member.Member)
		if _, exists := z[name]; !exists {
			added++
		}
		z[name] = member.Score
	}
	return goredis.NewIntResult(added, nil)
}

func (m *Memory) ZCount(ctx context.Context, key, min, max string) *goredis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ZCOUNT")
	if m.Err != nil {
		return goredis.NewIntResult(0, m.Err)
	}
	lo, err := strconv.ParseFloat(min, 64)
	if err != nil {
		return goredis.NewIntResult(0, err)
	}
	hi, err := strconv.ParseFloat(max, 64)
	if err != nil {
		return goredis.NewIntResult(0, err)
	}
	var n int64
	for _, score := range m.zsets[key] {
		if score >= lo && score <= hi {
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SADD")
	if m.Err != nil {
		return goredis.NewIntResult(0, m.Err)
	}
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	var added int64
	for _, member := range members {
		name := fmt.Sprint(member)
		if _, exists := s[name]; !exists {
			added++
		}
		s[name] = struct{}{}
	}
	return goredis.NewIntResult(added, nil)
}

func (m *Memory) SIsMember(ctx context.Context, key string, member interface{}) *goredis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SISMEMBER")
	if m.Err != nil {
		return goredis.NewBoolResult(false, m.Err)
	}
	_, ok := m.sets[key][fmt.Sprint(member)]
	return goredis.NewBoolResult(ok, nil)
}

func (m *Memory) Close() error {
	return nil
}
