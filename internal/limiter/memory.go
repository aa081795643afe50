package limiter

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/juju/clock"
)

type memEntry struct {
	spent        int
	causes       map[string]int
	updated      time.Time
	blockedUntil time.Time
}

// Memory is a process-local limiter for deployments without Postgres.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	clock   clock.Clock
	entries map[string]*memEntry
}

// NewMemory constructs an in-memory limiter.
func NewMemory(p Policy, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Memory{policy: p, clock: clk, entries: map[string]*memEntry{}}
}

func memKey(scope string, ipHash []byte) string { return scope + "\x00" + string(ipHash) }

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[memKey(scope, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if wait := e.blockedUntil.Sub(m.clock.Now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success implements Limiter. A running block is kept.
func (m *Memory) Success(_ context.Context, scope string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(scope, ipHash)
	if e, ok := m.entries[k]; ok && e.blockedUntil.After(m.clock.Now()) {
		return nil
	}
	delete(m.entries, k)
	return nil
}

// Failure implements Limiter.
func (m *Memory) Failure(_ context.Context, scope string, ipHash []byte, cause string) (Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	k := memKey(scope, ipHash)
	e, ok := m.entries[k]
	if !ok || now.Sub(e.updated) > m.policy.Window {
		e = &memEntry{causes: map[string]int{}}
		m.entries[k] = e
	}
	e.spent += m.policy.Cost(cause)
	e.causes[cause]++
	e.updated = now

	v := Verdict{Spent: e.spent, Causes: maps.Clone(e.causes)}
	if e.spent >= m.policy.Budget {
		e.blockedUntil = now.Add(m.policy.BlockFor)
		e.spent = 0
		e.causes = map[string]int{}
		v.Blocked, v.RetryAfter = true, m.policy.BlockFor
	}
	return v, nil
}

var _ Limiter = (*Memory)(nil)
