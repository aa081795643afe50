// Package memory provides an in-process secretvault.Backend for local runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/secretvault"
)

// Backend keeps every record version in memory.
type Backend struct {
	mu      sync.Mutex
	records map[string]secretvault.Parameter
	// FailWrite, when set, may reject a write to name.
	FailWrite func(name string) error
}

// New returns an empty backend seeded with initial values.
func New(initial map[string]string) *Backend {
	b := &Backend{records: map[string]secretvault.Parameter{}}
	for k, v := range initial {
		b.records[k] = secretvault.Parameter{Value: v, Version: 1}
	}
	return b
}

// Read implements secretvault.Backend.
func (b *Backend) Read(_ context.Context, name string) (secretvault.Parameter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.records[name]
	if !ok {
		return secretvault.Parameter{}, fmt.Errorf("parameter %q: %w", name, errs.ErrNotFound)
	}
	return p, nil
}

// Write implements secretvault.Backend.
func (b *Backend) Write(_ context.Context, name, value string, overwrite bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrite != nil {
		if err := b.FailWrite(name); err != nil {
			return 0, err
		}
	}
	p, exists := b.records[name]
	if exists && !overwrite {
		return 0, fmt.Errorf("parameter %q already exists", name)
	}
	p.Value = value
	p.Version++
	b.records[name] = p
	return p.Version, nil
}

// Value returns the raw stored value of name.
func (b *Backend) Value(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[name].Value
}

var _ secretvault.Backend = (*Backend)(nil)
