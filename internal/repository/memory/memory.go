// Package memory provides an in-process repository.Backend for tests and
// single-node development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
	"github.com/and161185/miniapp-gate/internal/repository"
)

const defaultPageSize = 100

type entry struct {
	raw       []byte
	expiresAt *time.Time
}

// Backend keeps items in maps keyed by table and item key.
type Backend struct {
	mu     sync.RWMutex
	clock  clock.Clock
	tables map[string]map[repository.Key]entry
}

// New returns an empty backend. A nil clock means the wall clock.
func New(c clock.Clock) *Backend {
	if c == nil {
		c = clock.WallClock
	}
	return &Backend{clock: c, tables: map[string]map[repository.Key]entry{}}
}

// GetItem implements repository.Backend.
func (b *Backend) GetItem(_ context.Context, table string, key repository.Key) (model.Doc, error) {
	b.mu.RLock()
	e, ok := b.tables[table][key]
	b.mu.RUnlock()
	if !ok || b.expired(e) {
		return nil, errs.ErrNotFound
	}
	return model.DecodeDoc(e.raw)
}

// PutItem implements repository.Backend.
func (b *Backend) PutItem(_ context.Context, table string, item repository.Item) error {
	raw, err := json.Marshal(item.Doc)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[table]
	if !ok {
		t = map[repository.Key]entry{}
		b.tables[table] = t
	}
	t[item.Key] = entry{raw: raw, expiresAt: item.ExpiresAt}
	return nil
}

// QueryItems implements repository.Backend.
func (b *Backend) QueryItems(_ context.Context, table string, q repository.Query) (repository.Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	var after *repository.Key
	if q.Cursor != "" {
		k, err := repository.DecodeCursor(q.Cursor)
		if err != nil {
			return repository.Page{}, err
		}
		after = &k
	}

	type hit struct {
		key repository.Key
		doc model.Doc
	}
	var hits []hit

	b.mu.RLock()
	for k, e := range b.tables[table] {
		if b.expired(e) {
			continue
		}
		d, err := model.DecodeDoc(e.raw)
		if err != nil {
			b.mu.RUnlock()
			return repository.Page{}, err
		}
		if q.Attr == "" {
			if k.PK != q.PK {
				continue
			}
		} else if v, ok := d[q.Attr]; !ok || fmt.Sprint(v) != q.PK {
			continue
		}
		hits = append(hits, hit{key: k, doc: d})
	}
	b.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if q.Descending {
			return less(hits[j].key, hits[i].key)
		}
		return less(hits[i].key, hits[j].key)
	})

	var page repository.Page
	var last repository.Key
	for _, h := range hits {
		if after != nil {
			if q.Descending && !less(h.key, *after) {
				continue
			}
			if !q.Descending && !less(*after, h.key) {
				continue
			}
		}
		if len(page.Items) == limit {
			page.Next = repository.EncodeCursor(last)
			break
		}
		page.Items = append(page.Items, h.doc)
		last = h.key
	}
	return page, nil
}

// Len reports the number of live items in a table.
func (b *Backend) Len(table string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.tables[table] {
		if !b.expired(e) {
			n++
		}
	}
	return n
}

func (b *Backend) expired(e entry) bool {
	return e.expiresAt != nil && !b.clock.Now().Before(*e.expiresAt)
}

func less(a, b repository.Key) bool {
	if a.PK != b.PK {
		return a.PK < b.PK
	}
	return a.SK < b.SK
}
