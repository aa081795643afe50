package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
)

// TableDescriptor names a logical table and its key attributes.
type TableDescriptor struct {
	Name    string
	PK      string
	SK      string // empty = no sort key
	TTL     string // attribute receiving the unix expiry; empty = no TTL
	Indexes map[string]IndexDescriptor
}

// IndexDescriptor is a secondary access path over document attributes.
type IndexDescriptor struct {
	PK string
}

// PutRequest describes how a document is written.
//
// Precedence, lowest first: the document itself, Merge, the partition key,
// the sort key, the TTL attribute.
type PutRequest struct {
	PK    string
	SK    string
	Merge model.Doc
	TTL   time.Duration
}

// QueryOptions narrows a partition query.
type QueryOptions struct {
	Descending bool
	PageSize   int
}

// Table binds a descriptor to a backend.
type Table struct {
	backend Backend
	desc    TableDescriptor
	clock   clock.Clock
	log     *zap.Logger
}

// Option configures a table.
type Option func(*Table)

// WithClock overrides the clock used for TTL computation.
func WithClock(c clock.Clock) Option { return func(t *Table) { t.clock = c } }

// WithLogger sets the table logger.
func WithLogger(l *zap.Logger) Option { return func(t *Table) { t.log = l } }

// NewTable constructs a table over the backend.
func NewTable(b Backend, d TableDescriptor, opts ...Option) *Table {
	t := &Table{backend: b, desc: d, clock: clock.WallClock, log: zap.NewNop()}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With(zap.String("table", d.Name))
	return t
}

// Descriptor returns the table descriptor.
func (t *Table) Descriptor() TableDescriptor { return t.desc }

// Get loads one item by partition and sort key.
func (t *Table) Get(ctx context.Context, pk, sk string) (model.Doc, error) {
	if t.desc.SK == "" {
		sk = ""
	}
	d, err := t.backend.GetItem(ctx, t.desc.Name, Key{PK: pk, SK: sk})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", pk, sk, err)
	}
	return d, nil
}

// Put writes doc merged with the request fields.
func (t *Table) Put(ctx context.Context, doc model.Doc, req PutRequest) error {
	keys := model.Doc{}
	if req.PK != "" {
		keys[t.desc.PK] = req.PK
	}
	if t.desc.SK != "" && req.SK != "" {
		keys[t.desc.SK] = req.SK
	}
	var expires *time.Time
	if t.desc.TTL != "" && req.TTL > 0 {
		at := t.clock.Now().Add(req.TTL)
		expires = &at
		keys[t.desc.TTL] = at.Unix()
	}
	merged := model.MergeDocs(doc, req.Merge, keys)

	key := Key{PK: attrString(merged[t.desc.PK])}
	if t.desc.SK != "" {
		key.SK = attrString(merged[t.desc.SK])
	}
	if key.PK == "" {
		return fmt.Errorf("put: missing partition key %q", t.desc.PK)
	}

	if err := t.backend.PutItem(ctx, t.desc.Name, Item{Key: key, Doc: merged, ExpiresAt: expires}); err != nil {
		t.log.Error("PUT", zap.String("pk", key.PK), zap.String("sk", key.SK), zap.Error(err))
		return fmt.Errorf("put %s/%s: %w", key.PK, key.SK, err)
	}
	t.log.Debug("PUT", zap.String("pk", key.PK), zap.String("sk", key.SK))
	return nil
}

// Query returns every item of the partition, following pagination.
func (t *Table) Query(ctx context.Context, pk string, opts QueryOptions) ([]model.Doc, error) {
	return queryAll(ctx, t.backend, t.desc.Name, Query{PK: pk, Descending: opts.Descending, Limit: opts.PageSize}, t.log)
}

// Collect merges all items of a partition in sort order into one document
// and strips the sort-key attribute. Returns errs.ErrNotFound for an empty partition.
func (t *Table) Collect(ctx context.Context, pk string) (model.Doc, error) {
	if t.desc.SK == "" {
		return t.Get(ctx, pk, "")
	}
	items, err := t.Query(ctx, pk, QueryOptions{})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("collect %s: %w", pk, errs.ErrNotFound)
	}
	out := model.MergeDocs(items...)
	delete(out, t.desc.SK)
	return out, nil
}

func queryAll(ctx context.Context, b Backend, table string, q Query, log *zap.Logger) ([]model.Doc, error) {
	var out []model.Doc
	for {
		page, err := b.QueryItems(ctx, table, q)
		if err != nil {
			log.Error("QUERY", zap.String("pk", q.PK), zap.String("attr", q.Attr), zap.Error(err))
			return nil, fmt.Errorf("query %s: %w", q.PK, err)
		}
		out = append(out, page.Items...)
		if page.Next == "" {
			return out, nil
		}
		q.Cursor = page.Next
	}
}

// IndexView queries a table through one of its indexes. It shares the base
// table's backend and holds no reference back to a Table.
type IndexView struct {
	backend Backend
	table   string
	name    string
	desc    IndexDescriptor
	log     *zap.Logger
}

// Name returns the index name.
func (v IndexView) Name() string { return v.name }

// Query returns every item whose index attribute equals value.
func (v IndexView) Query(ctx context.Context, value string, opts QueryOptions) ([]model.Doc, error) {
	q := Query{PK: value, Attr: v.desc.PK, Descending: opts.Descending, Limit: opts.PageSize}
	return queryAll(ctx, v.backend, v.table, q, v.log)
}

// Registry is a flat lookup of tables and index views. Index views are
// registered under "<table>.<index>".
type Registry struct {
	tables  map[string]*Table
	indexes map[string]IndexView
}

// NewRegistry builds tables for every named descriptor.
func NewRegistry(b Backend, descs map[string]TableDescriptor, opts ...Option) *Registry {
	r := &Registry{tables: map[string]*Table{}, indexes: map[string]IndexView{}}
	names := make([]string, 0, len(descs))
	for n := range descs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		d := descs[n]
		if d.Name == "" || d.PK == "" {
			continue
		}
		t := NewTable(b, d, opts...)
		r.tables[n] = t
		for iname, idesc := range d.Indexes {
			r.indexes[n+"."+iname] = IndexView{backend: b, table: d.Name, name: iname, desc: idesc, log: t.log}
		}
	}
	return r
}

// Table returns the named table or nil.
func (r *Registry) Table(name string) *Table { return r.tables[name] }

// Index returns the named index view.
func (r *Registry) Index(name string) (IndexView, bool) {
	v, ok := r.indexes[name]
	return v, ok
}

func attrString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
