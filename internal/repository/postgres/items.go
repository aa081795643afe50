package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/and161185/miniapp-gate/internal/model"
	"github.com/and161185/miniapp-gate/internal/repository"
)

const defaultPageSize = 100

// Backend implements repository.Backend on the kv_items table.
type Backend struct{ db *DB }

// NewBackend constructs a Postgres backend.
func NewBackend(db *DB) *Backend { return &Backend{db: db} }

// GetItem selects a live item by key.
func (b *Backend) GetItem(ctx context.Context, table string, key repository.Key) (model.Doc, error) {
	const q = `
SELECT doc FROM kv_items
WHERE tbl=$1 AND pk=$2 AND sk=$3 AND (expires_at IS NULL OR expires_at > now())`
	var raw []byte
	if err := b.db.Pool.QueryRow(ctx, q, table, key.PK, key.SK).Scan(&raw); err != nil {
		return nil, mapErr(err)
	}
	return model.DecodeDoc(raw)
}

// PutItem upserts an item; the last writer wins.
func (b *Backend) PutItem(ctx context.Context, table string, item repository.Item) error {
	const q = `
INSERT INTO kv_items (tbl, pk, sk, doc, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tbl, pk, sk)
DO UPDATE SET doc=EXCLUDED.doc, expires_at=EXCLUDED.expires_at, updated_at=now()`
	raw, err := json.Marshal(item.Doc)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	_, err = b.db.Pool.Exec(ctx, q, table, item.Key.PK, item.Key.SK, raw, item.ExpiresAt)
	return mapErr(err)
}

// QueryItems returns one page using keyset pagination on (pk, sk).
func (b *Backend) QueryItems(ctx context.Context, table string, q repository.Query) (repository.Page, error) {
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
	var afterPK, afterSK *string
	if after != nil {
		afterPK, afterSK = &after.PK, &after.SK
	}

	sql, args := partitionQuery(table, q, afterSK, limit)
	if q.Attr != "" {
		sql, args = indexQuery(table, q, afterPK, afterSK, limit)
	}

	rows, err := b.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return repository.Page{}, mapErr(err)
	}
	defer rows.Close()

	var page repository.Page
	var last repository.Key
	for rows.Next() {
		var k repository.Key
		var raw []byte
		if err := rows.Scan(&k.PK, &k.SK, &raw); err != nil {
			return repository.Page{}, mapErr(err)
		}
		if len(page.Items) == limit {
			page.Next = repository.EncodeCursor(last)
			break
		}
		d, err := model.DecodeDoc(raw)
		if err != nil {
			return repository.Page{}, err
		}
		page.Items = append(page.Items, d)
		last = k
	}
	if err := rows.Err(); err != nil {
		return repository.Page{}, mapErr(err)
	}
	return page, nil
}

func partitionQuery(table string, q repository.Query, afterSK *string, limit int) (string, []any) {
	const asc = `
SELECT pk, sk, doc FROM kv_items
WHERE tbl=$1 AND pk=$2 AND ($3::text IS NULL OR sk > $3)
  AND (expires_at IS NULL OR expires_at > now())
ORDER BY sk
LIMIT $4`
	const desc = `
SELECT pk, sk, doc FROM kv_items
WHERE tbl=$1 AND pk=$2 AND ($3::text IS NULL OR sk < $3)
  AND (expires_at IS NULL OR expires_at > now())
ORDER BY sk DESC
LIMIT $4`
	sql := asc
	if q.Descending {
		sql = desc
	}
	return sql, []any{table, q.PK, afterSK, limit + 1}
}

func indexQuery(table string, q repository.Query, afterPK, afterSK *string, limit int) (string, []any) {
	const asc = `
SELECT pk, sk, doc FROM kv_items
WHERE tbl=$1 AND doc->>$2 = $3 AND ($4::text IS NULL OR (pk, sk) > ($4, $5))
  AND (expires_at IS NULL OR expires_at > now())
ORDER BY pk, sk
LIMIT $6`
	const desc = `
SELECT pk, sk, doc FROM kv_items
WHERE tbl=$1 AND doc->>$2 = $3 AND ($4::text IS NULL OR (pk, sk) < ($4, $5))
  AND (expires_at IS NULL OR expires_at > now())
ORDER BY pk DESC, sk DESC
LIMIT $6`
	sql := asc
	if q.Descending {
		sql = desc
	}
	return sql, []any{table, q.Attr, q.PK, afterPK, afterSK, limit + 1}
}

// Compile-time interface check
var _ repository.Backend = (*Backend)(nil)
