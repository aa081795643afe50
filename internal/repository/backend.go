// Package repository defines the key-value storage contract and the table
// layer shared by the concrete backends.
package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/and161185/miniapp-gate/internal/model"
)

// Key addresses a single item: partition key plus optional sort key.
type Key struct {
	PK string
	SK string
}

// Item is a document ready to be persisted.
type Item struct {
	Key       Key
	Doc       model.Doc
	ExpiresAt *time.Time // nil = no expiration
}

// Query selects items of one partition, or of one index value when Attr is set.
type Query struct {
	PK         string
	Attr       string // index partition attribute; empty = base table key
	Descending bool
	Limit      int
	Cursor     string
}

// Page is one slice of query results. Next is empty on the last page.
type Page struct {
	Items []model.Doc
	Next  string
}

// Backend is implemented by postgres, redis and memory stores.
type Backend interface {
	// GetItem loads a single item. Returns errs.ErrNotFound if absent or expired.
	GetItem(ctx context.Context, table string, key Key) (model.Doc, error)
	// PutItem overwrites the item at item.Key.
	PutItem(ctx context.Context, table string, item Item) error
	// QueryItems returns one page of non-expired items ordered by key.
	QueryItems(ctx context.Context, table string, q Query) (Page, error)
}

// EncodeCursor renders a resume position for keyset pagination.
func EncodeCursor(k Key) string {
	b, _ := json.Marshal([2]string{k.PK, k.SK})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a value produced by EncodeCursor.
func DecodeCursor(s string) (Key, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Key{}, err
	}
	var parts [2]string
	if err := json.Unmarshal(b, &parts); err != nil {
		return Key{}, errors.New("repository: bad cursor")
	}
	return Key{PK: parts[0], SK: parts[1]}, nil
}
