// Package redis provides a Redis-based implementation of repository.Backend.
// Items are JSON strings with native expiry; each partition keeps a sorted
// set of its sort keys so queries can page lexicographically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
	"github.com/and161185/miniapp-gate/internal/repository"
)

const defaultPageSize = 100

// Config contains configuration options for the Redis backend
type Config struct {
	// Client is the Redis client instance
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys
	// Default: "miniapp:kv:"
	KeyPrefix string

	// Clock turns item expiry times into TTLs
	// Default: clock.WallClock
	Clock clock.Clock
}

// Backend implements repository.Backend using Redis
type Backend struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     clock.Clock
}

// New creates a new Redis-based backend.
func New(config Config) (*Backend, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "miniapp:kv:"
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	return &Backend{client: config.Client, keyPrefix: config.KeyPrefix, clock: config.Clock}, nil
}

// GetItem implements repository.Backend.
func (b *Backend) GetItem(ctx context.Context, table string, key repository.Key) (model.Doc, error) {
	raw, err := b.client.Get(ctx, b.itemKey(table, key.PK, key.SK)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrStoreUnavailable, err)
	}
	return model.DecodeDoc(raw)
}

// PutItem implements repository.Backend.
func (b *Backend) PutItem(ctx context.Context, table string, item repository.Item) error {
	raw, err := json.Marshal(item.Doc)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	var ttl time.Duration
	if item.ExpiresAt != nil {
		ttl = item.ExpiresAt.Sub(b.clock.Now())
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	// The partition set lives as long as its longest-lived item.
	pkey := b.partitionKey(table, item.Key.PK)
	extend := false
	if ttl > 0 {
		cur, err := b.client.PTTL(ctx, pkey).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrStoreUnavailable, err)
		}
		// -1 marks a set holding an item without expiry
		extend = cur != -1 && cur < ttl
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.itemKey(table, item.Key.PK, item.Key.SK), raw, ttl)
		pipe.ZAdd(ctx, pkey, redis.Z{Score: 0, Member: item.Key.SK})
		switch {
		case ttl == 0:
			pipe.Persist(ctx, pkey)
		case extend:
			pipe.PExpire(ctx, pkey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrStoreUnavailable, err)
	}
	return nil
}

// QueryItems implements repository.Backend. Index queries are not supported.
func (b *Backend) QueryItems(ctx context.Context, table string, q repository.Query) (repository.Page, error) {
	if q.Attr != "" {
		return repository.Page{}, fmt.Errorf("redis index query on %q: %w", q.Attr, errs.ErrUnsupported)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	rng := &redis.ZRangeBy{Min: "-", Max: "+", Count: int64(limit + 1)}
	if q.Cursor != "" {
		k, err := repository.DecodeCursor(q.Cursor)
		if err != nil {
			return repository.Page{}, err
		}
		if q.Descending {
			rng.Max = "(" + k.SK
		} else {
			rng.Min = "(" + k.SK
		}
	}

	pkey := b.partitionKey(table, q.PK)
	var members []string
	var err error
	if q.Descending {
		members, err = b.client.ZRevRangeByLex(ctx, pkey, rng).Result()
	} else {
		members, err = b.client.ZRangeByLex(ctx, pkey, rng).Result()
	}
	if err != nil {
		return repository.Page{}, fmt.Errorf("%w: %w", errs.ErrStoreUnavailable, err)
	}

	var page repository.Page
	if len(members) > limit {
		members = members[:limit]
		page.Next = repository.EncodeCursor(repository.Key{PK: q.PK, SK: members[limit-1]})
	}
	if len(members) == 0 {
		return page, nil
	}

	keys := make([]string, len(members))
	for i, sk := range members {
		keys[i] = b.itemKey(table, q.PK, sk)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return repository.Page{}, fmt.Errorf("%w: %w", errs.ErrStoreUnavailable, err)
	}
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		d, err := model.DecodeDoc([]byte(s))
		if err != nil {
			return repository.Page{}, err
		}
		page.Items = append(page.Items, d)
	}
	if len(stale) > 0 {
		// expired items leave their sort keys behind
		b.client.ZRem(ctx, pkey, stale...)
	}
	return page, nil
}

// Close closes the Redis client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) itemKey(table, pk, sk string) string {
	return b.keyPrefix + table + ":" + pk + ":" + sk
}

func (b *Backend) partitionKey(table, pk string) string {
	return b.keyPrefix + table + ":" + pk + ":~keys"
}

// Compile-time interface check
var _ repository.Backend = (*Backend)(nil)
