package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/redis/go-redis/v9"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
	"github.com/and161185/miniapp-gate/internal/repository"
)

func TestRedisBackend(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.FlushDB(ctx)

	b, err := New(Config{Client: client, KeyPrefix: "test:kv:"})
	if err != nil {
		t.Fatalf("Failed to create Redis backend: %v", err)
	}
	defer b.Close()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := b.GetItem(ctx, "sessions", repository.Key{PK: "1", SK: "none"})
		if !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGet", func(t *testing.T) {
		item := repository.Item{Key: repository.Key{PK: "42", SK: "ABC"}, Doc: model.Doc{"id": 42}}
		if err := b.PutItem(ctx, "sessions", item); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
		d, err := b.GetItem(ctx, "sessions", item.Key)
		if err != nil {
			t.Fatalf("GetItem: %v", err)
		}
		if d["id"].(interface{ String() string }).String() != "42" {
			t.Fatalf("unexpected doc: %v", d)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		exp := time.Now().Add(50 * time.Millisecond)
		item := repository.Item{Key: repository.Key{PK: "7", SK: "T"}, Doc: model.Doc{"id": 7}, ExpiresAt: &exp}
		if err := b.PutItem(ctx, "sessions", item); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
		time.Sleep(150 * time.Millisecond)
		if _, err := b.GetItem(ctx, "sessions", item.Key); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("want expired item to be gone, got %v", err)
		}
		page, err := b.QueryItems(ctx, "sessions", repository.Query{PK: "7"})
		if err != nil {
			t.Fatalf("QueryItems: %v", err)
		}
		if len(page.Items) != 0 {
			t.Fatalf("expired item returned by query")
		}
	})

	t.Run("PartitionExpiresWithItems", func(t *testing.T) {
		pkey := b.partitionKey("sessions", "99")
		put := func(sk string, ttl time.Duration) {
			t.Helper()
			item := repository.Item{Key: repository.Key{PK: "99", SK: sk}, Doc: model.Doc{"id": 99}}
			if ttl > 0 {
				exp := time.Now().Add(ttl)
				item.ExpiresAt = &exp
			}
			if err := b.PutItem(ctx, "sessions", item); err != nil {
				t.Fatalf("PutItem: %v", err)
			}
		}

		put("A", time.Hour)
		if d := client.PTTL(ctx, pkey).Val(); d <= 59*time.Minute || d > time.Hour {
			t.Fatalf("want partition ttl near 1h, got %v", d)
		}
		put("B", 2*time.Hour)
		if d := client.PTTL(ctx, pkey).Val(); d <= time.Hour+59*time.Minute {
			t.Fatalf("want partition ttl extended to 2h, got %v", d)
		}
		put("C", 10*time.Minute)
		if d := client.PTTL(ctx, pkey).Val(); d <= time.Hour+59*time.Minute {
			t.Fatalf("shorter item must not shrink partition ttl, got %v", d)
		}
		put("D", 0)
		if d := client.PTTL(ctx, pkey).Val(); d != -1 {
			t.Fatalf("item without expiry must keep the partition, got %v", d)
		}
	})

	t.Run("InjectedClock", func(t *testing.T) {
		clk := testclock.NewClock(time.Unix(1700000000, 0))
		cb, err := New(Config{Client: client, KeyPrefix: "test:clk:", Clock: clk})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		exp := clk.Now().Add(30 * time.Minute)
		item := repository.Item{Key: repository.Key{PK: "5", SK: "S"}, Doc: model.Doc{"id": 5}, ExpiresAt: &exp}
		if err := cb.PutItem(ctx, "sessions", item); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
		if d := client.PTTL(ctx, cb.itemKey("sessions", "5", "S")).Val(); d <= 29*time.Minute {
			t.Fatalf("want item ttl from injected clock, got %v", d)
		}
		if d := client.PTTL(ctx, cb.partitionKey("sessions", "5")).Val(); d <= 29*time.Minute {
			t.Fatalf("want partition ttl from injected clock, got %v", d)
		}
	})

	t.Run("QueryPages", func(t *testing.T) {
		for _, sk := range []string{"a", "b", "c"} {
			item := repository.Item{Key: repository.Key{PK: "p", SK: sk}, Doc: model.Doc{sk: true}}
			if err := b.PutItem(ctx, "profiles", item); err != nil {
				t.Fatalf("PutItem: %v", err)
			}
		}
		page, err := b.QueryItems(ctx, "profiles", repository.Query{PK: "p", Limit: 2})
		if err != nil {
			t.Fatalf("QueryItems: %v", err)
		}
		if len(page.Items) != 2 || page.Next == "" {
			t.Fatalf("want first page of 2 with cursor, got %d %q", len(page.Items), page.Next)
		}
		page, err = b.QueryItems(ctx, "profiles", repository.Query{PK: "p", Limit: 2, Cursor: page.Next})
		if err != nil {
			t.Fatalf("QueryItems: %v", err)
		}
		if len(page.Items) != 1 || page.Next != "" {
			t.Fatalf("want last page of 1, got %d %q", len(page.Items), page.Next)
		}
	})

	t.Run("IndexUnsupported", func(t *testing.T) {
		_, err := b.QueryItems(ctx, "profiles", repository.Query{PK: "x", Attr: "username"})
		if !errors.Is(err, errs.ErrUnsupported) {
			t.Fatalf("want ErrUnsupported, got %v", err)
		}
	})
}
