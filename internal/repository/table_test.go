package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
	"github.com/and161185/miniapp-gate/internal/repository"
	"github.com/and161185/miniapp-gate/internal/repository/memory"
)

var descs = map[string]repository.TableDescriptor{
	"profiles": {
		Name:    "test-users",
		PK:      "id",
		SK:      "order",
		Indexes: map[string]repository.IndexDescriptor{"by_username": {PK: "username"}},
	},
	"sessions": {Name: "test-sessions", PK: "user", SK: "session", TTL: "ttl"},
	"broken":   {Name: "", PK: "x"},
}

func TestTable_PutPrecedenceAndTTL(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	be := memory.New(clk)
	reg := repository.NewRegistry(be, descs, repository.WithClock(clk))
	require.Nil(t, reg.Table("broken"))

	sessions := reg.Table("sessions")
	ctx := context.Background()

	err := sessions.Put(ctx, model.Doc{"id": 42, "user": "spoofed", "ts": 1}, repository.PutRequest{
		PK:    "42",
		SK:    "TOKEN",
		Merge: model.Doc{"ts": 2},
		TTL:   time.Hour,
	})
	require.NoError(t, err)

	d, err := sessions.Get(ctx, "42", "TOKEN")
	require.NoError(t, err)
	require.Equal(t, "42", d["user"])
	require.Equal(t, "TOKEN", d["session"])
	require.EqualValues(t, "2", d["ts"].(interface{ String() string }).String())
	require.EqualValues(t, "1700003600", d["ttl"].(interface{ String() string }).String())

	clk.Advance(time.Hour)
	_, err = sessions.Get(ctx, "42", "TOKEN")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTable_CollectStripsSortKey(t *testing.T) {
	be := memory.New(nil)
	reg := repository.NewRegistry(be, descs)
	profiles := reg.Table("profiles")
	ctx := context.Background()

	_, err := profiles.Collect(ctx, "42")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, profiles.Put(ctx, model.Doc{"id": 42, "first_name": "Ann"}, repository.PutRequest{PK: "42", SK: "header"}))
	require.NoError(t, profiles.Put(ctx, model.Doc{"id": 42, "theme": "dark"}, repository.PutRequest{PK: "42", SK: "prefs"}))

	d, err := profiles.Collect(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, "Ann", d["first_name"])
	require.Equal(t, "dark", d["theme"])
	_, has := d["order"]
	require.False(t, has)
}

func TestTable_QueryFollowsPages(t *testing.T) {
	be := memory.New(nil)
	reg := repository.NewRegistry(be, descs)
	profiles := reg.Table("profiles")
	ctx := context.Background()

	for _, sk := range []string{"c", "a", "b", "d", "e"} {
		require.NoError(t, profiles.Put(ctx, model.Doc{"id": 1, "sk": sk}, repository.PutRequest{PK: "1", SK: sk}))
	}
	items, err := profiles.Query(ctx, "1", repository.QueryOptions{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.Equal(t, "a", items[0]["sk"])
	require.Equal(t, "e", items[4]["sk"])

	items, err = profiles.Query(ctx, "1", repository.QueryOptions{PageSize: 2, Descending: true})
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.Equal(t, "e", items[0]["sk"])
}

func TestRegistry_IndexView(t *testing.T) {
	be := memory.New(nil)
	reg := repository.NewRegistry(be, descs)
	profiles := reg.Table("profiles")
	ctx := context.Background()

	require.NoError(t, profiles.Put(ctx, model.Doc{"id": 1, "username": "alice"}, repository.PutRequest{SK: "header"}))
	require.NoError(t, profiles.Put(ctx, model.Doc{"id": 2, "username": "bob"}, repository.PutRequest{SK: "header"}))

	idx, ok := reg.Index("profiles.by_username")
	require.True(t, ok)
	require.Equal(t, "by_username", idx.Name())

	items, err := idx.Query(ctx, "bob", repository.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, ok = reg.Index("sessions.by_username")
	require.False(t, ok)
}

func TestCursor_RoundTrip(t *testing.T) {
	k := repository.Key{PK: "42", SK: "a:b"}
	got, err := repository.DecodeCursor(repository.EncodeCursor(k))
	require.NoError(t, err)
	require.Equal(t, k, got)

	_, err = repository.DecodeCursor("%%%")
	require.Error(t, err)
}
