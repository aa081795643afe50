package cookie

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
)

type staticKeys struct {
	keys []string
	err  error
}

func (s *staticKeys) CookieKeys(context.Context) ([]string, error) { return s.keys, s.err }

func TestCodec_IssueRead(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	keys := &staticKeys{keys: []string{"k1"}}
	c := NewCodec(keys, Options{Domain: ".example.org"}, clk)
	ctx := context.Background()

	require.Equal(t, Options{Name: "SESSION", Path: "/", Domain: ".example.org", MaxAge: 4 * time.Hour}, c.Options())

	iss, err := c.Issue(ctx, model.NewSessionID(42, "TOKEN"))
	require.NoError(t, err)
	require.NotEmpty(t, iss.Value)
	require.Equal(t, "SESSION", iss.Name)

	id, err := c.Read(ctx, iss.Value)
	require.NoError(t, err)
	require.Equal(t, model.SessionID("42:TOKEN"), id)

	// rotated keys keep older cookies valid
	keys.keys = []string{"k2", "k1"}
	id, err = c.Read(ctx, iss.Value)
	require.NoError(t, err)
	require.Equal(t, model.SessionID("42:TOKEN"), id)

	// dropped key invalidates
	keys.keys = []string{"k3", "k2"}
	_, err = c.Read(ctx, iss.Value)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestCodec_Expiry(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	c := NewCodec(&staticKeys{keys: []string{"k1"}}, Options{MaxAge: time.Hour}, clk)
	ctx := context.Background()

	iss, err := c.Issue(ctx, "1:A")
	require.NoError(t, err)

	clk.Advance(time.Hour + time.Second)
	_, err = c.Read(ctx, iss.Value)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestCodec_Errors(t *testing.T) {
	ctx := context.Background()
	c := NewCodec(&staticKeys{}, Options{}, nil)

	_, err := c.Issue(ctx, "1:A")
	require.Error(t, err)

	_, err = c.Read(ctx, "")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = c.Read(ctx, "garbage")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	failing := NewCodec(&staticKeys{err: errors.New("vault down")}, Options{}, nil)
	_, err = failing.Read(ctx, "x")
	require.ErrorContains(t, err, "vault down")

	require.Equal(t, -1*time.Nanosecond, c.Expired().MaxAge)
}

type cachedKeys struct {
	cached  []string
	stored  []string
	reloads int
}

func (c *cachedKeys) CookieKeys(context.Context) ([]string, error) { return c.cached, nil }

func (c *cachedKeys) ReloadCookieKeys(context.Context) ([]string, error) {
	c.reloads++
	c.cached = c.stored
	return c.stored, nil
}

func TestCodec_ReadReloadsOnUnknownKey(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	other := NewCodec(&staticKeys{keys: []string{"k2", "k1"}}, Options{}, clk)
	iss, err := other.Issue(ctx, "7:B")
	require.NoError(t, err)

	src := &cachedKeys{cached: []string{"k1"}, stored: []string{"k2", "k1"}}
	c := NewCodec(src, Options{}, clk)

	id, err := c.Read(ctx, iss.Value)
	require.NoError(t, err)
	require.Equal(t, model.SessionID("7:B"), id)
	require.Equal(t, 1, src.reloads)

	// a known key needs no reload
	_, err = c.Read(ctx, iss.Value)
	require.NoError(t, err)
	require.Equal(t, 1, src.reloads)

	forged := NewCodec(&staticKeys{keys: []string{"k9"}}, Options{}, clk)
	bad, err := forged.Issue(ctx, "7:B")
	require.NoError(t, err)
	_, err = c.Read(ctx, bad.Value)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, 2, src.reloads)
}
