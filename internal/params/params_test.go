package params_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/miniapp-gate/internal/cookie"
	"github.com/and161185/miniapp-gate/internal/crypto"
	"github.com/and161185/miniapp-gate/internal/edgepolicy"
	"github.com/and161185/miniapp-gate/internal/initdata"
	"github.com/and161185/miniapp-gate/internal/params"
	"github.com/and161185/miniapp-gate/internal/secretvault/memory"
)

var names = params.DefaultNames("test")

func newParams(t *testing.T, be *memory.Backend) (*params.Params, *testclock.Clock) {
	clk := testclock.NewClock(time.UnixMilli(1700000000000))
	return newParamsWith(t, be, clk, 5*time.Minute), clk
}

func newParamsWith(t *testing.T, be *memory.Backend, clk *testclock.Clock, cacheTTL time.Duration) *params.Params {
	return params.New(be, nil, params.Config{
		Names:       names,
		CacheTTL:    cacheTTL,
		KeyRotation: 12 * time.Hour,
		MaxKeys:     3,
	}, params.WithClock(clk), params.WithLogger(zaptest.NewLogger(t)))
}

func TestDefaultNames(t *testing.T) {
	require.Equal(t, params.Names{Bot: "/app/bot", Webhook: "/app/webhook", Cookies: "/app/cookies"}, params.DefaultNames("app"))
}

func TestParams_BotKey(t *testing.T) {
	be := memory.New(map[string]string{names.Bot: `{"token":"123:abc"}`})
	p, _ := newParams(t, be)
	ctx := context.Background()

	opt, err := p.BotKey(ctx)
	require.NoError(t, err)
	require.Equal(t, initdata.Options{Token: "123:abc"}, opt)

	_, err = p.SetBot(ctx, func(b *params.BotParam) { b.TokenHash = initdata.TokenHash(b.Token) })
	require.NoError(t, err)

	opt, err = p.BotKey(ctx)
	require.NoError(t, err)
	require.Equal(t, initdata.TokenHash("123:abc"), opt.TokenHash)
	require.Empty(t, opt.Token)
}

func TestParams_CommitWebhookToken(t *testing.T) {
	be := memory.New(map[string]string{
		names.Bot:     `{"token":"123:abc","webhookHash":"old"}`,
		names.Webhook: `{"url":"https://example.org/bot","hash":"old","firewall":{"type":"waf","arn":"arn:waf"}}`,
	})
	p, _ := newParams(t, be)
	ctx := context.Background()

	ref, err := p.WebhookRef(ctx)
	require.NoError(t, err)
	require.Equal(t, edgepolicy.Ref{Kind: edgepolicy.KindACL, ID: "arn:waf"}, ref)

	// warm the bot cache so the commit has to bypass it
	_, err = p.Bot(ctx)
	require.NoError(t, err)

	require.NoError(t, p.CommitWebhookToken(ctx, "tok", ref))

	want := crypto.SHA256Hex("tok")
	w, err := p.Webhook(ctx)
	require.NoError(t, err)
	require.Equal(t, want, w.Hash)
	require.Equal(t, "https://example.org/bot", w.URL)
	require.Equal(t, "Tue, 14 Nov 2023 22:13:20 UTC", w.Configured)

	hash, err := p.WebhookHash(ctx)
	require.NoError(t, err)
	require.Equal(t, want, hash)
}

func TestParams_CommitWebhookToken_PartialFailure(t *testing.T) {
	be := memory.New(map[string]string{
		names.Bot:     `{"token":"123:abc"}`,
		names.Webhook: `{"firewall":{"type":"cff","arn":"arn:fn/guard"}}`,
	})
	be.FailWrite = func(name string) error {
		if name == names.Webhook {
			return errors.New("throttled")
		}
		return nil
	}
	p, _ := newParams(t, be)

	err := p.CommitWebhookToken(context.Background(), "tok", edgepolicy.Ref{Kind: edgepolicy.KindFunction, ID: "arn:fn/guard"})
	require.ErrorContains(t, err, "throttled")
	require.Contains(t, be.Value(names.Bot), crypto.SHA256Hex("tok"), "bot record still written")
}

func TestParams_CookieKeysRotate(t *testing.T) {
	be := memory.New(nil)
	p, clk := newParams(t, be)
	ctx := context.Background()

	k1, err := p.CookieKeys(ctx)
	require.NoError(t, err)
	require.Len(t, k1, 1)

	again, err := p.CookieKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, k1, again)

	clk.Advance(12 * time.Hour)
	k2, err := p.CookieKeys(ctx)
	require.NoError(t, err)
	require.Len(t, k2, 2)
	require.Equal(t, k1[0], k2[1])

	for i := 0; i < 3; i++ {
		clk.Advance(12 * time.Hour)
		_, err = p.CookieKeys(ctx)
		require.NoError(t, err)
	}
	k5, err := p.CookieKeys(ctx)
	require.NoError(t, err)
	require.Len(t, k5, 3)
}

func TestParams_CookieKeysSharedAcrossProcesses(t *testing.T) {
	for _, ttl := range []time.Duration{5 * time.Minute, 48 * time.Hour} {
		t.Run(ttl.String(), func(t *testing.T) {
			be := memory.New(nil)
			clk := testclock.NewClock(time.UnixMilli(1700000000000))
			a := newParamsWith(t, be, clk, ttl)
			b := newParamsWith(t, be, clk, ttl)
			ctx := context.Background()

			ka, err := a.CookieKeys(ctx)
			require.NoError(t, err)
			kb, err := b.CookieKeys(ctx)
			require.NoError(t, err)
			require.Equal(t, ka, kb)

			clk.Advance(13 * time.Hour)
			ca := cookie.NewCodec(a, cookie.Options{}, clk)
			cb := cookie.NewCodec(b, cookie.Options{}, clk)

			iss, err := ca.Issue(ctx, "1:A")
			require.NoError(t, err)
			id, err := cb.Read(ctx, iss.Value)
			require.NoError(t, err)
			require.EqualValues(t, "1:A", id)

			rotatedA, err := a.CookieKeys(ctx)
			require.NoError(t, err)
			rotatedB, err := b.CookieKeys(ctx)
			require.NoError(t, err)
			require.Len(t, rotatedA, 2)
			require.Equal(t, rotatedA, rotatedB, "b reuses the key a rotated in")
			require.Equal(t, ka[0], rotatedA[1])
			require.Contains(t, be.Value(names.Cookies), rotatedA[0])

			iss, err = cb.Issue(ctx, "2:B")
			require.NoError(t, err)
			id, err = ca.Read(ctx, iss.Value)
			require.NoError(t, err)
			require.EqualValues(t, "2:B", id)
		})
	}
}

func TestParams_CookieReadPicksUpForeignRotation(t *testing.T) {
	be := memory.New(nil)
	clk := testclock.NewClock(time.UnixMilli(1700000000000))
	a := newParamsWith(t, be, clk, time.Hour)
	b := newParamsWith(t, be, clk, time.Hour)
	ctx := context.Background()

	_, err := a.CookieKeys(ctx)
	require.NoError(t, err)
	_, err = b.CookieKeys(ctx)
	require.NoError(t, err)

	// rotate a out of band while b still holds its cached copy
	_, err = be.Write(ctx, names.Cookies, `{"ts":1700000000001,"keys":["newer-key-0123456789abcdefghijkl"]}`, true)
	require.NoError(t, err)
	ca := cookie.NewCodec(a, cookie.Options{}, clk)
	keys, err := a.ReloadCookieKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"newer-key-0123456789abcdefghijkl"}, keys)

	iss, err := ca.Issue(ctx, "3:C")
	require.NoError(t, err)
	id, err := cookie.NewCodec(b, cookie.Options{}, clk).Read(ctx, iss.Value)
	require.NoError(t, err)
	require.EqualValues(t, "3:C", id)
}

func TestFirewall_Ref(t *testing.T) {
	ref, err := params.Firewall{Type: "cff", ARN: "arn:fn/x"}.Ref()
	require.NoError(t, err)
	require.Equal(t, edgepolicy.KindFunction, ref.Kind)
	require.Equal(t, params.Firewall{Type: "cff", ARN: "arn:fn/x"}, params.FirewallFor(ref))

	_, err = params.Firewall{Type: "none"}.Ref()
	require.Error(t, err)
	_, err = params.Firewall{Type: "waf"}.Ref()
	require.Error(t, err)
}
