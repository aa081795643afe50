// Package params exposes the application's secret records: the bot
// credential, the webhook secret and the cookie signing keys.
package params

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/miniapp-gate/internal/crypto"
	"github.com/and161185/miniapp-gate/internal/edgepolicy"
	"github.com/and161185/miniapp-gate/internal/initdata"
	"github.com/and161185/miniapp-gate/internal/model"
	"github.com/and161185/miniapp-gate/internal/secretvault"
)

// Guardrail references a model guardrail configured for the bot.
type Guardrail struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// BotParam is the bot credential record.
type BotParam struct {
	Token       string     `json:"token"`
	TokenHash   string     `json:"tokenHash"`
	WebhookHash string     `json:"webhookHash"`
	Info        model.Doc  `json:"info,omitempty"`
	Guardrail   *Guardrail `json:"guardrail,omitempty"`
}

// Firewall types as stored in the webhook record.
const (
	FirewallFunction = "cff"
	FirewallACL      = "waf"
)

// Firewall names the edge resource enforcing the webhook secret.
type Firewall struct {
	Type string `json:"type"`
	ARN  string `json:"arn"`
}

// Ref converts the stored firewall into an edge policy reference.
func (f Firewall) Ref() (edgepolicy.Ref, error) {
	var kind edgepolicy.Kind
	switch f.Type {
	case FirewallFunction:
		kind = edgepolicy.KindFunction
	case FirewallACL:
		kind = edgepolicy.KindACL
	default:
		return edgepolicy.Ref{}, fmt.Errorf("unknown firewall type %q", f.Type)
	}
	ref := edgepolicy.Ref{Kind: kind, ID: f.ARN}
	return ref, ref.Validate()
}

// FirewallFor converts an edge policy reference back into its stored form.
func FirewallFor(ref edgepolicy.Ref) Firewall {
	t := FirewallACL
	if ref.Kind == edgepolicy.KindFunction {
		t = FirewallFunction
	}
	return Firewall{Type: t, ARN: ref.ID}
}

// WebhookParam is the webhook record.
type WebhookParam struct {
	URL        string   `json:"url"`
	Hash       string   `json:"hash"`
	Firewall   Firewall `json:"firewall"`
	Configured string   `json:"configured,omitempty"`
}

// CookieParam holds cookie signing keys, newest first.
type CookieParam struct {
	TS   int64    `json:"ts"`
	Keys []string `json:"keys"`
}

// Names of the three records.
type Names struct {
	Bot     string
	Webhook string
	Cookies string
}

// DefaultNames derives record names from a prefix: /<prefix>/bot etc.
func DefaultNames(prefix string) Names {
	return Names{
		Bot:     "/" + prefix + "/bot",
		Webhook: "/" + prefix + "/webhook",
		Cookies: "/" + prefix + "/cookies",
	}
}

// Config tunes caching and cookie key rotation.
type Config struct {
	Names    Names
	CacheTTL time.Duration
	// KeyRotation is the age after which a fresh cookie key is prepended.
	KeyRotation time.Duration
	// MaxKeys bounds the retained cookie keys.
	MaxKeys int
}

// CookieKeySpec is used to generate cookie keys.
var CookieKeySpec = secretvault.RandomSpec{
	Length:             secretvault.DefaultSecretLength,
	ExcludePunctuation: true,
	ExcludeCharacters:  `"{}[]()"',`,
}

// Option configures Params.
type Option func(*Params)

// WithClock overrides the clock used for caches and key rotation.
func WithClock(c clock.Clock) Option { return func(p *Params) { p.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Params) { p.log = l } }

// Params is the typed view over the secret records.
type Params struct {
	cfg   Config
	gen   secretvault.Generator
	clock clock.Clock
	log   *zap.Logger

	bot     *secretvault.Vault[BotParam]
	webhook *secretvault.Vault[WebhookParam]
	cookies *secretvault.Vault[CookieParam]
}

// New builds the records over backend. gen may be nil.
func New(backend secretvault.Backend, gen secretvault.Generator, cfg Config, opts ...Option) *Params {
	p := &Params{cfg: cfg, gen: gen, clock: clock.WallClock, log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	if p.cfg.MaxKeys <= 0 {
		p.cfg.MaxKeys = 3
	}
	vopts := []secretvault.Option{secretvault.WithClock(p.clock), secretvault.WithLogger(p.log)}

	p.bot = secretvault.New(backend, secretvault.Config[BotParam]{
		Name: cfg.Names.Bot,
		TTL:  cfg.CacheTTL,
	}, vopts...)
	p.webhook = secretvault.New(backend, secretvault.Config[WebhookParam]{
		Name: cfg.Names.Webhook,
	}, vopts...)
	p.cookies = secretvault.New(backend, secretvault.Config[CookieParam]{
		Name:          cfg.Names.Cookies,
		TTL:           cfg.CacheTTL,
		Default:       CookieParam{Keys: []string{}},
		IgnoreMissing: true,
	}, vopts...)
	return p
}

// Bot returns the cached bot record.
func (p *Params) Bot(ctx context.Context) (BotParam, error) {
	return p.bot.Get(ctx, false)
}

// SetBot merges changes into the bot record.
func (p *Params) SetBot(ctx context.Context, mutate func(*BotParam)) (BotParam, error) {
	return p.bot.Set(ctx, mutate, false)
}

// BotKey returns the launch-data key material. The derived key is preferred;
// the raw token is passed along only when no derived key is stored.
func (p *Params) BotKey(ctx context.Context) (initdata.Options, error) {
	b, err := p.Bot(ctx)
	if err != nil {
		return initdata.Options{}, err
	}
	if b.TokenHash != "" {
		return initdata.Options{TokenHash: b.TokenHash}, nil
	}
	return initdata.Options{Token: b.Token}, nil
}

// WebhookHash returns the expected SHA-256 hex of the webhook secret header.
func (p *Params) WebhookHash(ctx context.Context) (string, error) {
	b, err := p.Bot(ctx)
	if err != nil {
		return "", err
	}
	return b.WebhookHash, nil
}

// Webhook reads the webhook record, bypassing the cache.
func (p *Params) Webhook(ctx context.Context) (WebhookParam, error) {
	return p.webhook.Get(ctx, true)
}

// WebhookRef returns the configured firewall as an edge policy reference.
func (p *Params) WebhookRef(ctx context.Context) (edgepolicy.Ref, error) {
	w, err := p.Webhook(ctx)
	if err != nil {
		return edgepolicy.Ref{}, err
	}
	return w.Firewall.Ref()
}

// CommitWebhookToken stores sha256(token) in the webhook record and in the
// bot record. Both writes are attempted even if one fails; every failure is
// returned.
func (p *Params) CommitWebhookToken(ctx context.Context, token string, ref edgepolicy.Ref) error {
	hash := crypto.SHA256Hex(token)
	configured := p.clock.Now().UTC().Format(time.RFC1123)

	var werr, berr error
	var g errgroup.Group
	g.Go(func() error {
		_, werr = p.webhook.Set(ctx, func(w *WebhookParam) {
			w.Hash = hash
			w.Configured = configured
			if ref.ID != "" {
				w.Firewall = FirewallFor(ref)
			}
		}, true)
		return werr
	})
	g.Go(func() error {
		_, berr = p.bot.Set(ctx, func(b *BotParam) { b.WebhookHash = hash }, true)
		return berr
	})
	_ = g.Wait()
	return errors.Join(werr, berr)
}

// CookieKeys returns the cookie signing keys, newest first. When the newest
// key is older than the rotation period a fresh key is generated and
// prepended, keeping at most MaxKeys. The stored record is reread before
// rotating so a key written by another process is reused, not replaced.
func (p *Params) CookieKeys(ctx context.Context) ([]string, error) {
	rec, err := p.cookies.Get(ctx, false)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	if keys, ok := p.currentKeys(rec, now); ok {
		return keys, nil
	}
	rec, err = p.cookies.Get(ctx, true)
	if err != nil {
		return nil, err
	}
	if keys, ok := p.currentKeys(rec, now); ok {
		return keys, nil
	}

	fresh, err := secretvault.Generate(ctx, p.gen, CookieKeySpec)
	if err != nil {
		return nil, fmt.Errorf("generate cookie key: %w", err)
	}
	rotated := false
	rec, err = p.cookies.Set(ctx, func(c *CookieParam) {
		if _, ok := p.currentKeys(*c, now); ok {
			return
		}
		keys := validKeys(c.Keys)
		if len(keys) > p.cfg.MaxKeys-1 {
			keys = keys[:p.cfg.MaxKeys-1]
		}
		c.TS = now.UnixMilli()
		c.Keys = append([]string{fresh}, keys...)
		rotated = true
	}, true)
	if err != nil {
		return nil, err
	}
	keys := validKeys(rec.Keys)
	if rotated {
		p.log.Info("cookie keys rotated", zap.Int("keys", len(keys)))
	}
	return keys, nil
}

// ReloadCookieKeys rereads the cookie keys from the backend, skipping the
// cache. It never rotates.
func (p *Params) ReloadCookieKeys(ctx context.Context) ([]string, error) {
	rec, err := p.cookies.Get(ctx, true)
	if err != nil {
		return nil, err
	}
	return validKeys(rec.Keys), nil
}

func (p *Params) currentKeys(rec CookieParam, now time.Time) ([]string, bool) {
	keys := validKeys(rec.Keys)
	if len(keys) == 0 || rec.TS <= 0 {
		return nil, false
	}
	return keys, now.Sub(time.UnixMilli(rec.TS)) < p.cfg.KeyRotation
}

func validKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
