package secretvault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/and161185/miniapp-gate/internal/crypto"
	"github.com/and161185/miniapp-gate/internal/errs"
)

// Config describes one vault record.
type Config[T any] struct {
	// Name of the record in the secret-configuration service.
	Name string
	// TTL of the local cache. Zero disables time-based expiry.
	TTL time.Duration
	// Default is the base every loaded record is merged onto.
	Default T
	// IgnoreMissing serves Default when the record is absent, empty or unreadable.
	IgnoreMissing bool
}

// Option configures a vault.
type Option func(*options)

type options struct {
	clock clock.Clock
	log   *zap.Logger
}

// WithClock overrides the clock used for cache expiry.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the vault logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// Vault caches a JSON record of shape T loaded from a Backend.
//
// The cache is private to the instance: a Set in another process becomes
// visible here only after the TTL elapses or on a forced reload.
type Vault[T any] struct {
	cfg     Config[T]
	backend Backend
	clock   clock.Clock
	log     *zap.Logger

	mu    sync.Mutex
	cache cacheEntry[T]
}

// New constructs a vault over the backend.
func New[T any](b Backend, cfg Config[T], opts ...Option) *Vault[T] {
	o := options{clock: clock.WallClock, log: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Vault[T]{
		cfg:     cfg,
		backend: b,
		clock:   o.clock,
		log:     o.log.With(zap.String("param", cfg.Name)),
	}
}

// Name returns the record name.
func (v *Vault[T]) Name() string { return v.cfg.Name }

// Get returns the cached record, loading it when absent, expired or forced.
func (v *Vault[T]) Get(ctx context.Context, force bool) (T, error) {
	if !force {
		v.mu.Lock()
		val, ok := v.cache.get(v.clock.Now(), v.cfg.TTL)
		v.mu.Unlock()
		if ok {
			return val, nil
		}
	}
	val, err := v.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	v.remember(val)
	return val, nil
}

// Set reads the current record, applies mutate to a copy and writes the
// result back. Read and write are not atomic: concurrent writers race and the
// last one wins.
func (v *Vault[T]) Set(ctx context.Context, mutate func(*T), force bool) (T, error) {
	var zero T
	cur, err := v.Get(ctx, force)
	if err != nil {
		return zero, err
	}
	next, err := clone(cur)
	if err != nil {
		return zero, err
	}
	mutate(&next)
	if err := v.commit(ctx, next); err != nil {
		return zero, err
	}
	v.remember(next)
	return next, nil
}

// Erase writes the default record back, dropping every customization.
func (v *Vault[T]) Erase(ctx context.Context) (T, error) {
	var zero T
	def, err := clone(v.cfg.Default)
	if err != nil {
		return zero, err
	}
	if err := v.commit(ctx, def); err != nil {
		return zero, err
	}
	v.remember(def)
	return def, nil
}

func (v *Vault[T]) remember(val T) {
	v.mu.Lock()
	v.cache.store(val, v.clock.Now(), v.cfg.TTL)
	v.mu.Unlock()
}

func (v *Vault[T]) load(ctx context.Context) (T, error) {
	out, err := clone(v.cfg.Default)
	if err != nil {
		return out, err
	}

	p, err := v.backend.Read(ctx, v.cfg.Name)
	if err == nil && p.Value == "" {
		err = fmt.Errorf("parameter %q: %w", v.cfg.Name, errs.ErrEmptyRecord)
	}
	if err == nil {
		if uerr := json.Unmarshal([]byte(p.Value), &out); uerr != nil {
			err = fmt.Errorf("parameter %q: decode: %w", v.cfg.Name, uerr)
		}
	}
	if err != nil {
		if v.cfg.IgnoreMissing {
			v.log.Warn("failure to load parameter; using default values", zap.Error(err))
			return clone(v.cfg.Default)
		}
		v.log.Error("failure to load parameter", zap.Error(err))
		var zero T
		return zero, err
	}
	v.log.Debug("parameter loaded", zap.Int64("version", p.Version))
	return out, nil
}

func (v *Vault[T]) commit(ctx context.Context, val T) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("parameter %q: encode: %w", v.cfg.Name, err)
	}
	ver, err := v.backend.Write(ctx, v.cfg.Name, string(b), true)
	if err != nil {
		v.log.Error("failure to commit parameter", zap.Error(err))
		return fmt.Errorf("parameter %q: commit: %w", v.cfg.Name, err)
	}
	v.log.Info("parameter committed", zap.Int64("version", ver))
	return nil
}

// clone deep-copies through JSON, the same encoding the service stores.
func clone[T any](v T) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

// DefaultSecretLength is used when RandomSpec.Length is unset.
const DefaultSecretLength = 32

// Generate returns a new secret from g, falling back to local
// cryptographic randomness when g is nil or fails.
func Generate(ctx context.Context, g Generator, spec RandomSpec) (string, error) {
	if spec.Length <= 0 {
		spec.Length = DefaultSecretLength
	}
	if g != nil {
		if s, err := g.GenerateRandom(ctx, spec); err == nil && len(s) >= spec.Length {
			return s[:spec.Length], nil
		}
	}
	return crypto.RandomAlnum(spec.Length)
}
