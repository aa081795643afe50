// Package rotation replaces the webhook shared secret: it generates a new
// token, pushes its digest into the edge policy under the policy's
// concurrency token and then records the token hash in the secret vault.
package rotation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/miniapp-gate/internal/edgepolicy"
	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/secretvault"
)

// State of a single rotation attempt.
type State string

const (
	StateIdle             State = "IDLE"
	StateReadingPolicy    State = "READING_POLICY"
	StatePublishingPolicy State = "PUBLISHING_POLICY"
	StateCommittingVault  State = "COMMITTING_VAULT"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// Vault records the new token once the edge enforces it.
type Vault interface {
	WebhookRef(ctx context.Context) (edgepolicy.Ref, error)
	CommitWebhookToken(ctx context.Context, token string, ref edgepolicy.Ref) error
}

// Config parameterizes the generated token and the policy content.
type Config struct {
	TokenLength int
	Header      string
	SourceCIDRs []string
	RuleName    string
}

// DefaultConfig matches the messaging platform's webhook contract.
var DefaultConfig = Config{
	TokenLength: 50,
	Header:      "x-telegram-bot-api-secret-token",
	SourceCIDRs: []string{"149.154.160.0/20", "91.108.4.0/22"},
	RuleName:    "telegram_bot_api_webhook",
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Rotator) { r.log = l } }

// WithObserver registers a callback invoked on every state transition.
func WithObserver(fn func(ref edgepolicy.Ref, s State)) Option {
	return func(r *Rotator) { r.observe = fn }
}

// Rotator runs rotation attempts. It holds no per-attempt state and is safe
// for concurrent use; racing attempts are arbitrated by the edge service.
type Rotator struct {
	cfg       Config
	gen       secretvault.Generator
	functions edgepolicy.FunctionStore
	acls      edgepolicy.ACLStore
	vault     Vault
	log       *zap.Logger
	observe   func(edgepolicy.Ref, State)
}

// New constructs a Rotator. Either store may be nil if that kind of policy
// is not deployed; gen may be nil to use local randomness.
func New(cfg Config, gen secretvault.Generator, functions edgepolicy.FunctionStore, acls edgepolicy.ACLStore, vault Vault, opts ...Option) *Rotator {
	r := &Rotator{cfg: cfg, gen: gen, functions: functions, acls: acls, vault: vault, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RotateConfigured rotates the policy recorded in the webhook record.
func (r *Rotator) RotateConfigured(ctx context.Context) (string, error) {
	ref, err := r.vault.WebhookRef(ctx)
	if err != nil {
		return "", fmt.Errorf("webhook policy: %w", err)
	}
	return r.Rotate(ctx, ref)
}

// Rotate runs one attempt against ref and returns the new token.
//
// A failure before the policy is published leaves nothing changed; callers
// retry the whole cycle, typically on errs.ErrConcurrencyConflict. A failure
// while committing returns the token together with an error wrapping
// errs.ErrPartialRotation: the edge already enforces the new token.
func (r *Rotator) Rotate(ctx context.Context, ref edgepolicy.Ref) (string, error) {
	log := r.log.With(zap.Stringer("policy", ref))
	state := StateIdle
	move := func(s State) {
		log.Info("rotation state", zap.String("from", string(state)), zap.String("to", string(s)))
		state = s
		if r.observe != nil {
			r.observe(ref, s)
		}
	}
	fail := func(err error) (string, error) {
		move(StateFailed)
		log.Warn("rotation failed", zap.Error(err))
		return "", err
	}

	if err := ref.Validate(); err != nil {
		return fail(fmt.Errorf("%w: %w", errs.ErrInvalidPolicy, err))
	}
	token, err := secretvault.Generate(ctx, r.gen, secretvault.RandomSpec{
		Length:             r.cfg.TokenLength,
		ExcludePunctuation: true,
	})
	if err != nil {
		return fail(fmt.Errorf("generate token: %w", err))
	}

	move(StateReadingPolicy)
	var publish func() error
	switch ref.Kind {
	case edgepolicy.KindFunction:
		publish, err = r.prepareFunction(ctx, ref.ID, token)
	case edgepolicy.KindACL:
		publish, err = r.prepareACL(ctx, ref.ID, token)
	}
	if err != nil {
		return fail(err)
	}

	move(StatePublishingPolicy)
	if err := publish(); err != nil {
		return fail(err)
	}

	move(StateCommittingVault)
	if err := r.vault.CommitWebhookToken(ctx, token, ref); err != nil {
		move(StateFailed)
		err = fmt.Errorf("%w: %w", errs.ErrPartialRotation, err)
		log.Error("edge policy updated but vault commit failed", zap.Error(err))
		return token, err
	}
	move(StateDone)
	return token, nil
}

func (r *Rotator) prepareFunction(ctx context.Context, id, token string) (func() error, error) {
	if r.functions == nil {
		return nil, fmt.Errorf("%w: no edge function store", errs.ErrUnsupported)
	}
	fn, err := r.functions.Describe(ctx, id)
	if err != nil {
		return nil, err
	}
	code, err := edgepolicy.RenderFunction(edgepolicy.FunctionParams{
		Header:      r.cfg.Header,
		SourceCIDRs: r.cfg.SourceCIDRs,
		Token:       token,
	})
	if err != nil {
		return nil, err
	}
	return func() error {
		etag, err := r.functions.Update(ctx, fn, code)
		if err != nil {
			return err
		}
		return r.functions.Publish(ctx, fn.Name, etag)
	}, nil
}

func (r *Rotator) prepareACL(ctx context.Context, id, token string) (func() error, error) {
	if r.acls == nil {
		return nil, fmt.Errorf("%w: no edge acl store", errs.ErrUnsupported)
	}
	acl, err := r.acls.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	rules, ok := edgepolicy.ReplaceStatement(acl.Rules, r.cfg.RuleName, edgepolicy.WebhookStatement(r.cfg.Header, token))
	if !ok {
		return nil, fmt.Errorf("%w: rule %q not found in %s", errs.ErrInvalidPolicy, r.cfg.RuleName, acl.Name)
	}
	acl.Rules = rules
	return func() error { return r.acls.Write(ctx, acl) }, nil
}

// IsRetryable reports whether a failed attempt may succeed when repeated
// from a fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, errs.ErrConcurrencyConflict)
}
