// Package cookie signs and verifies the session cookie. The cookie carries
// an HS256 JWT whose subject is the session id; it is signed with the newest
// key and verified against every retained key, so keys can rotate without
// logging users out.
package cookie

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
)

// Defaults for the session cookie.
const (
	DefaultName   = "SESSION"
	DefaultPath   = "/"
	DefaultMaxAge = 4 * time.Hour
)

// Options are the cookie attributes. The cookie is always HttpOnly, Secure
// and SameSite=Strict.
type Options struct {
	Name   string
	Path   string
	Domain string
	MaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	return o
}

// Issued is a cookie to set on the response.
type Issued struct {
	Options
	Value string
}

// KeySource returns the signing keys, newest first.
type KeySource interface {
	CookieKeys(ctx context.Context) ([]string, error)
}

// Reloader is implemented by key sources that can bypass their cache. Read
// uses it once when no cached key verifies a cookie, to pick up a key
// rotated by another process.
type Reloader interface {
	ReloadCookieKeys(ctx context.Context) ([]string, error)
}

// Codec issues and reads session cookies.
type Codec struct {
	keys  KeySource
	opts  Options
	clock clock.Clock
}

// NewCodec constructs a codec. clk may be nil.
func NewCodec(keys KeySource, opts Options, clk clock.Clock) *Codec {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Codec{keys: keys, opts: opts.withDefaults(), clock: clk}
}

// Options returns the effective cookie attributes.
func (c *Codec) Options() Options { return c.opts }

// Issue signs id into a cookie.
func (c *Codec) Issue(ctx context.Context, id model.SessionID) (Issued, error) {
	keys, err := c.keys.CookieKeys(ctx)
	if err != nil {
		return Issued{}, fmt.Errorf("cookie keys: %w", err)
	}
	if len(keys) == 0 {
		return Issued{}, errors.New("cookie keys: none available")
	}
	now := c.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(id),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.opts.MaxAge)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(keys[0]))
	if err != nil {
		return Issued{}, err
	}
	return Issued{Options: c.opts, Value: signed}, nil
}

// Expired returns a cookie that clears the session on the client.
func (c *Codec) Expired() Issued {
	o := c.opts
	o.MaxAge = -1
	return Issued{Options: o}
}

// Read verifies value and returns the embedded session id.
func (c *Codec) Read(ctx context.Context, value string) (model.SessionID, error) {
	if value == "" {
		return "", errs.ErrUnauthorized
	}
	keys, err := c.keys.CookieKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("cookie keys: %w", err)
	}
	tried := make(map[string]bool, len(keys))
	id, err := c.verify(value, keys, tried)
	if !errors.Is(err, errNoKey) {
		return id, err
	}
	r, ok := c.keys.(Reloader)
	if !ok {
		return "", errs.ErrUnauthorized
	}
	keys, err = r.ReloadCookieKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("cookie keys: %w", err)
	}
	id, err = c.verify(value, keys, tried)
	if errors.Is(err, errNoKey) {
		return "", errs.ErrUnauthorized
	}
	return id, err
}

var errNoKey = errors.New("no key verifies the cookie")

func (c *Codec) verify(value string, keys []string, tried map[string]bool) (model.SessionID, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.clock.Now),
		jwt.WithExpirationRequired(),
	)
	for _, k := range keys {
		if tried[k] {
			continue
		}
		tried[k] = true
		key := []byte(k)
		var claims jwt.RegisteredClaims
		tok, err := parser.ParseWithClaims(value, &claims, func(*jwt.Token) (any, error) { return key, nil })
		if err != nil {
			if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
				continue
			}
			return "", fmt.Errorf("%w: %w", errs.ErrUnauthorized, err)
		}
		if tok.Valid && claims.Subject != "" {
			return model.SessionID(claims.Subject), nil
		}
		return "", errs.ErrUnauthorized
	}
	return "", errNoKey
}
