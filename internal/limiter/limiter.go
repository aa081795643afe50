// Package limiter throttles clients that keep presenting launch data the
// gateway rejects. Every rejection is charged by its cause against a budget
// per (scope, client ip): forged or mismatched payloads cost more than stale
// ones, and failures caused by the server's own key setup cost nothing.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/and161185/miniapp-gate/internal/initdata"
)

// CauseUserMismatch is charged when valid launch data names a different user
// than the client claimed.
const CauseUserMismatch = "USER_MISMATCH"

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a login is currently allowed and the retry-after.
	Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
	// Success forgets the client's failures.
	Success(ctx context.Context, scope string, ipHash []byte) error
	// Failure charges a rejected attempt to the client's budget.
	Failure(ctx context.Context, scope string, ipHash []byte, cause string) (Verdict, error)
}

// Verdict is the client's standing after a failure was charged.
type Verdict struct {
	Blocked    bool
	RetryAfter time.Duration
	// Spent is the cost charged within the current window.
	Spent int
	// Causes counts the window's failures by cause.
	Causes map[string]int
}

// Policy is the failure budget of one client.
type Policy struct {
	Window   time.Duration
	Budget   int
	BlockFor time.Duration
	// Costs maps a cause to its charge. Causes not listed cost 1.
	Costs map[string]int
}

// Cost returns the charge for cause.
func (p Policy) Cost(cause string) int {
	if c, ok := p.Costs[cause]; ok {
		return c
	}
	return 1
}

// DefaultPolicy blocks a client for 15 minutes once it spends 6 within 15
// minutes: two forged signatures, or six stale payloads.
var DefaultPolicy = Policy{
	Window:   15 * time.Minute,
	Budget:   6,
	BlockFor: 15 * time.Minute,
	Costs: map[string]int{
		string(initdata.ReasonSignature): 3,
		CauseUserMismatch:                3,
		string(initdata.ReasonInput):     2,
		string(initdata.ReasonExpired):   1,
		string(initdata.ReasonHashKey):   0,
		string(initdata.ReasonDelay):     0,
	},
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}
