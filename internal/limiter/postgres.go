package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/clock"
)

// PG keeps failure budgets in the auth_limiter table so every gateway
// process charges the same client.
type PG struct {
	db     pgxQuerier
	policy Policy
	clock  clock.Clock
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a limiter over any pgx pool or connection.
func NewPG(q pgxQuerier, p Policy, clk clock.Clock) *PG {
	if clk == nil {
		clk = clock.WallClock
	}
	return &PG{db: q, policy: p, clock: clk}
}

const sqlBlockedUntil = `SELECT blocked_until FROM auth_limiter WHERE scope = $1 AND ip_hash = $2`

// Allow implements Limiter.
func (l *PG) Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	var until time.Time
	err := l.db.QueryRow(ctx, sqlBlockedUntil, scope, ipHash).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("limiter allow: %w", err)
	}
	if wait := until.Sub(l.clock.Now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

const sqlForget = `DELETE FROM auth_limiter WHERE scope = $1 AND ip_hash = $2 AND blocked_until <= $3`

// Success implements Limiter. A running block is kept.
func (l *PG) Success(ctx context.Context, scope string, ipHash []byte) error {
	if _, err := l.db.Exec(ctx, sqlForget, scope, ipHash, l.clock.Now()); err != nil {
		return fmt.Errorf("limiter success: %w", err)
	}
	return nil
}

// The window restarts when the previous failure is older than $6 ms. $3 is
// the cause and $4 its cost.
const sqlCharge = `
INSERT INTO auth_limiter AS l (scope, ip_hash, spent, causes, blocked_until, updated_at)
VALUES ($1, $2, $4, jsonb_build_object($3::text, 1), 'epoch', $5)
ON CONFLICT (scope, ip_hash) DO UPDATE SET
  spent = CASE WHEN $5 - l.updated_at > $6 * interval '1 millisecond'
    THEN $4 ELSE l.spent + $4 END,
  causes = CASE WHEN $5 - l.updated_at > $6 * interval '1 millisecond'
    THEN jsonb_build_object($3::text, 1)
    ELSE l.causes || jsonb_build_object($3::text, COALESCE((l.causes->>$3::text)::int, 0) + 1) END,
  updated_at = $5
RETURNING spent, causes`

const sqlBlock = `UPDATE auth_limiter SET blocked_until = $3, spent = 0, causes = '{}' WHERE scope = $1 AND ip_hash = $2`

// Failure implements Limiter. Reaching the budget blocks the client and
// starts a fresh budget for when the block lapses.
func (l *PG) Failure(ctx context.Context, scope string, ipHash []byte, cause string) (Verdict, error) {
	now := l.clock.Now()
	var (
		v   Verdict
		raw []byte
	)
	err := l.db.QueryRow(ctx, sqlCharge, scope, ipHash, cause, l.policy.Cost(cause), now, l.policy.Window.Milliseconds()).
		Scan(&v.Spent, &raw)
	if err != nil {
		return Verdict{}, fmt.Errorf("limiter failure: %w", err)
	}
	if err := json.Unmarshal(raw, &v.Causes); err != nil {
		return Verdict{}, fmt.Errorf("limiter causes: %w", err)
	}
	if v.Spent < l.policy.Budget {
		return v, nil
	}
	if _, err := l.db.Exec(ctx, sqlBlock, scope, ipHash, now.Add(l.policy.BlockFor)); err != nil {
		return Verdict{}, fmt.Errorf("limiter block: %w", err)
	}
	v.Blocked, v.RetryAfter = true, l.policy.BlockFor
	return v, nil
}

var _ Limiter = (*PG)(nil)
