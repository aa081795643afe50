// Package initdata verifies signed mini-app launch data.
//
// The platform signs the launch payload with HMAC-SHA256. The signing key is
// itself HMAC-SHA256 of the bot token keyed with "WebAppData", so a service
// can be provisioned with that derived key (TokenHash) instead of the raw
// token.
package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/and161185/miniapp-gate/internal/crypto"
	"github.com/and161185/miniapp-gate/internal/model"
)

// Reason classifies a failed validation.
type Reason string

const (
	ReasonInput     Reason = "INVALID_INPUT"
	ReasonHashKey   Reason = "INVALID_HASHKEY"
	ReasonDelay     Reason = "INVALID_DELAY_TOLERANCE"
	ReasonSignature Reason = "INVALID_SIGNATURE"
	ReasonExpired   Reason = "EXPIRED"
	ReasonUnknown   Reason = "UNKNOWN"
)

// DefaultMaxDelay bounds the age of accepted launch data.
const DefaultMaxDelay = 300 * time.Second

// MinKeyLength is the shortest accepted signing key in bytes.
const MinKeyLength = 32

const (
	keySalt   = "WebAppData"
	fieldHash = "hash"
	fieldDate = "auth_date"
	fieldUser = "user"
)

// Options carries the key material and the replay window.
// TokenHash, when set, takes precedence over Token.
type Options struct {
	Token     string
	TokenHash string
	// MaxDelay of zero selects DefaultMaxDelay; negative values are rejected.
	MaxDelay time.Duration
}

// Result is the outcome of a validation. Exactly one of the two shapes is
// populated: OK with User and Duration, or a Reason with optional Context.
type Result struct {
	OK       bool
	User     model.User
	Duration int64 // seconds between auth_date and validation

	Reason  Reason
	Context map[string]any
}

func fail(r Reason, kv ...any) Result {
	res := Result{Reason: r}
	if len(kv) > 0 {
		res.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			res.Context[fmt.Sprint(kv[i])] = kv[i+1]
		}
	}
	return res
}

// Validator checks launch payloads against a clock.
type Validator struct {
	clock clock.Clock
}

// NewValidator returns a validator using clk, or the wall clock when nil.
func NewValidator(clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Validator{clock: clk}
}

// Validate verifies payload. It never panics and never returns an error:
// every failure is reported through Result.Reason.
func (v *Validator) Validate(payload string, opt Options) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fail(ReasonUnknown)
		}
	}()

	if payload == "" {
		return fail(ReasonInput)
	}
	maxDelay := opt.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < 0 {
		return fail(ReasonDelay, "max_tolerance", maxDelay.Seconds())
	}

	// ParseQuery keeps every pair it could decode; a stray ";" or a bad
	// escape elsewhere in the payload drops only that pair.
	params, perr := url.ParseQuery(payload)
	hash := params.Get(fieldHash)
	data := CanonicalString(params)
	if hash == "" || data == "" {
		if perr != nil {
			return fail(ReasonInput, "hash", hash != "", "data", data != "", "parse", perr.Error())
		}
		return fail(ReasonInput, "hash", hash != "", "data", data != "")
	}

	ts, err := strconv.ParseInt(params.Get(fieldDate), 10, 64)
	if err != nil || ts <= 0 {
		return fail(ReasonInput, "ts", params.Get(fieldDate))
	}

	now := float64(v.clock.Now().UnixMilli()) / 1000
	delay := int64(math.Round(now - float64(ts)))
	if time.Duration(delay)*time.Second >= maxDelay {
		return fail(ReasonExpired, "max_tolerance", int64(maxDelay/time.Second), "ts", ts, "delay", delay)
	}

	key := signingKey(opt)
	if len(key) < MinKeyLength {
		return fail(ReasonHashKey, "hash_key_length", len(key))
	}

	if !crypto.EqualFold(Sign(data, key), hash) {
		return fail(ReasonSignature)
	}

	raw := params.Get(fieldUser)
	if raw == "" {
		return fail(ReasonUnknown)
	}
	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return fail(ReasonUnknown)
	}
	return Result{OK: true, User: u, Duration: delay}
}

// CanonicalString renders every field except hash as sorted key=value lines.
// Repeated keys contribute one line each, all carrying the first value.
func CanonicalString(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k, vals := range params {
		if k == fieldHash {
			continue
		}
		for range vals {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + params.Get(k)
	}
	return strings.Join(lines, "\n")
}

// DeriveKey returns the launch-data signing key for a bot token.
func DeriveKey(token string) []byte {
	m := hmac.New(sha256.New, []byte(keySalt))
	m.Write([]byte(token))
	return m.Sum(nil)
}

// TokenHash returns DeriveKey(token) hex encoded, the form stored alongside
// the bot credential.
func TokenHash(token string) string {
	return hex.EncodeToString(DeriveKey(token))
}

// Sign returns the lowercase hex HMAC-SHA256 of data under key.
func Sign(data string, key []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return hex.EncodeToString(m.Sum(nil))
}

func signingKey(opt Options) []byte {
	if opt.TokenHash != "" {
		k, err := hex.DecodeString(opt.TokenHash)
		if err != nil {
			return nil
		}
		return k
	}
	if opt.Token != "" {
		return DeriveKey(opt.Token)
	}
	return nil
}
