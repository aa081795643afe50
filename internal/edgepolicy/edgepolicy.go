// Package edgepolicy models the edge resources that enforce the webhook
// secret: an edge function checking a header hash, or a firewall ACL rule
// matching a header digest. Stores talk to the concrete services.
package edgepolicy

import (
	"context"
	"fmt"
	"strings"
)

// Kind selects the enforcement mechanism.
type Kind string

const (
	KindFunction Kind = "edge-function"
	KindACL      Kind = "edge-acl"
)

// Ref identifies one edge resource, usually by ARN.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

// Validate reports whether the reference is usable for a rotation.
func (r Ref) Validate() error {
	switch r.Kind {
	case KindFunction, KindACL:
	default:
		return fmt.Errorf("unknown edge policy kind %q", r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("edge policy %s: empty id", r.Kind)
	}
	return nil
}

// Function is a described edge function. ETag is the concurrency token that
// must accompany the next update; Config is owned by the store.
type Function struct {
	Name   string
	ETag   string
	Config any
}

// FunctionStore reads, updates and publishes edge functions. Stale ETags
// must surface as errs.ErrConcurrencyConflict.
type FunctionStore interface {
	Describe(ctx context.Context, id string) (Function, error)
	Update(ctx context.Context, fn Function, code []byte) (etag string, err error)
	Publish(ctx context.Context, name, etag string) error
}

// ACL is a firewall rule set read together with its lock token.
type ACL struct {
	Name      string
	ID        string
	LockToken string
	Rules     []Rule
	// Native is the store's own representation of everything outside Rules.
	Native any
}

// Rule is one firewall rule. Statement is set only on rules being replaced;
// the rest keep their store-native form in Native.
type Rule struct {
	Name      string
	Statement *Statement
	Native    any
}

// ACLStore reads and writes rule sets. A stale lock token must surface as
// errs.ErrConcurrencyConflict.
type ACLStore interface {
	Read(ctx context.Context, id string) (ACL, error)
	Write(ctx context.Context, acl ACL) error
}
