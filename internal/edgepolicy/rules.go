package edgepolicy

import (
	"github.com/and161185/miniapp-gate/internal/crypto"
)

// Field is the part of a request a byte match inspects.
type Field struct {
	Method bool
	Header string
}

// Transform is applied to the field before matching.
type Transform string

const (
	TransformNone Transform = "NONE"
	TransformMD5  Transform = "MD5"
)

// ByteMatch matches a field exactly against Search after Transform.
type ByteMatch struct {
	Field     Field
	Search    []byte
	Transform Transform
}

// Statement is a conjunction of byte matches.
type Statement struct {
	And []ByteMatch
}

// WebhookStatement admits POST requests whose header carries token. The
// header is compared by MD5 digest so the raw token never enters the policy.
func WebhookStatement(header, token string) Statement {
	return Statement{And: []ByteMatch{
		{Field: Field{Method: true}, Search: []byte("POST"), Transform: TransformNone},
		{Field: Field{Header: header}, Search: crypto.MD5(token), Transform: TransformMD5},
	}}
}

// ReplaceStatement returns a copy of rules where the rule called name gets
// stmt. Other rules are untouched. ok is false when no rule matched.
func ReplaceStatement(rules []Rule, name string, stmt Statement) (out []Rule, ok bool) {
	out = make([]Rule, len(rules))
	copy(out, rules)
	for i := range out {
		if out[i].Name == name {
			s := stmt
			out[i].Statement = &s
			ok = true
		}
	}
	return out, ok
}
