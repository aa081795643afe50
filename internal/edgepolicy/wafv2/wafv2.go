// Package wafv2 implements edgepolicy.ACLStore over AWS WAFv2 web ACLs.
package wafv2

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/aws/aws-sdk-go-v2/service/wafv2/types"

	"github.com/and161185/miniapp-gate/internal/edgepolicy"
	"github.com/and161185/miniapp-gate/internal/errs"
)

type aclAPI interface {
	GetWebACL(ctx context.Context, params *wafv2.GetWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.GetWebACLOutput, error)
	UpdateWebACL(ctx context.Context, params *wafv2.UpdateWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.UpdateWebACLOutput, error)
}

// Store implements edgepolicy.ACLStore.
type Store struct {
	client aclAPI
}

// NewFromConfig builds a store from an AWS config. ACLs attached to
// CloudFront live in us-east-1 regardless of the config's region.
func NewFromConfig(cfg aws.Config) *Store {
	return &Store{client: wafv2.NewFromConfig(cfg)}
}

// ACLLocation is a web ACL address parsed from its ARN:
// arn:aws:wafv2:<region>:<account>:<global|regional>/webacl/<name>/<id>
type ACLLocation struct {
	Name  string
	ID    string
	Scope types.Scope
}

// ParseARN parses a web ACL ARN.
func ParseARN(arn string) (ACLLocation, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "wafv2" {
		return ACLLocation{}, fmt.Errorf("%w: web acl arn %q", errs.ErrInvalidPolicy, arn)
	}
	res := strings.Split(parts[5], "/")
	if len(res) != 4 || res[1] != "webacl" || res[2] == "" || res[3] == "" {
		return ACLLocation{}, fmt.Errorf("%w: web acl arn %q", errs.ErrInvalidPolicy, arn)
	}
	loc := ACLLocation{Name: res[2], ID: res[3]}
	switch res[0] {
	case "global":
		loc.Scope = types.ScopeCloudfront
	case "regional":
		loc.Scope = types.ScopeRegional
	default:
		return ACLLocation{}, fmt.Errorf("%w: web acl scope %q", errs.ErrInvalidPolicy, res[0])
	}
	return loc, nil
}

// Read implements edgepolicy.ACLStore.
func (s *Store) Read(ctx context.Context, id string) (edgepolicy.ACL, error) {
	loc, err := ParseARN(id)
	if err != nil {
		return edgepolicy.ACL{}, err
	}
	out, err := s.client.GetWebACL(ctx, &wafv2.GetWebACLInput{
		Name:  aws.String(loc.Name),
		Id:    aws.String(loc.ID),
		Scope: loc.Scope,
	})
	if err != nil {
		return edgepolicy.ACL{}, mapErr("get web acl", loc.Name, err)
	}
	if out.WebACL == nil || aws.ToString(out.LockToken) == "" {
		return edgepolicy.ACL{}, fmt.Errorf("%w: could not retrieve web acl %q", errs.ErrInvalidPolicy, id)
	}
	acl := edgepolicy.ACL{
		Name:      aws.ToString(out.WebACL.Name),
		ID:        aws.ToString(out.WebACL.Id),
		LockToken: aws.ToString(out.LockToken),
		Native:    native{acl: out.WebACL, scope: loc.Scope},
	}
	for _, r := range out.WebACL.Rules {
		acl.Rules = append(acl.Rules, edgepolicy.Rule{Name: aws.ToString(r.Name), Native: r})
	}
	return acl, nil
}

type native struct {
	acl   *types.WebACL
	scope types.Scope
}

// Write implements edgepolicy.ACLStore. Every field outside the rules is
// submitted back as read.
func (s *Store) Write(ctx context.Context, acl edgepolicy.ACL) error {
	n, ok := acl.Native.(native)
	if !ok || n.acl == nil {
		return fmt.Errorf("%w: web acl %q was not read from this store", errs.ErrInvalidPolicy, acl.Name)
	}
	rules := make([]types.Rule, 0, len(acl.Rules))
	for _, r := range acl.Rules {
		rule, ok := r.Native.(types.Rule)
		if !ok {
			rule = types.Rule{Name: aws.String(r.Name)}
		}
		if r.Statement != nil {
			rule.Statement = toStatement(*r.Statement)
		}
		rules = append(rules, rule)
	}
	_, err := s.client.UpdateWebACL(ctx, &wafv2.UpdateWebACLInput{
		Name:                 n.acl.Name,
		Id:                   n.acl.Id,
		Scope:                n.scope,
		LockToken:            aws.String(acl.LockToken),
		DefaultAction:        n.acl.DefaultAction,
		VisibilityConfig:     n.acl.VisibilityConfig,
		Description:          n.acl.Description,
		CustomResponseBodies: n.acl.CustomResponseBodies,
		CaptchaConfig:        n.acl.CaptchaConfig,
		ChallengeConfig:      n.acl.ChallengeConfig,
		TokenDomains:         n.acl.TokenDomains,
		Rules:                rules,
	})
	if err != nil {
		return mapErr("update web acl", acl.Name, err)
	}
	return nil
}

func toStatement(st edgepolicy.Statement) *types.Statement {
	and := make([]types.Statement, 0, len(st.And))
	for _, m := range st.And {
		field := &types.FieldToMatch{}
		if m.Field.Method {
			field.Method = &types.Method{}
		} else {
			field.SingleHeader = &types.SingleHeader{Name: aws.String(m.Field.Header)}
		}
		and = append(and, types.Statement{ByteMatchStatement: &types.ByteMatchStatement{
			SearchString:         m.Search,
			FieldToMatch:         field,
			PositionalConstraint: types.PositionalConstraintExactly,
			TextTransformations: []types.TextTransformation{
				{Priority: 0, Type: types.TextTransformationType(m.Transform)},
			},
		}})
	}
	if len(and) == 1 {
		return &and[0]
	}
	return &types.Statement{AndStatement: &types.AndStatement{Statements: and}}
}

func mapErr(op, name string, err error) error {
	var lock *types.WAFOptimisticLockException
	if errors.As(err, &lock) {
		return fmt.Errorf("%s %q: %w: %w", op, name, errs.ErrConcurrencyConflict, err)
	}
	var nf *types.WAFNonexistentItemException
	if errors.As(err, &nf) {
		return fmt.Errorf("%s %q: %w: %w", op, name, errs.ErrNotFound, err)
	}
	return fmt.Errorf("%s %q: %w", op, name, err)
}

var _ edgepolicy.ACLStore = (*Store)(nil)
