package wafv2

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/aws/aws-sdk-go-v2/service/wafv2/types"
	"github.com/stretchr/testify/require"

	"github.com/and161185/miniapp-gate/internal/crypto"
	"github.com/and161185/miniapp-gate/internal/edgepolicy"
	"github.com/and161185/miniapp-gate/internal/errs"
)

const aclARN = "arn:aws:wafv2:us-east-1:123456789012:global/webacl/miniapp/0a1b2c"

type fakeACL struct {
	lock    string
	acl     types.WebACL
	updated *wafv2.UpdateWebACLInput
}

func newFakeACL() *fakeACL {
	return &fakeACL{
		lock: "L1",
		acl: types.WebACL{
			Name:          aws.String("miniapp"),
			Id:            aws.String("0a1b2c"),
			DefaultAction: &types.DefaultAction{Block: &types.BlockAction{}},
			VisibilityConfig: &types.VisibilityConfig{
				MetricName: aws.String("miniapp"),
			},
			Rules: []types.Rule{
				{Name: aws.String("geo"), Priority: 0, Statement: &types.Statement{
					GeoMatchStatement: &types.GeoMatchStatement{CountryCodes: []types.CountryCode{"RU"}},
				}},
				{Name: aws.String("telegram_bot_api_webhook"), Priority: 1},
			},
		},
	}
}

func (f *fakeACL) GetWebACL(_ context.Context, in *wafv2.GetWebACLInput, _ ...func(*wafv2.Options)) (*wafv2.GetWebACLOutput, error) {
	if aws.ToString(in.Id) != aws.ToString(f.acl.Id) || in.Scope != types.ScopeCloudfront {
		return nil, &types.WAFNonexistentItemException{Message: aws.String("missing")}
	}
	acl := f.acl
	return &wafv2.GetWebACLOutput{WebACL: &acl, LockToken: aws.String(f.lock)}, nil
}

func (f *fakeACL) UpdateWebACL(_ context.Context, in *wafv2.UpdateWebACLInput, _ ...func(*wafv2.Options)) (*wafv2.UpdateWebACLOutput, error) {
	if aws.ToString(in.LockToken) != f.lock {
		return nil, &types.WAFOptimisticLockException{Message: aws.String("stale lock token")}
	}
	f.updated = in
	f.lock = "L2"
	return &wafv2.UpdateWebACLOutput{NextLockToken: aws.String(f.lock)}, nil
}

func TestParseARN(t *testing.T) {
	loc, err := ParseARN(aclARN)
	require.NoError(t, err)
	require.Equal(t, ACLLocation{Name: "miniapp", ID: "0a1b2c", Scope: types.ScopeCloudfront}, loc)

	loc, err = ParseARN("arn:aws:wafv2:eu-west-1:1:regional/webacl/a/b")
	require.NoError(t, err)
	require.Equal(t, types.ScopeRegional, loc.Scope)

	for _, bad := range []string{"", "arn:aws:s3:::bucket", "arn:aws:wafv2:us-east-1:1:global/ipset/a/b", "arn:aws:wafv2:us-east-1:1:local/webacl/a/b"} {
		_, err := ParseARN(bad)
		require.ErrorIs(t, err, errs.ErrInvalidPolicy, bad)
	}
}

func TestStore_ReplaceWebhookRule(t *testing.T) {
	fake := newFakeACL()
	s := &Store{client: fake}
	ctx := context.Background()

	acl, err := s.Read(ctx, aclARN)
	require.NoError(t, err)
	require.Equal(t, "L1", acl.LockToken)
	require.Len(t, acl.Rules, 2)

	rules, ok := edgepolicy.ReplaceStatement(acl.Rules, "telegram_bot_api_webhook",
		edgepolicy.WebhookStatement("x-telegram-bot-api-secret-token", "tok"))
	require.True(t, ok)
	acl.Rules = rules
	require.NoError(t, s.Write(ctx, acl))

	in := fake.updated
	require.NotNil(t, in)
	require.Equal(t, "L1", aws.ToString(in.LockToken))
	require.Equal(t, types.ScopeCloudfront, in.Scope)
	require.NotNil(t, in.DefaultAction.Block)
	require.Len(t, in.Rules, 2)
	require.NotNil(t, in.Rules[0].Statement.GeoMatchStatement, "other rules untouched")

	and := in.Rules[1].Statement.AndStatement.Statements
	require.Len(t, and, 2)
	require.Equal(t, []byte("POST"), and[0].ByteMatchStatement.SearchString)
	require.NotNil(t, and[0].ByteMatchStatement.FieldToMatch.Method)
	hdr := and[1].ByteMatchStatement
	require.Equal(t, "x-telegram-bot-api-secret-token", aws.ToString(hdr.FieldToMatch.SingleHeader.Name))
	require.Equal(t, crypto.MD5("tok"), hdr.SearchString)
	require.Equal(t, types.PositionalConstraintExactly, hdr.PositionalConstraint)
	require.Equal(t, types.TextTransformationType("MD5"), hdr.TextTransformations[0].Type)
}

func TestStore_StaleLockToken(t *testing.T) {
	fake := newFakeACL()
	s := &Store{client: fake}
	ctx := context.Background()

	acl, err := s.Read(ctx, aclARN)
	require.NoError(t, err)
	fake.lock = "L9"

	err = s.Write(ctx, acl)
	require.ErrorIs(t, err, errs.ErrConcurrencyConflict)
	require.Nil(t, fake.updated)
}

func TestStore_Errors(t *testing.T) {
	s := &Store{client: newFakeACL()}
	ctx := context.Background()

	_, err := s.Read(ctx, "arn:aws:wafv2:us-east-1:1:global/webacl/miniapp/other")
	require.ErrorIs(t, err, errs.ErrNotFound)

	err = s.Write(ctx, edgepolicy.ACL{Name: "x"})
	require.ErrorIs(t, err, errs.ErrInvalidPolicy)
}
