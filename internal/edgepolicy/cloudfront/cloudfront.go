// Package cloudfront implements edgepolicy.FunctionStore over CloudFront
// Functions.
package cloudfront

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"

	"github.com/and161185/miniapp-gate/internal/edgepolicy"
	"github.com/and161185/miniapp-gate/internal/errs"
)

type functionAPI interface {
	DescribeFunction(ctx context.Context, params *cloudfront.DescribeFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DescribeFunctionOutput, error)
	UpdateFunction(ctx context.Context, params *cloudfront.UpdateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateFunctionOutput, error)
	PublishFunction(ctx context.Context, params *cloudfront.PublishFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.PublishFunctionOutput, error)
}

// Store implements edgepolicy.FunctionStore.
type Store struct {
	client functionAPI
}

// NewFromConfig builds a store from an AWS config.
func NewFromConfig(cfg aws.Config) *Store {
	return &Store{client: cloudfront.NewFromConfig(cfg)}
}

// FunctionName extracts the function name from an ARN or returns id as is.
func FunctionName(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Describe implements edgepolicy.FunctionStore.
func (s *Store) Describe(ctx context.Context, id string) (edgepolicy.Function, error) {
	name := FunctionName(id)
	if name == "" {
		return edgepolicy.Function{}, fmt.Errorf("%w: function arn %q", errs.ErrInvalidPolicy, id)
	}
	out, err := s.client.DescribeFunction(ctx, &cloudfront.DescribeFunctionInput{Name: aws.String(name)})
	if err != nil {
		return edgepolicy.Function{}, mapErr("describe function", name, err)
	}
	if aws.ToString(out.ETag) == "" {
		return edgepolicy.Function{}, fmt.Errorf("%w: no etag for function %q", errs.ErrInvalidPolicy, name)
	}
	var cfg *types.FunctionConfig
	if out.FunctionSummary != nil {
		cfg = out.FunctionSummary.FunctionConfig
	}
	return edgepolicy.Function{Name: name, ETag: aws.ToString(out.ETag), Config: cfg}, nil
}

// Update implements edgepolicy.FunctionStore.
func (s *Store) Update(ctx context.Context, fn edgepolicy.Function, code []byte) (string, error) {
	cfg, _ := fn.Config.(*types.FunctionConfig)
	if cfg == nil {
		cfg = &types.FunctionConfig{Comment: aws.String(""), Runtime: types.FunctionRuntimeCloudfrontJs20}
	}
	out, err := s.client.UpdateFunction(ctx, &cloudfront.UpdateFunctionInput{
		Name:           aws.String(fn.Name),
		IfMatch:        aws.String(fn.ETag),
		FunctionCode:   code,
		FunctionConfig: cfg,
	})
	if err != nil {
		return "", mapErr("update function", fn.Name, err)
	}
	etag := aws.ToString(out.ETag)
	if etag == "" {
		return "", fmt.Errorf("%w: no etag after updating function %q", errs.ErrInvalidPolicy, fn.Name)
	}
	return etag, nil
}

// Publish implements edgepolicy.FunctionStore.
func (s *Store) Publish(ctx context.Context, name, etag string) error {
	_, err := s.client.PublishFunction(ctx, &cloudfront.PublishFunctionInput{
		Name:    aws.String(name),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		return mapErr("publish function", name, err)
	}
	return nil
}

func mapErr(op, name string, err error) error {
	var pf *types.PreconditionFailed
	if errors.As(err, &pf) {
		return fmt.Errorf("%s %q: %w: %w", op, name, errs.ErrConcurrencyConflict, err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "InvalidIfMatchVersion" {
		return fmt.Errorf("%s %q: %w: %w", op, name, errs.ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%s %q: %w", op, name, err)
}

var _ edgepolicy.FunctionStore = (*Store)(nil)
