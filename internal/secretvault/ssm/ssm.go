// Package ssm backs secretvault with AWS Systems Manager Parameter Store,
// using Secrets Manager for secure random generation.
package ssm

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/secretvault"
)

// parameterAPI is the subset of the SSM client the backend uses.
type parameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// randomAPI is the subset of the Secrets Manager client the backend uses.
type randomAPI interface {
	GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error)
}

// Backend implements secretvault.Backend and secretvault.Generator.
type Backend struct {
	params parameterAPI
	random randomAPI
}

// NewFromConfig builds a backend from an AWS config.
func NewFromConfig(cfg aws.Config) *Backend {
	return &Backend{
		params: ssm.NewFromConfig(cfg),
		random: secretsmanager.NewFromConfig(cfg),
	}
}

// Read implements secretvault.Backend. Values are decrypted.
func (b *Backend) Read(ctx context.Context, name string) (secretvault.Parameter, error) {
	out, err := b.params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return secretvault.Parameter{}, fmt.Errorf("parameter %q: %w", name, errs.ErrNotFound)
		}
		return secretvault.Parameter{}, fmt.Errorf("%w: get parameter %q: %w", errs.ErrStoreUnavailable, name, err)
	}
	if out.Parameter == nil {
		return secretvault.Parameter{}, fmt.Errorf("parameter %q: %w", name, errs.ErrNotFound)
	}
	return secretvault.Parameter{
		Value:   aws.ToString(out.Parameter.Value),
		Version: out.Parameter.Version,
	}, nil
}

// Write implements secretvault.Backend. Values are stored as SecureString.
func (b *Backend) Write(ctx context.Context, name, value string, overwrite bool) (int64, error) {
	out, err := b.params.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: put parameter %q: %w", errs.ErrStoreUnavailable, name, err)
	}
	return out.Version, nil
}

// GenerateRandom implements secretvault.Generator.
func (b *Backend) GenerateRandom(ctx context.Context, spec secretvault.RandomSpec) (string, error) {
	in := &secretsmanager.GetRandomPasswordInput{
		ExcludePunctuation: aws.Bool(spec.ExcludePunctuation),
	}
	if spec.Length > 0 {
		in.PasswordLength = aws.Int64(int64(spec.Length))
	}
	if spec.ExcludeCharacters != "" {
		in.ExcludeCharacters = aws.String(spec.ExcludeCharacters)
	}
	out, err := b.random.GetRandomPassword(ctx, in)
	if err != nil {
		return "", fmt.Errorf("get random password: %w", err)
	}
	return aws.ToString(out.RandomPassword), nil
}

var (
	_ secretvault.Backend   = (*Backend)(nil)
	_ secretvault.Generator = (*Backend)(nil)
)
