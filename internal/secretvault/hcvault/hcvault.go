// Package hcvault backs secretvault with a HashiCorp Vault KV v2 mount.
// Each record lives under its name with the JSON payload in the "value" field.
package hcvault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/secretvault"
)

const valueField = "value"

type kvAPI interface {
	Get(ctx context.Context, secretPath string) (*api.KVSecret, error)
	Put(ctx context.Context, secretPath string, data map[string]interface{}, opts ...api.KVOption) (*api.KVSecret, error)
}

type logicalAPI interface {
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

// Backend implements secretvault.Backend and secretvault.Generator.
type Backend struct {
	kv      kvAPI
	logical logicalAPI
}

// New returns a backend over the KV v2 engine mounted at mount.
func New(client *api.Client, mount string) *Backend {
	return &Backend{kv: client.KVv2(mount), logical: client.Logical()}
}

func secretPath(name string) string { return strings.TrimPrefix(name, "/") }

// Read implements secretvault.Backend.
func (b *Backend) Read(ctx context.Context, name string) (secretvault.Parameter, error) {
	s, err := b.kv.Get(ctx, secretPath(name))
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return secretvault.Parameter{}, fmt.Errorf("secret %q: %w", name, errs.ErrNotFound)
		}
		return secretvault.Parameter{}, fmt.Errorf("%w: read secret %q: %w", errs.ErrStoreUnavailable, name, err)
	}
	var p secretvault.Parameter
	if v, ok := s.Data[valueField].(string); ok {
		p.Value = v
	}
	if s.VersionMetadata != nil {
		p.Version = int64(s.VersionMetadata.Version)
	}
	return p, nil
}

// Write implements secretvault.Backend. Without overwrite the write only
// succeeds when the secret does not exist yet.
func (b *Backend) Write(ctx context.Context, name, value string, overwrite bool) (int64, error) {
	var opts []api.KVOption
	if !overwrite {
		opts = append(opts, api.WithCheckAndSet(0))
	}
	s, err := b.kv.Put(ctx, secretPath(name), map[string]interface{}{valueField: value}, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: write secret %q: %w", errs.ErrStoreUnavailable, name, err)
	}
	if s == nil || s.VersionMetadata == nil {
		return 0, nil
	}
	return int64(s.VersionMetadata.Version), nil
}

// GenerateRandom implements secretvault.Generator with sys/tools/random.
// Output is hex, so punctuation never appears.
func (b *Backend) GenerateRandom(ctx context.Context, spec secretvault.RandomSpec) (string, error) {
	n := spec.Length
	if n <= 0 {
		n = secretvault.DefaultSecretLength
	}
	// n bytes give 2n hex characters, leaving room for exclusions
	s, err := b.logical.WriteWithContext(ctx, fmt.Sprintf("sys/tools/random/%d", n), map[string]interface{}{
		"format": "hex",
	})
	if err != nil {
		return "", fmt.Errorf("random bytes: %w", err)
	}
	if s == nil {
		return "", fmt.Errorf("random bytes: empty response")
	}
	raw, _ := s.Data["random_bytes"].(string)
	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(spec.ExcludeCharacters, r) {
			return -1
		}
		return r
	}, raw)
	if len(out) < n {
		return "", fmt.Errorf("random bytes: got %d usable characters, want %d", len(out), n)
	}
	return out[:n], nil
}

var (
	_ secretvault.Backend   = (*Backend)(nil)
	_ secretvault.Generator = (*Backend)(nil)
)
