// Package secretvault provides a cached, TTL-bound accessor over a versioned
// secret-configuration service.
package secretvault

import "context"

// Parameter is one version of a named secret record.
type Parameter struct {
	Value   string
	Version int64
}

// RandomSpec constrains generated secrets.
type RandomSpec struct {
	Length             int
	ExcludePunctuation bool
	ExcludeCharacters  string
}

// Backend is the external secret-configuration service.
type Backend interface {
	// Read returns the current version of name, errs.ErrNotFound if absent.
	Read(ctx context.Context, name string) (Parameter, error)
	// Write stores value under name and returns the new version.
	Write(ctx context.Context, name, value string, overwrite bool) (int64, error)
}

// Generator produces secrets using the service's secure random facility.
type Generator interface {
	GenerateRandom(ctx context.Context, spec RandomSpec) (string, error)
}
