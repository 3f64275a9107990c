package mapping

import (
	"context"
	"fmt"
)

// GroupSource supplies a principal's group memberships in resolver order.
// Satisfied by principal.Resolver.
type GroupSource interface {
	Groups(ctx context.Context, username string) []string
}

// Provider is a mapping strategy. Mapping is called concurrently from request
// goroutines; Load is called from the reload worker and must swap the
// provider's state atomically, never mutating a snapshot readers may hold.
type Provider interface {
	// Mapping returns the role request for a username, or false when the
	// principal has no mapping.
	Mapping(ctx context.Context, username string) (RoleRequest, bool)

	// Load parses a mapping document and atomically replaces the current
	// snapshot. On error the previous snapshot stays in place.
	Load(doc []byte) error
}

// ProviderDeps carries the collaborators a provider may need.
type ProviderDeps struct {
	Groups GroupSource

	// RoleArn is the fixed role used by the policyunion provider.
	RoleArn string
}

// Factory constructs a provider from its dependencies.
type Factory func(deps ProviderDeps) (Provider, error)

// providers is the explicit strategy registry. Strategies are compiled in and
// selected by name; there is no dynamic loading.
var providers = map[string]Factory{
	"directmap":   newDirectMapProvider,
	"policyunion": newPolicyUnionProvider,
}

// NewProvider constructs the named mapping strategy.
func NewProvider(name string, deps ProviderDeps) (Provider, error) {
	factory, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown mapping provider %q", name)
	}
	return factory(deps)
}
