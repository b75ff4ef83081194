package factory

import (
	"context"
	"errors"

	"github.com/ckpay/platform/internal/registry"
)

// Compile-time check that Resolver implements PackageResolver.
var _ PackageResolver = (*Resolver)(nil)

// Resolver resolves the deployment package in two tiers: a blob uploaded by
// a platform admin takes precedence, otherwise the package bundled with the
// server binary is used.
type Resolver struct {
	store    registry.Store
	fallback []byte
}

// NewResolver creates a package resolver over the registry with an optional
// bundled fallback package.
func NewResolver(store registry.Store, fallback []byte) *Resolver {
	return &Resolver{store: store, fallback: fallback}
}

func (r *Resolver) ResolvePackage(ctx context.Context) ([]byte, error) {
	blob, err := r.store.GetPackage(ctx)
	if err == nil {
		return blob, nil
	}
	if !errors.Is(err, registry.ErrNoPackage) {
		return nil, err
	}
	if len(r.fallback) > 0 {
		return r.fallback, nil
	}
	return nil, ErrPackageUnavailable
}
