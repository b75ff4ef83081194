// Package factory provisions tenant units on the hosting substrate and
// maintains the platform registry of everything it has deployed.
package factory

import (
	"context"
	"errors"
)

var (
	ErrAnonymous          = errors.New("anonymous callers cannot create units")
	ErrUnitLimitReached   = errors.New("unit limit reached for this owner")
	ErrNotAdmin           = errors.New("caller is not a platform admin")
	ErrPackageUnavailable = errors.New("no deployment package available")
)

// CreationBudget is the resource budget granted to every new unit.
const CreationBudget uint64 = 4_000_000_000_000

// MaxUnitsPerOwner caps how many units one principal may provision.
const MaxUnitsPerOwner = 5

// PackageResolver supplies the deployment package installed on new units.
type PackageResolver interface {
	ResolvePackage(ctx context.Context) ([]byte, error)
}
