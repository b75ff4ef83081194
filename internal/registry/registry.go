// Package registry tracks every tenant unit the factory has provisioned:
// unit records, the owner index, fleet statistics, and the uploaded
// deployment package.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ckpay/platform/internal/identity"
)

var (
	ErrNotFound     = errors.New("unit record not found")
	ErrAlreadyOwned = errors.New("unit already registered to this owner")
	ErrNoPackage    = errors.New("no deployment package uploaded")
)

// UnitRecord describes one provisioned tenant unit.
type UnitRecord struct {
	ID              string             `json:"id"`
	Owner           identity.Principal `json:"owner"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Version         uint64             `json:"version"`
	CreatedAt       time.Time          `json:"createdAt"`
	LastUpdated     time.Time          `json:"lastUpdated"`
	Active          bool               `json:"active"`
	SupportedTokens []string           `json:"supportedTokens"`
}

// Stats counts the provisioned fleet. Decrements floor at zero.
type Stats struct {
	TotalUnits  uint64 `json:"totalUnits"`
	ActiveUnits uint64 `json:"activeUnits"`
}

// Store persists the factory's registry.
type Store interface {
	Put(ctx context.Context, rec *UnitRecord) error
	Get(ctx context.Context, id string) (*UnitRecord, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]*UnitRecord, error)
	ListActive(ctx context.Context) ([]*UnitRecord, error)
	ListByOwner(ctx context.Context, owner identity.Principal) ([]*UnitRecord, error)
	FindByToken(ctx context.Context, tokenSymbol string) ([]*UnitRecord, error)

	// AddToOwner and RemoveFromOwner maintain the owner index used to
	// enforce per-owner unit limits. AddToOwner rejects duplicates.
	AddToOwner(ctx context.Context, owner identity.Principal, unitID string) error
	RemoveFromOwner(ctx context.Context, owner identity.Principal, unitID string) error
	OwnerUnitIDs(ctx context.Context, owner identity.Principal) ([]string, error)

	NextVersion(ctx context.Context) (uint64, error)

	Stats(ctx context.Context) (*Stats, error)
	IncrementStats(ctx context.Context, active bool) error
	DecrementStats(ctx context.Context, active bool) error

	SetPackage(ctx context.Context, blob []byte) error
	GetPackage(ctx context.Context) ([]byte, error)
}
