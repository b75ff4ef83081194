package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/registry"
	"github.com/ckpay/platform/internal/remoteunit"
	"github.com/ckpay/platform/internal/unit"
)

// Service provisions units through the hosting substrate and records them in
// the registry.
type Service struct {
	host     remoteunit.Client
	store    registry.Store
	packages PackageResolver
	admins   identity.Set
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates the factory service.
func NewService(host remoteunit.Client, store registry.Store, packages PackageResolver, admins identity.Set, logger *slog.Logger) *Service {
	return &Service{
		host:     host,
		store:    store,
		packages: packages,
		admins:   admins,
		logger:   logger,
		tracer:   otel.Tracer("ckpay/factory"),
		now:      time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) isAdmin(p identity.Principal) bool {
	return s.admins.Contains(p)
}

// Provision creates a new unit for the caller: a fresh unit on the hosting
// substrate with the standard package installed, then a registry record.
// The submitted config is validated and its name and tokens are recorded,
// but the unit itself starts from the default configuration; the owner
// adjusts it after provisioning.
func (s *Service) Provision(ctx context.Context, caller identity.Principal, cfg unit.Config) (*registry.UnitRecord, error) {
	ctx, span := s.tracer.Start(ctx, "factory.Provision",
		trace.WithAttributes(attribute.String("owner", caller.String())))
	defer span.End()

	if caller.IsAnonymous() {
		return nil, ErrAnonymous
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	owned, err := s.store.OwnerUnitIDs(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("check owner units: %w", err)
	}
	if len(owned) >= MaxUnitsPerOwner {
		return nil, ErrUnitLimitReached
	}

	pkg, err := s.packages.ResolvePackage(ctx)
	if err != nil {
		return nil, err
	}

	unitID, err := s.host.CreateUnit(ctx, CreationBudget)
	if err != nil {
		return nil, fmt.Errorf("create unit: %w", err)
	}
	span.SetAttributes(attribute.String("unit_id", string(unitID)))

	initArgs, err := json.Marshal(unit.InitArgs{
		Config: unit.DefaultConfig(),
		Owner:  caller,
	})
	if err != nil {
		return nil, fmt.Errorf("encode init args: %w", err)
	}

	if err := s.host.InstallPackage(ctx, unitID, pkg, initArgs, remoteunit.ModeInstall); err != nil {
		s.logger.Error("package install failed, unit left unregistered",
			"unit_id", unitID, "owner", caller, "error", err)
		return nil, fmt.Errorf("install package: %w", err)
	}

	version, err := s.store.NextVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("next version: %w", err)
	}

	now := s.now()
	tokens := make([]string, 0, len(cfg.SupportedTokens))
	for _, t := range cfg.SupportedTokens {
		tokens = append(tokens, t.Symbol)
	}
	rec := &registry.UnitRecord{
		ID:              string(unitID),
		Owner:           caller,
		Name:            cfg.Name,
		Description:     cfg.Description,
		Version:         version + 1,
		CreatedAt:       now,
		LastUpdated:     now,
		Active:          true,
		SupportedTokens: tokens,
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("record unit: %w", err)
	}
	if err := s.store.AddToOwner(ctx, caller, rec.ID); err != nil {
		return nil, fmt.Errorf("index unit owner: %w", err)
	}
	if err := s.store.IncrementStats(ctx, true); err != nil {
		return nil, fmt.Errorf("update registry stats: %w", err)
	}

	s.logger.Info("unit provisioned", "unit_id", rec.ID, "owner", caller, "name", cfg.Name)
	return rec, nil
}

// Upgrade reinstalls the current package on an existing unit and bumps its
// recorded version. Admin only.
func (s *Service) Upgrade(ctx context.Context, caller identity.Principal, unitID string) (*registry.UnitRecord, error) {
	ctx, span := s.tracer.Start(ctx, "factory.Upgrade",
		trace.WithAttributes(attribute.String("unit_id", unitID)))
	defer span.End()

	if !s.isAdmin(caller) {
		return nil, ErrNotAdmin
	}

	rec, err := s.store.Get(ctx, unitID)
	if err != nil {
		return nil, err
	}
	pkg, err := s.packages.ResolvePackage(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.host.InstallPackage(ctx, remoteunit.UnitID(unitID), pkg, nil, remoteunit.ModeUpgrade); err != nil {
		return nil, fmt.Errorf("install package: %w", err)
	}

	version, err := s.store.NextVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("next version: %w", err)
	}
	rec.Version = version + 1
	rec.LastUpdated = s.now()
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("record upgrade: %w", err)
	}

	s.logger.Info("unit upgraded", "unit_id", unitID, "version", version)
	return rec, nil
}

// TransferOwnership reassigns a unit to a new owner and updates the unit's
// controllers on the hosting substrate. Admin only.
func (s *Service) TransferOwnership(ctx context.Context, caller identity.Principal, unitID string, newOwner identity.Principal) error {
	if !s.isAdmin(caller) {
		return ErrNotAdmin
	}
	if newOwner.IsAnonymous() {
		return fmt.Errorf("new owner cannot be anonymous")
	}

	rec, err := s.store.Get(ctx, unitID)
	if err != nil {
		return err
	}
	if rec.Owner == newOwner {
		return nil
	}

	if err := s.store.AddToOwner(ctx, newOwner, unitID); err != nil {
		return fmt.Errorf("index new owner: %w", err)
	}
	if err := s.store.RemoveFromOwner(ctx, rec.Owner, unitID); err != nil {
		return fmt.Errorf("unindex old owner: %w", err)
	}

	oldOwner := rec.Owner
	rec.Owner = newOwner
	rec.LastUpdated = s.now()
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}

	if err := s.host.UpdateSettings(ctx, remoteunit.UnitID(unitID), remoteunit.Settings{
		Controllers: []string{newOwner.String()},
	}); err != nil {
		return fmt.Errorf("update unit controllers: %w", err)
	}

	s.logger.Info("unit ownership transferred",
		"unit_id", unitID, "old_owner", oldOwner, "new_owner", newOwner)
	return nil
}

// RemoveRecord drops a unit from the registry without touching the unit
// itself. Admin only.
func (s *Service) RemoveRecord(ctx context.Context, caller identity.Principal, unitID string) error {
	if !s.isAdmin(caller) {
		return ErrNotAdmin
	}

	rec, err := s.store.Get(ctx, unitID)
	if err != nil {
		return err
	}
	if err := s.store.Remove(ctx, unitID); err != nil {
		return err
	}
	if err := s.store.RemoveFromOwner(ctx, rec.Owner, unitID); err != nil {
		return fmt.Errorf("unindex owner: %w", err)
	}
	if err := s.store.DecrementStats(ctx, rec.Active); err != nil {
		return fmt.Errorf("update registry stats: %w", err)
	}

	s.logger.Info("unit record removed", "unit_id", unitID, "owner", rec.Owner)
	return nil
}

// SetUnitPackage uploads a new deployment package used by subsequent
// provisions and upgrades. Admin only.
func (s *Service) SetUnitPackage(ctx context.Context, caller identity.Principal, blob []byte) error {
	if !s.isAdmin(caller) {
		return ErrNotAdmin
	}
	if len(blob) == 0 {
		return fmt.Errorf("package cannot be empty")
	}
	if err := s.store.SetPackage(ctx, blob); err != nil {
		return err
	}
	s.logger.Info("deployment package updated", "size_bytes", len(blob))
	return nil
}

// PackageStatus reports whether a deployment package is resolvable and its
// size.
func (s *Service) PackageStatus(ctx context.Context) (bool, int, error) {
	blob, err := s.packages.ResolvePackage(ctx)
	if err == ErrPackageUnavailable {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, len(blob), nil
}

// UnitInfo returns a unit's registry record.
func (s *Service) UnitInfo(ctx context.Context, unitID string) (*registry.UnitRecord, error) {
	return s.store.Get(ctx, unitID)
}

// UnitsByOwner returns the units registered to an owner.
func (s *Service) UnitsByOwner(ctx context.Context, owner identity.Principal) ([]*registry.UnitRecord, error) {
	return s.store.ListByOwner(ctx, owner)
}

// ActiveUnits returns every active unit.
func (s *Service) ActiveUnits(ctx context.Context) ([]*registry.UnitRecord, error) {
	return s.store.ListActive(ctx)
}

// FindUnitsByToken returns active units supporting the given token.
func (s *Service) FindUnitsByToken(ctx context.Context, tokenSymbol string) ([]*registry.UnitRecord, error) {
	return s.store.FindByToken(ctx, tokenSymbol)
}

// Stats returns fleet statistics.
func (s *Service) Stats(ctx context.Context) (*registry.Stats, error) {
	return s.store.Stats(ctx)
}

// UnitStatus proxies a status query to the hosting substrate.
func (s *Service) UnitStatus(ctx context.Context, unitID string) (*remoteunit.Status, error) {
	return s.host.QueryStatus(ctx, remoteunit.UnitID(unitID))
}
