package factory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/registry"
	"github.com/ckpay/platform/internal/remoteunit"
	"github.com/ckpay/platform/internal/unit"
)

const (
	alice = identity.Principal("alice")
	admin = identity.Principal("root")
)

// fakeHost implements remoteunit.Client in memory.
type fakeHost struct {
	nextID      int
	installs    map[remoteunit.UnitID]remoteunit.InstallMode
	controllers map[remoteunit.UnitID][]string
	failInstall bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		installs:    make(map[remoteunit.UnitID]remoteunit.InstallMode),
		controllers: make(map[remoteunit.UnitID][]string),
	}
}

func (h *fakeHost) CreateUnit(_ context.Context, budget uint64) (remoteunit.UnitID, error) {
	if budget != CreationBudget {
		return "", fmt.Errorf("unexpected budget %d", budget)
	}
	h.nextID++
	return remoteunit.UnitID(fmt.Sprintf("unit-%d", h.nextID)), nil
}

func (h *fakeHost) InstallPackage(_ context.Context, id remoteunit.UnitID, pkg, initArgs []byte, mode remoteunit.InstallMode) error {
	if h.failInstall {
		return &remoteunit.CallError{Method: "install_package", Reason: remoteunit.ReasonOutOfResources, Message: "budget exhausted"}
	}
	h.installs[id] = mode
	return nil
}

func (h *fakeHost) QueryStatus(_ context.Context, id remoteunit.UnitID) (*remoteunit.Status, error) {
	return &remoteunit.Status{UnitID: id, State: "running"}, nil
}

func (h *fakeHost) UpdateSettings(_ context.Context, id remoteunit.UnitID, settings remoteunit.Settings) error {
	h.controllers[id] = settings.Controllers
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeHost, *registry.MemoryStore) {
	t.Helper()
	host := newFakeHost()
	store := registry.NewMemoryStore()
	resolver := NewResolver(store, []byte("bundled-package"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(host, store, resolver, identity.NewSet(admin), logger)
	return svc, host, store
}

func TestProvision(t *testing.T) {
	svc, host, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Provision(ctx, alice, unit.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "unit-1", rec.ID)
	assert.Equal(t, alice, rec.Owner)
	assert.Equal(t, uint64(1), rec.Version)
	assert.True(t, rec.Active)
	assert.Equal(t, []string{"ckBTC"}, rec.SupportedTokens)
	assert.Equal(t, remoteunit.ModeInstall, host.installs["unit-1"])

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalUnits)
	assert.Equal(t, uint64(1), stats.ActiveUnits)
}

func TestProvision_Guards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Provision(ctx, identity.Anonymous, unit.DefaultConfig())
	assert.ErrorIs(t, err, ErrAnonymous)

	bad := unit.DefaultConfig()
	bad.Name = ""
	_, err = svc.Provision(ctx, alice, bad)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestProvision_OwnerLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < MaxUnitsPerOwner; i++ {
		_, err := svc.Provision(ctx, alice, unit.DefaultConfig())
		require.NoError(t, err)
	}
	_, err := svc.Provision(ctx, alice, unit.DefaultConfig())
	assert.ErrorIs(t, err, ErrUnitLimitReached)

	// Other owners are unaffected.
	_, err = svc.Provision(ctx, "bob", unit.DefaultConfig())
	require.NoError(t, err)
}

func TestProvision_InstallFailureLeavesNoRecord(t *testing.T) {
	svc, host, store := newTestService(t)
	ctx := context.Background()
	host.failInstall = true

	_, err := svc.Provision(ctx, alice, unit.DefaultConfig())
	require.Error(t, err)
	var callErr *remoteunit.CallError
	assert.ErrorAs(t, err, &callErr)

	owned, err := store.OwnerUnitIDs(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, owned)
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalUnits)
}

func TestUpgrade(t *testing.T) {
	svc, host, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Provision(ctx, alice, unit.DefaultConfig())
	require.NoError(t, err)

	_, err = svc.Upgrade(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrNotAdmin)

	upgraded, err := svc.Upgrade(ctx, admin, rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rec.Version, upgraded.Version)
	assert.Equal(t, remoteunit.ModeUpgrade, host.installs[remoteunit.UnitID(rec.ID)])
}

func TestTransferOwnership(t *testing.T) {
	svc, host, store := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Provision(ctx, alice, unit.DefaultConfig())
	require.NoError(t, err)

	err = svc.TransferOwnership(ctx, alice, rec.ID, "bob")
	assert.ErrorIs(t, err, ErrNotAdmin)
	err = svc.TransferOwnership(ctx, admin, rec.ID, identity.Anonymous)
	assert.ErrorContains(t, err, "anonymous")

	require.NoError(t, svc.TransferOwnership(ctx, admin, rec.ID, "bob"))

	got, err := svc.UnitInfo(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.Principal("bob"), got.Owner)
	assert.Equal(t, []string{"bob"}, host.controllers[remoteunit.UnitID(rec.ID)])

	former, err := store.OwnerUnitIDs(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, former)
	current, err := store.OwnerUnitIDs(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, current)
}

func TestRemoveRecord(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Provision(ctx, alice, unit.DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, svc.RemoveRecord(ctx, admin, rec.ID))
	_, err = svc.UnitInfo(ctx, rec.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	owned, err := store.OwnerUnitIDs(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, owned)
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalUnits)
	assert.Zero(t, stats.ActiveUnits)
}

func TestSetUnitPackage(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.SetUnitPackage(ctx, alice, []byte("new"))
	assert.ErrorIs(t, err, ErrNotAdmin)
	err = svc.SetUnitPackage(ctx, admin, nil)
	assert.ErrorContains(t, err, "empty")

	require.NoError(t, svc.SetUnitPackage(ctx, admin, []byte("new-package")))
	ok, size, err := svc.PackageStatus(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, len("new-package"), size)
}

func TestResolver_Fallback(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()

	empty := NewResolver(store, nil)
	_, err := empty.ResolvePackage(ctx)
	assert.ErrorIs(t, err, ErrPackageUnavailable)

	bundled := NewResolver(store, []byte("bundled"))
	pkg, err := bundled.ResolvePackage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundled"), pkg)

	require.NoError(t, store.SetPackage(ctx, []byte("uploaded")))
	pkg, err = bundled.ResolvePackage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("uploaded"), pkg)
}

func TestFindUnitsByToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Provision(ctx, alice, unit.DefaultConfig())
	require.NoError(t, err)

	found, err := svc.FindUnitsByToken(ctx, "ckBTC")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	none, err := svc.FindUnitsByToken(ctx, "ICP")
	require.NoError(t, err)
	assert.Empty(t, none)
}
