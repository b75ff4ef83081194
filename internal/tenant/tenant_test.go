package tenant

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/ledger"
	"github.com/ckpay/platform/internal/remoteunit"
	"github.com/ckpay/platform/internal/unit"
)

const owner = identity.Principal("merchant-1")

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(nil, ledger.NewMemory(), logger)
}

func installUnit(t *testing.T, m *Manager) string {
	t.Helper()
	ctx := context.Background()
	id, err := m.CreateUnit(ctx, 1_000_000)
	require.NoError(t, err)
	initArgs, err := json.Marshal(unit.InitArgs{Config: unit.DefaultConfig(), Owner: owner})
	require.NoError(t, err)
	require.NoError(t, m.InstallPackage(ctx, id, nil, initArgs, remoteunit.ModeInstall))
	return string(id)
}

func TestInstallBuildsBundle(t *testing.T) {
	m := newTestManager(t)
	id := installUnit(t, m)

	u, err := m.Unit(id)
	require.NoError(t, err)
	assert.Equal(t, owner, u.State.Owner())
	assert.NotNil(t, u.Settlement)
	assert.NotNil(t, u.Billing)
	assert.NotNil(t, u.Coupons)
	assert.NotNil(t, u.Webhooks)
	assert.Len(t, u.WebhookSecret(), 64)

	status, err := m.QueryStatus(context.Background(), remoteunit.UnitID(id))
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
}

func TestInstallGuards(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.InstallPackage(ctx, "unit-99", nil, nil, remoteunit.ModeInstall)
	var callErr *remoteunit.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, remoteunit.ReasonRejected, callErr.Reason)

	id, err := m.CreateUnit(ctx, 1_000_000)
	require.NoError(t, err)

	err = m.InstallPackage(ctx, id, nil, []byte("not json"), remoteunit.ModeInstall)
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, remoteunit.ReasonUnitError, callErr.Reason)

	anon, err := json.Marshal(unit.InitArgs{Config: unit.DefaultConfig()})
	require.NoError(t, err)
	err = m.InstallPackage(ctx, id, nil, anon, remoteunit.ModeInstall)
	require.ErrorAs(t, err, &callErr)
	assert.Contains(t, callErr.Message, "anonymous")

	// Reserved but never installed units report their remaining budget.
	status, err := m.QueryStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.State)
	assert.Equal(t, uint64(1_000_000), status.ResourceBalance)

	_, err = m.Unit(string(id))
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestUpgradePreservesStateAndSecret(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.NewMemory()
	m := NewManager(nil, led, logger)
	ctx := context.Background()
	id := installUnit(t, m)

	before, err := m.Unit(id)
	require.NoError(t, err)
	cfg := before.State.Config()
	cfg.WebhookURL = "https://example.com/hooks"
	require.NoError(t, before.State.UpdateConfig(owner, cfg))
	secret := before.WebhookSecret()

	// Accumulate domain state: a paid invoice and its resulting balance.
	token := unit.DefaultConfig().SupportedTokens[0]
	payer := identity.Principal("buyer-1")
	led.SetBalance(token.LedgerID, string(payer), 1_000_000)
	led.Approve(token.LedgerID, string(payer), string(owner), 1_000_000)

	inv, err := before.Settlement.CreateInvoice(ctx, 100_000, token.Symbol, "order 42", nil)
	require.NoError(t, err)
	_, err = before.Settlement.ProcessPaymentLegacy(ctx, payer, inv.ID)
	require.NoError(t, err)
	balance, err := before.Settlement.Balance(ctx, token.Symbol)
	require.NoError(t, err)
	require.NotZero(t, balance)

	require.NoError(t, m.InstallPackage(ctx, remoteunit.UnitID(id), nil, nil, remoteunit.ModeUpgrade))

	after, err := m.Unit(id)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, owner, after.State.Owner())
	assert.Equal(t, "https://example.com/hooks", after.State.Config().WebhookURL)
	assert.Equal(t, before.State.Version()+1, after.State.Version())
	assert.Equal(t, secret, after.WebhookSecret())

	// Domain state survives the in-place upgrade.
	kept, err := after.Settlement.Invoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), kept.Amount)
	keptBalance, err := after.Settlement.Balance(ctx, token.Symbol)
	require.NoError(t, err)
	assert.Equal(t, balance, keptBalance)
}

func TestUpgradeRequiresInstalledUnit(t *testing.T) {
	m := newTestManager(t)
	err := m.InstallPackage(context.Background(), "unit-1", nil, nil, remoteunit.ModeUpgrade)
	var callErr *remoteunit.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, remoteunit.ReasonRejected, callErr.Reason)
}

func TestUpdateSettingsTransfersOwner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	id := installUnit(t, m)

	require.NoError(t, m.UpdateSettings(ctx, remoteunit.UnitID(id), remoteunit.Settings{
		Controllers: []string{"merchant-2"},
	}))
	u, err := m.Unit(id)
	require.NoError(t, err)
	assert.Equal(t, identity.Principal("merchant-2"), u.State.Owner())
}

func TestUnitIDs(t *testing.T) {
	m := newTestManager(t)
	assert.Empty(t, m.UnitIDs())
	installUnit(t, m)
	installUnit(t, m)
	assert.Len(t, m.UnitIDs(), 2)
}
