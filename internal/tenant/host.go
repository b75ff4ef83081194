package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/idgen"
	"github.com/ckpay/platform/internal/remoteunit"
	"github.com/ckpay/platform/internal/storage"
	"github.com/ckpay/platform/internal/unit"
)

// Manager is the hosting substrate in single-process deployments: the
// factory provisions against it directly instead of a remote host.
var _ remoteunit.Client = (*Manager)(nil)

func hostErr(method string, reason remoteunit.Reason, format string, args ...interface{}) *remoteunit.CallError {
	return &remoteunit.CallError{Method: method, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// CreateUnit reserves a unit ID and its resource budget. The unit serves
// nothing until a package is installed.
func (m *Manager) CreateUnit(_ context.Context, budget uint64) (remoteunit.UnitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("unit-%d", m.nextID)
	m.reserved[id] = budget
	return remoteunit.UnitID(id), nil
}

// InstallPackage boots a reserved unit (install), wipes and reboots an
// existing one (reinstall), or rebuilds its services over a snapshot of the
// current state (upgrade).
func (m *Manager) InstallPackage(ctx context.Context, id remoteunit.UnitID, _ []byte, initArgs []byte, mode remoteunit.InstallMode) error {
	switch mode {
	case remoteunit.ModeInstall, remoteunit.ModeReinstall:
		return m.install(ctx, string(id), initArgs)
	case remoteunit.ModeUpgrade:
		return m.upgrade(ctx, string(id))
	default:
		return hostErr("install_package", remoteunit.ReasonRejected, "unknown install mode %q", mode)
	}
}

func (m *Manager) install(ctx context.Context, id string, initArgs []byte) error {
	m.mu.Lock()
	_, isReserved := m.reserved[id]
	_, isInstalled := m.units[id]
	m.mu.Unlock()
	if !isReserved && !isInstalled {
		return hostErr("install_package", remoteunit.ReasonRejected, "unit %s does not exist", id)
	}

	var args unit.InitArgs
	if err := json.Unmarshal(initArgs, &args); err != nil {
		return hostErr("install_package", remoteunit.ReasonUnitError, "decode init args: %v", err)
	}
	if args.Owner.IsAnonymous() {
		return hostErr("install_package", remoteunit.ReasonUnitError, "unit owner cannot be anonymous")
	}
	if err := args.Config.Validate(); err != nil {
		return hostErr("install_package", remoteunit.ReasonUnitError, "invalid config: %v", err)
	}

	u, err := m.build(ctx, id, unit.NewState(args.Config, args.Owner), idgen.Hex(32), nil)
	if err != nil {
		return hostErr("install_package", remoteunit.ReasonInternal, "%v", err)
	}

	m.mu.Lock()
	delete(m.reserved, id)
	m.units[id] = u
	m.mu.Unlock()
	m.logger.Info("unit installed", "unit_id", id, "owner", args.Owner)
	return nil
}

func (m *Manager) upgrade(ctx context.Context, id string) error {
	m.mu.RLock()
	old, ok := m.units[id]
	m.mu.RUnlock()
	if !ok {
		return hostErr("install_package", remoteunit.ReasonRejected, "unit %s is not installed", id)
	}

	snap := storage.Snapshot{}
	if err := old.State.Snapshot(snap); err != nil {
		return hostErr("install_package", remoteunit.ReasonUnitError, "snapshot state: %v", err)
	}
	st, err := unit.RestoreState(snap, old.State.Version()+1)
	if err != nil {
		return hostErr("install_package", remoteunit.ReasonUnitError, "restore state: %v", err)
	}

	u, err := m.build(ctx, id, st, old.secret, &old.stores)
	if err != nil {
		return hostErr("install_package", remoteunit.ReasonInternal, "%v", err)
	}

	m.mu.Lock()
	m.units[id] = u
	m.mu.Unlock()
	m.logger.Info("unit upgraded", "unit_id", id, "version", st.Version())
	return nil
}

// QueryStatus reports a hosted unit's state and remaining budget.
func (m *Manager) QueryStatus(_ context.Context, id remoteunit.UnitID) (*remoteunit.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.units[string(id)]; ok {
		return &remoteunit.Status{UnitID: id, State: "running"}, nil
	}
	if budget, ok := m.reserved[string(id)]; ok {
		return &remoteunit.Status{UnitID: id, State: "stopped", ResourceBalance: budget}, nil
	}
	return nil, hostErr("query_status", remoteunit.ReasonRejected, "unit %s does not exist", id)
}

// UpdateSettings applies controller changes: the first controller becomes
// the unit's owner.
func (m *Manager) UpdateSettings(_ context.Context, id remoteunit.UnitID, settings remoteunit.Settings) error {
	m.mu.RLock()
	u, ok := m.units[string(id)]
	m.mu.RUnlock()
	if !ok {
		return hostErr("update_settings", remoteunit.ReasonRejected, "unit %s is not installed", id)
	}
	if len(settings.Controllers) > 0 {
		u.State.SetOwner(identity.Principal(settings.Controllers[0]))
	}
	return nil
}
