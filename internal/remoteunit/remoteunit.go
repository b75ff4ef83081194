// Package remoteunit provides the client used to manage tenant units on a
// remote execution host.
//
// The factory drives this client: create a unit, install or upgrade its
// runtime package, query its status, and adjust its settings. Every failure
// is a *CallError carrying the failed method and a coarse reason the factory
// surfaces to its callers.
package remoteunit

import (
	"context"
	"fmt"
)

// UnitID is the host-assigned identifier of a provisioned unit.
type UnitID string

func (id UnitID) String() string { return string(id) }

// InstallMode selects how a package lands on a unit.
type InstallMode string

const (
	// ModeInstall installs onto a fresh unit.
	ModeInstall InstallMode = "install"
	// ModeUpgrade replaces the package while preserving unit state.
	ModeUpgrade InstallMode = "upgrade"
	// ModeReinstall replaces the package and wipes unit state.
	ModeReinstall InstallMode = "reinstall"
)

// Reason classifies a failed host call.
type Reason string

const (
	// ReasonOutOfResources means the resource budget could not cover the call.
	ReasonOutOfResources Reason = "out_of_resources"
	// ReasonTransient means the host was overloaded or briefly unreachable;
	// the call may succeed if repeated.
	ReasonTransient Reason = "transient"
	// ReasonRejected means the host refused the call as invalid.
	ReasonRejected Reason = "rejected"
	// ReasonUnitError means the unit itself trapped while handling the call.
	ReasonUnitError Reason = "unit_error"
	// ReasonInternal covers host-side failures outside the caller's control.
	ReasonInternal Reason = "internal"
)

// CallError is the typed failure returned by every Client method.
type CallError struct {
	Method  string
	Reason  Reason
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remoteunit: %s failed: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("remoteunit: %s failed: %s: %s", e.Method, e.Reason, e.Message)
}

// Status is a point-in-time snapshot of a unit reported by the host.
type Status struct {
	UnitID          UnitID `json:"unitId"`
	State           string `json:"state"` // "running", "stopping", "stopped"
	ModuleHash      string `json:"moduleHash,omitempty"`
	MemoryBytes     uint64 `json:"memoryBytes"`
	ResourceBalance uint64 `json:"resourceBalance"`
}

// Settings are the host-side unit settings the factory may adjust.
type Settings struct {
	Controllers []string `json:"controllers,omitempty"`
}

// Client manages units on the remote host.
//
// initArgs is an opaque encoded payload handed to the unit's init or
// post-upgrade hook; the factory encodes it, the unit decodes it.
type Client interface {
	CreateUnit(ctx context.Context, budget uint64) (UnitID, error)
	InstallPackage(ctx context.Context, id UnitID, pkg []byte, initArgs []byte, mode InstallMode) error
	QueryStatus(ctx context.Context, id UnitID) (*Status, error)
	UpdateSettings(ctx context.Context, id UnitID, settings Settings) error
}
