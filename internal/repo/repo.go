// Package repo defines the narrow interfaces through which the gateway
// consumes the persistence layer, plus the entity shapes those interfaces
// exchange. Persistence itself lives outside this module; everything here is
// read/written through these contracts only.
package repo

import (
	"context"
	"time"

	"github.com/example/dmf-gateway/internal/dmf"
)

// ActionState is the lifecycle state of an action as tracked by the
// repository.
type ActionState string

const (
	ActionScheduled      ActionState = "SCHEDULED"
	ActionRunning        ActionState = "RUNNING"
	ActionFinished       ActionState = "FINISHED"
	ActionError          ActionState = "ERROR"
	ActionCanceled       ActionState = "CANCELED"
	ActionCancelRejected ActionState = "CANCEL_REJECTED"
)

// IsTerminal reports whether the state closes the action.
func (s ActionState) IsTerminal() bool {
	switch s {
	case ActionFinished, ActionError, ActionCanceled, ActionCancelRejected:
		return true
	default:
		return false
	}
}

// Target is a managed device, unique per (tenant, controllerId).
type Target struct {
	ID           int64
	Tenant       string
	ControllerID string
	Name         string
	// Address is the AMQP URI the device listens on, derived from the
	// replyTo property of its registration message.
	Address string
	// SecurityToken is tenant-secret and only readable under a system
	// principal.
	SecurityToken string
	LastSeen      time.Time
}

// Artifact is a stored binary with its content hashes.
type Artifact struct {
	ID       int64
	ModuleID int64
	Filename string
	Size     int64
	SHA1     string
	MD5      string
}

// SoftwareModule groups artifacts inside a distribution set.
type SoftwareModule struct {
	ID        int64
	Type      string
	Version   string
	Artifacts []Artifact
}

// DistributionSet is the software package assigned by an action.
type DistributionSet struct {
	ID      int64
	Name    string
	Version string
	Modules []SoftwareModule
}

// Action is one deployment or cancellation of a distribution set to a
// target.
type Action struct {
	ID              int64
	Tenant          string
	TargetID        int64
	ControllerID    string
	DistributionSet DistributionSet
	State           ActionState
	Cancelling      bool
	CreatedAt       time.Time
}

// StatusEntry is one audit row appended for an action.
type StatusEntry struct {
	ActionID   int64
	Status     dmf.ActionStatus
	Messages   []string
	OccurredAt time.Time
	// SideEffects records whether this entry triggered cascade logic. A
	// second terminal entry for the same action is stored audit-only.
	SideEffects bool
}

// ControllerManagement exposes target and action operations scoped to the
// calling principal's tenant.
type ControllerManagement interface {
	// FindTarget looks up a target by controller id within the tenant.
	FindTarget(ctx context.Context, tenant, controllerID string) (*Target, error)
	// FindOrRegisterTarget registers a target if it does not exist yet and
	// returns it. Registration is idempotent per (tenant, controllerId);
	// a changed address updates the stored one.
	FindOrRegisterTarget(ctx context.Context, tenant, controllerID, address, name string) (*Target, error)
	// SecurityToken returns the target's stored secret token. Requires a
	// system principal in ctx.
	SecurityToken(ctx context.Context, tenant, controllerID string) (string, error)
	// FindActionWithDetails loads an action including its distribution set.
	FindActionWithDetails(ctx context.Context, tenant string, actionID int64) (*Action, error)
	// FindOldestActiveAction returns the oldest non-terminal action queued
	// for the target, or nil when none is pending.
	FindOldestActiveAction(ctx context.Context, tenant string, targetID int64) (*Action, error)
	// AddStatus appends a status entry and, when entry.SideEffects is set,
	// applies newState to the action unless the action is already closed.
	// The check and the state change are one atomic step: a terminal action
	// never changes state again, and the stored entry's SideEffects flag
	// reflects what actually happened. Returns the updated action and
	// whether this call performed the state transition.
	AddStatus(ctx context.Context, tenant string, entry StatusEntry, newState ActionState) (*Action, bool, error)
	// HasActionForModule reports whether the target has any action, active
	// or completed, whose distribution set contains the module.
	HasActionForModule(ctx context.Context, tenant, controllerID string, moduleID int64) (bool, error)
}

// ArtifactManagement resolves artifacts and their binary descriptors.
type ArtifactManagement interface {
	// ByHash finds an artifact by SHA1 content hash within the tenant.
	ByHash(ctx context.Context, tenant, sha1 string) (*Artifact, error)
	// ByModuleFilename finds an artifact by owning module id and filename.
	ByModuleFilename(ctx context.Context, tenant string, moduleID int64, filename string) (*Artifact, error)
}

// TenantConfiguration exposes the per-tenant authentication feature flags.
type TenantConfiguration interface {
	AuthFlags(ctx context.Context, tenant string) (AuthFlags, error)
}

// AuthFlags are the tenant-level switches consulted during controller
// authentication.
type AuthFlags struct {
	TargetTokenEnabled bool
	CertificateEnabled bool
	// AllowedIssuerHashes are the accepted values of the reverse-proxy
	// issuer-hash header when certificate auth is enabled.
	AllowedIssuerHashes []string
	AnonymousEnabled    bool
}
