package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/auth"
	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/repo"
)

// StatusMachine applies reported action status updates. Updates append in
// arrival order; the first terminal state recorded for an action wins its
// side effects, and every later terminal report is stored audit-only. That
// rule makes races between independently arriving cancel and completion
// signals deterministic.
type StatusMachine struct {
	controllers repo.ControllerManagement
	events      repo.EventPublisher
	logger      zerolog.Logger
	now         func() time.Time
}

// NewStatusMachine constructs a StatusMachine.
func NewStatusMachine(controllers repo.ControllerManagement, events repo.EventPublisher, logger zerolog.Logger) (*StatusMachine, error) {
	if controllers == nil {
		return nil, errors.New("gateway: controller management is required")
	}
	if events == nil {
		return nil, errors.New("gateway: event publisher is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusMachine{
		controllers: controllers,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Apply records the update for the action and triggers cascade logic when a
// first terminal status arrives.
func (m *StatusMachine) Apply(ctx context.Context, tenant string, action *repo.Action, upd dmf.ActionStatusUpdate) error {
	status, err := dmf.ParseActionStatus(string(upd.Status))
	if err != nil {
		return err
	}
	if status == dmf.StatusCancelRejected && !action.Cancelling {
		return dmf.WrapProtocolViolation(
			fmt.Errorf("cancel rejected reported for action %d which is not cancelling", action.ID))
	}

	occurredAt := m.now()
	if upd.OccurredAt > 0 {
		occurredAt = time.UnixMilli(upd.OccurredAt)
	}
	entry := repo.StatusEntry{
		ActionID:   action.ID,
		Status:     status,
		Messages:   upd.Messages,
		OccurredAt: occurredAt,
	}

	log := m.logger.With().
		Str("tenant", tenant).
		Str("controller_id", action.ControllerID).
		Int64("action_id", action.ID).
		Str("status", string(status)).
		Logger()

	// The caller's action read may be stale; the repository enforces the
	// sticky-terminal rule atomically and reports whether this write
	// performed the transition.
	newState := nextState(action.State, status)
	entry.SideEffects = newState != action.State || status.IsTerminal()
	updated, applied, err := m.controllers.AddStatus(ctx, tenant, entry, newState)
	if err != nil {
		return dmf.WrapTransient(err)
	}
	if applied {
		log.Debug().Str("state", string(updated.State)).Msg("gateway: action status applied")
	} else {
		log.Info().Str("state", string(updated.State)).Msg("gateway: status recorded, no side effects")
	}

	// Cascade when this write closed the action as FINISHED, and also when a
	// redelivered Finished report meets an action already finished: the
	// cascade event id is deterministic, so a retry after a failed publish
	// still fires exactly once while a racing duplicate is deduplicated.
	if status == dmf.StatusFinished && updated.State == repo.ActionFinished {
		return m.cascadeFinished(ctx, tenant, updated)
	}
	return nil
}

// cascadeFinished pushes the target's next pending deployment, if any,
// without waiting for the device to poll again. The secret token is read
// under a scoped system principal because the calling context may not see
// it. The event id is derived from the (finished, next) action pair, so a
// retried or duplicated cascade publishes the same id and the dispatcher's
// dedup collapses it.
func (m *StatusMachine) cascadeFinished(ctx context.Context, tenant string, action *repo.Action) error {
	next, err := m.controllers.FindOldestActiveAction(ctx, tenant, action.TargetID)
	if err != nil {
		return dmf.WrapTransient(err)
	}
	if next == nil {
		return nil
	}

	token, err := auth.RunAsSystem(ctx, tenant, func(ctx context.Context) (string, error) {
		return m.controllers.SecurityToken(ctx, tenant, action.ControllerID)
	})
	if err != nil {
		return dmf.WrapTransient(err)
	}

	event := repo.Event{
		ID:           cascadeEventID(tenant, action.ID, next.ID),
		Kind:         repo.EventAssignment,
		Tenant:       tenant,
		ControllerID: action.ControllerID,
		ActionID:     next.ID,
		TargetToken:  token,
	}
	if err := m.events.Publish(ctx, event); err != nil {
		return dmf.WrapTransient(err)
	}
	m.logger.Info().
		Str("tenant", tenant).
		Str("controller_id", action.ControllerID).
		Int64("next_action_id", next.ID).
		Msg("gateway: published follow-up assignment after finished action")
	return nil
}

// cascadeEventID derives the stable idempotency key for the follow-up
// assignment published when finishedID closes and nextID is pending.
func cascadeEventID(tenant string, finishedID, nextID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "cascade:%s:%d:%d", tenant, finishedID, nextID)).String()
}

// nextState computes the action state resulting from a reported status.
// Warning and the download progress statuses never regress a running
// action.
func nextState(current repo.ActionState, status dmf.ActionStatus) repo.ActionState {
	switch status {
	case dmf.StatusFinished:
		return repo.ActionFinished
	case dmf.StatusError:
		return repo.ActionError
	case dmf.StatusCanceled:
		return repo.ActionCanceled
	case dmf.StatusCancelRejected:
		return repo.ActionCancelRejected
	case dmf.StatusDownload, dmf.StatusRetrieved, dmf.StatusRunning:
		return repo.ActionRunning
	default: // Warning annotates without changing state.
		return current
	}
}
