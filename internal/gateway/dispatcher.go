package gateway

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/auth"
	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/download"
	"github.com/example/dmf-gateway/internal/protocol"
	"github.com/example/dmf-gateway/internal/repo"
)

// Dispatcher converts repository assignment/cancellation events into wire
// messages addressed to individual controllers. All sends go through the
// base protocol service's single egress primitive.
type Dispatcher struct {
	svc         *protocol.Service
	controllers repo.ControllerManagement
	dedup       *Dedup
	downloadCfg download.Config
	logger      zerolog.Logger
	now         func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(svc *protocol.Service, controllers repo.ControllerManagement, dedup *Dedup, downloadCfg download.Config, logger zerolog.Logger) (*Dispatcher, error) {
	if svc == nil {
		return nil, errors.New("gateway: protocol service is required")
	}
	if controllers == nil {
		return nil, errors.New("gateway: controller management is required")
	}
	if dedup == nil {
		return nil, errors.New("gateway: dedup cache is required")
	}
	if downloadCfg.Hostname == "" {
		return nil, errors.New("gateway: download hostname is required")
	}
	if downloadCfg.URLTTL <= 0 {
		downloadCfg.URLTTL = 30 * time.Minute
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Dispatcher{
		svc:         svc,
		controllers: controllers,
		dedup:       dedup,
		downloadCfg: downloadCfg,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Run subscribes to the repository event stream and blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context, stream repo.EventStream) error {
	if stream == nil {
		return errors.New("gateway: event stream is required")
	}
	return stream.Subscribe(ctx, d.HandleEvent)
}

// HandleEvent processes one repository event. Duplicate event ids are
// dropped before any side effect. An unresolvable target address is logged
// and dropped; retrying cannot produce an address.
func (d *Dispatcher) HandleEvent(ctx context.Context, event repo.Event) error {
	log := d.logger.With().
		Str("tenant", event.Tenant).
		Str("controller_id", event.ControllerID).
		Int64("action_id", event.ActionID).
		Str("kind", string(event.Kind)).
		Logger()

	if d.dedup.Seen(event.ID) {
		log.Debug().Str("event_id", event.ID).Msg("dispatcher: duplicate event dropped")
		return nil
	}

	if err := d.process(ctx, event, log); err != nil {
		return err
	}
	// Marked only after the side effects landed, so an event that failed
	// transiently is retried when the transport redelivers it.
	d.dedup.Mark(event.ID)
	return nil
}

func (d *Dispatcher) process(ctx context.Context, event repo.Event, log zerolog.Logger) error {
	target, err := auth.RunAsSystem(ctx, event.Tenant, func(ctx context.Context) (*repo.Target, error) {
		return d.controllers.FindTarget(ctx, event.Tenant, event.ControllerID)
	})
	if err != nil {
		if errors.Is(err, dmf.ErrNotFound) {
			log.Warn().Msg("dispatcher: event references unknown target, dropped")
			return nil
		}
		return dmf.WrapTransient(err)
	}
	if target.Address == "" {
		log.Warn().Msg("dispatcher: target has no address, message dropped")
		return nil
	}

	switch event.Kind {
	case repo.EventAssignment:
		return d.sendAssignment(ctx, target, event)
	case repo.EventCancellation:
		return d.sendCancel(ctx, target, event.ActionID)
	default:
		log.Error().Msg("dispatcher: event with unknown kind dropped")
		return nil
	}
}

func (d *Dispatcher) sendAssignment(ctx context.Context, target *repo.Target, event repo.Event) error {
	action, err := auth.RunAsSystem(ctx, event.Tenant, func(ctx context.Context) (*repo.Action, error) {
		return d.controllers.FindActionWithDetails(ctx, event.Tenant, event.ActionID)
	})
	if err != nil {
		if errors.Is(err, dmf.ErrNotFound) {
			d.logger.Warn().
				Str("tenant", event.Tenant).
				Int64("action_id", event.ActionID).
				Msg("dispatcher: assignment references unknown action, dropped")
			return nil
		}
		return dmf.WrapTransient(err)
	}

	token := event.TargetToken
	if token == "" {
		token, err = auth.RunAsSystem(ctx, event.Tenant, func(ctx context.Context) (string, error) {
			return d.controllers.SecurityToken(ctx, event.Tenant, target.ControllerID)
		})
		if err != nil && !errors.Is(err, dmf.ErrNotFound) {
			return dmf.WrapTransient(err)
		}
	}

	request := d.buildUpdateRequest(target, action, token)
	if err := d.svc.SendEvent(ctx, target.Address, target.Tenant, target.ControllerID, dmf.TopicDownloadAndInstall, request); err != nil {
		return err
	}
	d.logger.Info().
		Str("tenant", target.Tenant).
		Str("controller_id", target.ControllerID).
		Int64("action_id", action.ID).
		Int("modules", len(request.SoftwareModules)).
		Msg("dispatcher: assignment pushed to target")
	return nil
}

func (d *Dispatcher) sendCancel(ctx context.Context, target *repo.Target, actionID int64) error {
	request := dmf.CancelRequest{ActionID: actionID}
	if err := d.svc.SendEvent(ctx, target.Address, target.Tenant, target.ControllerID, dmf.TopicCancelDownload, request); err != nil {
		return err
	}
	d.logger.Info().
		Str("tenant", target.Tenant).
		Str("controller_id", target.ControllerID).
		Int64("action_id", actionID).
		Msg("dispatcher: cancellation pushed to target")
	return nil
}

// PushAction sends the wire message for an already-loaded action directly to
// its target. Used when a freshly registered target has a pending action.
func (d *Dispatcher) PushAction(ctx context.Context, target *repo.Target, action *repo.Action) error {
	if target.Address == "" {
		d.logger.Warn().
			Str("tenant", target.Tenant).
			Str("controller_id", target.ControllerID).
			Int64("action_id", action.ID).
			Msg("dispatcher: target has no address, message dropped")
		return nil
	}
	if action.Cancelling {
		return d.sendCancel(ctx, target, action.ID)
	}

	token, err := auth.RunAsSystem(ctx, target.Tenant, func(ctx context.Context) (string, error) {
		return d.controllers.SecurityToken(ctx, target.Tenant, target.ControllerID)
	})
	if err != nil && !errors.Is(err, dmf.ErrNotFound) {
		return dmf.WrapTransient(err)
	}

	request := d.buildUpdateRequest(target, action, token)
	return d.svc.SendEvent(ctx, target.Address, target.Tenant, target.ControllerID, dmf.TopicDownloadAndInstall, request)
}

// buildUpdateRequest converts the action's distribution set into the wire
// payload. An empty module set yields an empty list, not null.
func (d *Dispatcher) buildUpdateRequest(target *repo.Target, action *repo.Action, token string) dmf.DownloadAndUpdateRequest {
	modules := make([]dmf.SoftwareModule, 0, len(action.DistributionSet.Modules))
	for _, mod := range action.DistributionSet.Modules {
		modules = append(modules, d.convertModule(target, mod))
	}
	return dmf.DownloadAndUpdateRequest{
		ActionID:        action.ID,
		TargetToken:     token,
		SoftwareModules: modules,
	}
}

func (d *Dispatcher) convertModule(target *repo.Target, mod repo.SoftwareModule) dmf.SoftwareModule {
	artifacts := make([]dmf.Artifact, 0, len(mod.Artifacts))
	expires := d.now().Add(d.downloadCfg.URLTTL)
	for _, art := range mod.Artifacts {
		artifacts = append(artifacts, dmf.Artifact{
			Filename: art.Filename,
			Size:     art.Size,
			Hashes:   dmf.ArtifactHash{SHA1: art.SHA1, MD5: art.MD5},
			DownloadURL: download.BuildURL(
				d.downloadCfg.Hostname, expires, target.Tenant, target.ControllerID, mod.ID, art.Filename),
		})
	}
	return dmf.SoftwareModule{
		ModuleID:      mod.ID,
		ModuleType:    mod.Type,
		ModuleVersion: mod.Version,
		Artifacts:     artifacts,
	}
}
