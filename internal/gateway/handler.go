// Package gateway contains the inbound DMF message handlers, the action
// status state machine and the outbound dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/auth"
	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/download"
	"github.com/example/dmf-gateway/internal/protocol"
	"github.com/example/dmf-gateway/internal/repo"
)

// Handler routes inbound deliveries to the protocol-specific handlers.
type Handler struct {
	svc         *protocol.Service
	downloads   *download.Service
	controllers repo.ControllerManagement
	status      *StatusMachine
	dispatcher  *Dispatcher
	logger      zerolog.Logger
	now         func() time.Time
}

// HandlerDeps collects the collaborators the handler requires.
type HandlerDeps struct {
	Protocol    *protocol.Service
	Downloads   *download.Service
	Controllers repo.ControllerManagement
	Status      *StatusMachine
	Dispatcher  *Dispatcher
	Logger      zerolog.Logger
	Now         func() time.Time
}

// NewHandler constructs a Handler, validating all dependencies upfront.
func NewHandler(deps HandlerDeps) (*Handler, error) {
	if deps.Protocol == nil {
		return nil, errors.New("gateway: protocol service is required")
	}
	if deps.Downloads == nil {
		return nil, errors.New("gateway: download service is required")
	}
	if deps.Controllers == nil {
		return nil, errors.New("gateway: controller management is required")
	}
	if deps.Status == nil {
		return nil, errors.New("gateway: status machine is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Handler{
		svc:         deps.Protocol,
		downloads:   deps.Downloads,
		controllers: deps.Controllers,
		status:      deps.Status,
		dispatcher:  deps.Dispatcher,
		logger:      logger,
		now:         nowFunc,
	}, nil
}

// OnMessage handles one delivery from the receiver queue. The returned
// error classifies the failure; the listener translates it into the broker
// acknowledgement.
func (h *Handler) OnMessage(ctx context.Context, d Delivery) error {
	if d.Type == "" || d.Tenant == "" {
		return dmf.WrapProtocolViolation(errors.New("tenant and type headers are mandatory"))
	}
	msgType, err := dmf.ParseMessageType(d.Type)
	if err != nil {
		return err
	}

	// The tenant scope for this one delivery; no ambient state survives
	// the call.
	ctx = auth.WithPrincipal(ctx, auth.Principal{Tenant: d.Tenant})

	switch msgType {
	case dmf.MessageThingCreated:
		return h.registerTarget(ctx, d)
	case dmf.MessageEvent:
		if err := protocol.CheckContentType(d.ContentType); err != nil {
			return err
		}
		return h.handleEvent(ctx, d)
	case dmf.MessagePing:
		return h.handlePing(ctx, d)
	default:
		return dmf.WrapProtocolViolation(fmt.Errorf("no handler for message type %s", msgType))
	}
}

// registerTarget creates the target if it does not exist yet, keyed by
// (tenant, controllerId), and pushes the oldest pending action when one is
// already queued. A missing thingId or replyTo rejects the message before
// any record is created.
func (h *Handler) registerTarget(ctx context.Context, d Delivery) error {
	thingID := strings.TrimSpace(d.ThingID)
	if thingID == "" {
		return dmf.WrapProtocolViolation(errors.New("thingId header is missing for THING_CREATED"))
	}
	if d.ReplyTo == "" {
		return dmf.WrapProtocolViolation(errors.New("no replyTo was set for the THING_CREATED message"))
	}

	var name string
	if len(d.Body) > 0 {
		if err := protocol.CheckContentType(d.ContentType); err != nil {
			return err
		}
		body, err := protocol.ConvertBody[dmf.CreateThing](d.Body)
		if err != nil {
			return err
		}
		name = body.Name
	}

	address := amqpAddress(d.VirtualHost, d.ReplyTo)
	target, err := h.controllers.FindOrRegisterTarget(ctx, d.Tenant, thingID, address, name)
	if err != nil {
		return dmf.WrapTransient(err)
	}
	h.logger.Info().
		Str("tenant", d.Tenant).
		Str("controller_id", thingID).
		Str("address", address).
		Msg("gateway: target reported online")

	next, err := h.controllers.FindOldestActiveAction(ctx, d.Tenant, target.ID)
	if err != nil {
		return dmf.WrapTransient(err)
	}
	if next == nil {
		return nil
	}
	return h.dispatcher.PushAction(ctx, target, next)
}

// handleEvent routes an EVENT delivery by its topic tag. An unrecognized
// topic is rejected, never silently ignored.
func (h *Handler) handleEvent(ctx context.Context, d Delivery) error {
	topic, err := dmf.ParseEventTopic(d.Topic)
	if err != nil {
		return err
	}
	switch topic {
	case dmf.TopicUpdateActionStatus, dmf.TopicDownloadAndInstallAck, dmf.TopicCancelDownloadAck:
		return h.updateActionStatus(ctx, d)
	default:
		return dmf.WrapProtocolViolation(fmt.Errorf("no handler for event topic %s", topic))
	}
}

// updateActionStatus validates the referenced action and delegates to the
// state machine. An unknown actionId is rejected without creating a status
// row.
func (h *Handler) updateActionStatus(ctx context.Context, d Delivery) error {
	upd, err := protocol.ConvertBody[dmf.ActionStatusUpdate](d.Body)
	if err != nil {
		return err
	}
	if upd.ActionID == 0 {
		return dmf.WrapProtocolViolation(errors.New("status update without actionId"))
	}

	action, err := h.controllers.FindActionWithDetails(ctx, d.Tenant, upd.ActionID)
	if err != nil {
		if errors.Is(err, dmf.ErrNotFound) {
			return dmf.WrapProtocolViolation(
				fmt.Errorf("notification about action %d but action does not exist", upd.ActionID))
		}
		return dmf.WrapTransient(err)
	}

	if d.CorrelationID != "" {
		upd.Messages = append(upd.Messages, "DMF message correlation-id "+d.CorrelationID)
	}
	return h.status.Apply(ctx, d.Tenant, action, upd)
}

// handlePing answers a ping carrying a correlation id with a plain-text
// timestamp; pings without one are dropped quietly.
func (h *Handler) handlePing(ctx context.Context, d Delivery) error {
	if d.CorrelationID == "" || d.ReplyTo == "" {
		return nil
	}
	return h.svc.SendMessage(ctx, amqpAddress(d.VirtualHost, d.ReplyTo), protocol.Message{
		Type:          dmf.MessagePingResponse,
		Tenant:        d.Tenant,
		ContentType:   "text/plain",
		CorrelationID: d.CorrelationID,
		Body:          []byte(strconv.FormatInt(h.now().UnixMilli(), 10)),
	})
}

// OnAuthenticationRequest handles the request/response authentication and
// download flow. The reply always carries a definitive response code;
// authentication failures become a 403 body rather than a transport error.
func (h *Handler) OnAuthenticationRequest(ctx context.Context, d Delivery) error {
	if d.ReplyTo == "" {
		return dmf.WrapProtocolViolation(errors.New("no replyTo was set for the authentication request"))
	}
	if err := protocol.CheckContentType(d.ContentType); err != nil {
		return err
	}
	cred, err := protocol.ConvertBody[*dmf.SecurityCredential](d.Body)
	if err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}

	response, err := h.downloads.AuthorizeDownload(ctx, cred)
	if err != nil {
		// Transient only; propagate for broker redelivery.
		return err
	}

	h.logger.Info().
		Str("tenant", cred.Tenant).
		Str("controller_id", cred.ControllerID).
		Int("code", response.Code).
		Msg("gateway: authentication request answered")

	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("gateway: marshal download response: %w", err)
	}
	return h.svc.SendMessage(ctx, amqpAddress(d.VirtualHost, d.ReplyTo), protocol.Message{
		Type:          dmf.MessageEvent,
		Tenant:        cred.Tenant,
		ContentType:   dmf.ContentTypeJSON,
		CorrelationID: d.CorrelationID,
		Headers:       map[string]string{dmf.HeaderThingID: cred.ControllerID},
		Body:          body,
	})
}

// amqpAddress derives a target's network address from the broker virtual
// host and the replyTo routing key of its message. A replyTo that is
// already a full amqp URI is taken as-is.
func amqpAddress(virtualHost, replyTo string) string {
	if strings.HasPrefix(replyTo, "amqp://") {
		return replyTo
	}
	vhost := strings.Trim(virtualHost, "/")
	if vhost == "" {
		return "amqp:///" + replyTo
	}
	return "amqp://" + vhost + "/" + replyTo
}
