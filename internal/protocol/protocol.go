// Package protocol implements the base DMF protocol service: envelope
// validation, tolerant payload conversion and the single outbound send
// primitive every publish funnels through.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/dmf"
)

// Message is an outbound wire message. Headers carry the DMF protocol
// headers; Body is the already-serialized payload.
type Message struct {
	Type          dmf.MessageType
	Tenant        string
	Headers       map[string]string
	ContentType   string
	CorrelationID string
	Body          []byte
}

// Sender delivers a message to a broker address. The concrete implementation
// lives in the transport layer; handlers and the dispatcher only ever see
// this interface, which keeps every outbound publish interceptable.
type Sender interface {
	Send(ctx context.Context, address string, msg Message) error
}

// Service is the base protocol service shared by all handlers.
type Service struct {
	sender Sender
	logger zerolog.Logger
}

// New constructs the base protocol service.
func New(sender Sender, logger zerolog.Logger) (*Service, error) {
	if sender == nil {
		return nil, errors.New("protocol: sender is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Service{sender: sender, logger: logger}, nil
}

// SendMessage is the sole outbound egress point.
func (s *Service) SendMessage(ctx context.Context, address string, msg Message) error {
	if address == "" {
		return dmf.ErrUnresolvedDestination
	}
	if err := s.sender.Send(ctx, address, msg); err != nil {
		return fmt.Errorf("protocol: send to %s: %w", address, err)
	}
	return nil
}

// SendEvent serializes payload as JSON and sends it as an EVENT message with
// the given topic, addressed to a specific controller.
func (s *Service) SendEvent(ctx context.Context, address, tenant, controllerID string, topic dmf.EventTopic, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("protocol: marshal %s payload: %w", topic, err)
	}
	return s.SendMessage(ctx, address, Message{
		Type:        dmf.MessageEvent,
		Tenant:      tenant,
		ContentType: dmf.ContentTypeJSON,
		Headers: map[string]string{
			dmf.HeaderThingID: controllerID,
			dmf.HeaderTopic:   string(topic),
		},
		Body: body,
	})
}

// CheckContentType validates that a delivery carries the structured JSON
// content type. Everything else is a protocol violation.
func CheckContentType(contentType string) error {
	if contentType != dmf.ContentTypeJSON {
		return dmf.WrapProtocolViolation(fmt.Errorf("unsupported content type %q", contentType))
	}
	return nil
}

// ConvertBody decodes a JSON body into T. An empty or null body yields the
// zero value and no error so handlers can treat "nothing to convert" as a
// normal case. Unknown fields are ignored: controllers on newer protocol
// revisions may send properties this build does not know, and that must not
// poison the message. Malformed JSON is a protocol violation.
func ConvertBody[T any](body []byte) (T, error) {
	var out T
	if isEmptyBody(body) {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, dmf.WrapProtocolViolation(fmt.Errorf("decode body: %v", err))
	}
	return out, nil
}

// isEmptyBody treats nil, empty, JSON null and the serialized empty string
// as absent payloads. An empty byte body is serialized to a double-quoted
// string by some message converters and counts as empty too.
func isEmptyBody(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte(`""`))
}
