package protocol_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/protocol"
)

type senderStub struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

type sentMessage struct {
	address string
	msg     protocol.Message
}

func (s *senderStub) Send(ctx context.Context, address string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{address: address, msg: msg})
	return nil
}

func newService(t *testing.T, sender *senderStub) *protocol.Service {
	t.Helper()
	svc, err := protocol.New(sender, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return svc
}

func TestSendMessageRejectsEmptyAddress(t *testing.T) {
	svc := newService(t, &senderStub{})
	err := svc.SendMessage(context.Background(), "", protocol.Message{Type: dmf.MessageEvent})
	if !errors.Is(err, dmf.ErrUnresolvedDestination) {
		t.Fatalf("expected unresolved destination, got %v", err)
	}
}

func TestSendEventSetsEnvelope(t *testing.T) {
	sender := &senderStub{}
	svc := newService(t, sender)

	payload := dmf.CancelRequest{ActionID: 7}
	err := svc.SendEvent(context.Background(), "amqp://vh/q", "DEFAULT", "dev1", dmf.TopicCancelDownload, payload)
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	got := sender.sent[0]
	if got.address != "amqp://vh/q" {
		t.Fatalf("unexpected address %q", got.address)
	}
	if got.msg.Type != dmf.MessageEvent || got.msg.Tenant != "DEFAULT" {
		t.Fatalf("unexpected envelope: %+v", got.msg)
	}
	if got.msg.Headers[dmf.HeaderThingID] != "dev1" || got.msg.Headers[dmf.HeaderTopic] != "CANCEL_DOWNLOAD" {
		t.Fatalf("unexpected headers: %v", got.msg.Headers)
	}
	if got.msg.ContentType != dmf.ContentTypeJSON {
		t.Fatalf("unexpected content type %q", got.msg.ContentType)
	}

	var decoded dmf.CancelRequest
	if err := json.Unmarshal(got.msg.Body, &decoded); err != nil {
		t.Fatalf("body not valid json: %v", err)
	}
	if decoded.ActionID != 7 {
		t.Fatalf("unexpected body %s", got.msg.Body)
	}
}

func TestCheckContentType(t *testing.T) {
	if err := protocol.CheckContentType(dmf.ContentTypeJSON); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ct := range []string{"", "text/plain", "application/xml"} {
		if err := protocol.CheckContentType(ct); !errors.Is(err, dmf.ErrProtocolViolation) {
			t.Fatalf("expected protocol violation for %q, got %v", ct, err)
		}
	}
}

func TestConvertBodyToleratesAbsentPayloads(t *testing.T) {
	for _, body := range [][]byte{nil, {}, []byte("  "), []byte("null"), []byte(`""`)} {
		got, err := protocol.ConvertBody[dmf.CreateThing](body)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", body, err)
		}
		if got.Name != "" {
			t.Fatalf("expected zero value for %q, got %+v", body, got)
		}
	}
}

func TestConvertBodyRejectsMalformedJSON(t *testing.T) {
	if _, err := protocol.ConvertBody[dmf.CreateThing]([]byte("{not json")); !errors.Is(err, dmf.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestConvertBodyIgnoresUnknownFields(t *testing.T) {
	// Controllers on newer protocol revisions may send extra properties;
	// they must not poison the message.
	got, err := protocol.ConvertBody[dmf.ActionStatusUpdate](
		[]byte(`{"actionId":4,"actionStatus":"RUNNING","code":207}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ActionID != 4 || got.Status != dmf.StatusRunning {
		t.Fatalf("unexpected update: %+v", got)
	}
}

func TestConvertBodyDecodesStatusUpdate(t *testing.T) {
	body := []byte(`{"actionId":12,"actionStatus":"FINISHED","message":["done"],"timestamp":1700000000000}`)
	upd, err := protocol.ConvertBody[dmf.ActionStatusUpdate](body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upd.ActionID != 12 || upd.Status != dmf.StatusFinished || upd.OccurredAt != 1700000000000 {
		t.Fatalf("unexpected update: %+v", upd)
	}
}

func TestUpdateRequestMarshalsEmptyModuleList(t *testing.T) {
	body, err := json.Marshal(dmf.DownloadAndUpdateRequest{ActionID: 3, SoftwareModules: []dmf.SoftwareModule{}})
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	if !strings.Contains(string(body), `"softwareModules":[]`) {
		t.Fatalf("expected empty list, got %s", body)
	}
}
