package dmf_test

import (
	"errors"
	"testing"

	"github.com/example/dmf-gateway/internal/dmf"
)

func TestParseMessageTypeRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "THING_DELETED", "event", "PING_RESPONSE"} {
		if _, err := dmf.ParseMessageType(raw); !errors.Is(err, dmf.ErrProtocolViolation) {
			t.Fatalf("expected protocol violation for %q, got %v", raw, err)
		}
	}
	for _, raw := range []string{"THING_CREATED", "EVENT", "PING"} {
		got, err := dmf.ParseMessageType(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if string(got) != raw {
			t.Fatalf("expected %q, got %q", raw, got)
		}
	}
}

func TestParseEventTopicRejectsOutboundAndUnknown(t *testing.T) {
	for _, raw := range []string{"", "DOWNLOAD_AND_INSTALL", "CANCEL_DOWNLOAD", "bogus"} {
		if _, err := dmf.ParseEventTopic(raw); !errors.Is(err, dmf.ErrProtocolViolation) {
			t.Fatalf("expected protocol violation for %q, got %v", raw, err)
		}
	}
	for _, raw := range []string{"UPDATE_ACTION_STATUS", "DOWNLOAD_AND_INSTALL_ACK", "CANCEL_DOWNLOAD_ACK"} {
		if _, err := dmf.ParseEventTopic(raw); err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
	}
}

func TestActionStatusTerminality(t *testing.T) {
	terminal := []dmf.ActionStatus{dmf.StatusFinished, dmf.StatusError, dmf.StatusCanceled, dmf.StatusCancelRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	open := []dmf.ActionStatus{dmf.StatusDownload, dmf.StatusRetrieved, dmf.StatusRunning, dmf.StatusWarning}
	for _, s := range open {
		if s.IsTerminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestParseActionStatusRejectsUnknown(t *testing.T) {
	if _, err := dmf.ParseActionStatus("REBOOTING"); !errors.Is(err, dmf.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestFileResourceValidRequiresExactlyOneMode(t *testing.T) {
	cases := []struct {
		name  string
		res   dmf.FileResource
		valid bool
	}{
		{"by hash", dmf.FileResource{SHA1: "abc"}, true},
		{"by module and filename", dmf.FileResource{ModuleID: 3, Filename: "fw.bin"}, true},
		{"empty", dmf.FileResource{}, false},
		{"both modes", dmf.FileResource{SHA1: "abc", ModuleID: 3, Filename: "fw.bin"}, false},
		{"module without filename", dmf.FileResource{ModuleID: 3}, false},
		{"filename without module", dmf.FileResource{Filename: "fw.bin"}, false},
	}
	for _, tc := range cases {
		if got := tc.res.Valid(); got != tc.valid {
			t.Fatalf("%s: expected valid=%v, got %v", tc.name, tc.valid, got)
		}
	}
}

func TestSecurityCredentialValidate(t *testing.T) {
	var nilCred *dmf.SecurityCredential
	if err := nilCred.Validate(); !errors.Is(err, dmf.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for nil credential, got %v", err)
	}
	if err := (&dmf.SecurityCredential{Tenant: "DEFAULT"}).Validate(); !errors.Is(err, dmf.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for missing controllerId, got %v", err)
	}
	if err := (&dmf.SecurityCredential{Tenant: "DEFAULT", ControllerID: "dev1"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
