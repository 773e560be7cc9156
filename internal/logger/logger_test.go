package logger_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/example/dmf-gateway/internal/logger"
)

func TestNewWritesJSONToSuppliedWriter(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New("production", "info", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.Info().Str("component", "test").Msg("hello")
	out := buf.String()
	if !strings.Contains(out, `"component":"test"`) || !strings.Contains(out, `"message":"hello"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New("production", "warn", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.Info().Msg("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info should be suppressed at warn level: %s", buf.String())
	}
	log.Warn().Msg("visible")
	if buf.Len() == 0 {
		t.Fatalf("warn should be emitted")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := logger.New("production", "chatty"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
