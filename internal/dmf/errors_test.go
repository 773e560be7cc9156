package dmf_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/example/dmf-gateway/internal/dmf"
)

func TestIsRejectableClassification(t *testing.T) {
	rejectable := []error{
		dmf.WrapProtocolViolation(errors.New("bad header")),
		dmf.WrapAuthenticationFailure(errors.New("bad token")),
		dmf.WrapNotFound(errors.New("no such action")),
	}
	for _, err := range rejectable {
		if !dmf.IsRejectable(err) {
			t.Fatalf("expected %v to be rejectable", err)
		}
	}

	requeueable := []error{
		dmf.WrapTransient(errors.New("db down")),
		dmf.ErrUnresolvedDestination,
		errors.New("unclassified"),
	}
	for _, err := range requeueable {
		if dmf.IsRejectable(err) {
			t.Fatalf("expected %v not to be rejectable", err)
		}
	}
}

func TestWrapHelpersPreserveSentinel(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", dmf.WrapTransient(errors.New("inner")))
	if !errors.Is(wrapped, dmf.ErrTransientRepository) {
		t.Fatalf("expected sentinel to survive wrapping")
	}
	if dmf.WrapProtocolViolation(nil) != dmf.ErrProtocolViolation {
		t.Fatalf("expected bare sentinel for nil cause")
	}
}
