package gateway_test

import (
	"fmt"
	"testing"

	"github.com/example/dmf-gateway/internal/gateway"
)

func TestDedupSeenOnlyAfterMark(t *testing.T) {
	d, err := gateway.NewDedup(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Seen("ev-1") {
		t.Fatalf("unmarked id must not count as seen")
	}
	// Seen must not mark by itself; only Mark commits the id.
	if d.Seen("ev-1") {
		t.Fatalf("repeated peek must not mark the id")
	}
	d.Mark("ev-1")
	if !d.Seen("ev-1") {
		t.Fatalf("marked id must count as seen")
	}
}

func TestDedupNeverMatchesEmptyID(t *testing.T) {
	d, err := gateway.NewDedup(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Mark("")
	if d.Seen("") {
		t.Fatalf("empty ids must never deduplicate")
	}
}

func TestDedupEvictsOldestBeyondCapacity(t *testing.T) {
	d, err := gateway.NewDedup(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Mark("ev-1")
	for i := 2; i < 10; i++ {
		d.Mark(fmt.Sprintf("ev-%d", i))
	}
	if d.Seen("ev-1") {
		t.Fatalf("expected oldest id to be evicted")
	}
}

func TestDedupRejectsNonPositiveSize(t *testing.T) {
	if _, err := gateway.NewDedup(0); err == nil {
		t.Fatalf("expected error for size 0")
	}
}
