package amqp

import (
	"errors"
	"testing"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/example/dmf-gateway/internal/dmf"
)

func TestRoutingKeyFromAddress(t *testing.T) {
	cases := []struct {
		address string
		want    string
	}{
		{"amqp://vHost/MyTest", "MyTest"},
		{"amqp:///queue", "queue"},
		{"amqp://vHost/nested/queue", "nested/queue"},
	}
	for _, tc := range cases {
		got, err := routingKeyFromAddress(tc.address)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.address, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.address, tc.want, got)
		}
	}
}

func TestRoutingKeyFromAddressUnresolvable(t *testing.T) {
	for _, address := range []string{"", "http://host/queue", "amqp://vHostOnly", "amqp://vHost/"} {
		if _, err := routingKeyFromAddress(address); !errors.Is(err, dmf.ErrUnresolvedDestination) {
			t.Fatalf("expected unresolved destination for %q, got %v", address, err)
		}
	}
}

func TestTableToStrings(t *testing.T) {
	got := tableToStrings(amqp091.Table{
		"type":    "EVENT",
		"attempt": int32(3),
	})
	if got["type"] != "EVENT" {
		t.Fatalf("unexpected string value: %v", got)
	}
	if got["attempt"] != "3" {
		t.Fatalf("non-string values should be stringified: %v", got)
	}
	if out := tableToStrings(nil); out == nil || len(out) != 0 {
		t.Fatalf("expected empty map for nil table")
	}
}
