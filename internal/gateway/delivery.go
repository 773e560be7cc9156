package gateway

// Delivery is one inbound broker message in transport-neutral form. It is
// constructed per delivery by the transport layer and discarded after
// handling.
type Delivery struct {
	// Type and Tenant are the mandatory DMF headers, raw as received.
	Type   string
	Tenant string
	// ThingID and Topic are present depending on the message type.
	ThingID string
	Topic   string

	Headers       map[string]string
	ContentType   string
	ReplyTo       string
	CorrelationID string
	// VirtualHost is the broker scope the delivery arrived on; together
	// with ReplyTo it forms a target's network address.
	VirtualHost string
	Body        []byte
}

// Acknowledger settles a delivery with the broker. Reject with requeue=false
// permanently discards the message.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}
