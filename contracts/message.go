package contracts

import "encoding/json"

// Message is a delivery as presented to a handler
type Message struct {
	queue      string
	routingKey string
	retryCount int
	envelope   *Envelope
	raw        []byte
}

// NewMessage builds a message. env may be nil when raw could not be
// decoded.
func NewMessage(queue, routingKey string, retryCount int, env *Envelope, raw []byte) *Message {
	return &Message{
		queue:      queue,
		routingKey: routingKey,
		retryCount: retryCount,
		envelope:   env,
		raw:        raw,
	}
}

// Queue returns the queue the message was consumed from
func (m *Message) Queue() string { return m.queue }

// RoutingKey returns the routing key the message was originally
// published with
func (m *Message) RoutingKey() string { return m.routingKey }

// RetryCount returns how many attempts already failed
func (m *Message) RetryCount() int { return m.retryCount }

// Envelope returns the decoded envelope, or nil
func (m *Message) Envelope() *Envelope { return m.envelope }

// Raw returns the message bytes as received
func (m *Message) Raw() []byte { return m.raw }

// Body returns the envelope body, or nil
func (m *Message) Body() json.RawMessage {
	if m.envelope == nil {
		return nil
	}
	return m.envelope.Body()
}

// Decode unmarshals the envelope body into v
func (m *Message) Decode(v any) error {
	if m.envelope == nil {
		return ErrInvalidEnvelope
	}
	return m.envelope.Decode(v)
}

// ErrMsg returns the error recorded by the previous failed attempt
func (m *Message) ErrMsg() string {
	if m.envelope == nil {
		return ""
	}
	return m.envelope.ErrMsg()
}
