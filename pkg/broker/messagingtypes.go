package broker

import (
	"errors"
	"time"
)

// ErrNoBody is returned by Message.Data when a receiver produced a message
// without a payload accessor.
var ErrNoBody = errors.New("message has no body accessor")

// Message is a single delivery pulled from a subscription. It is owned by the
// caller of Receiver.Pull until it has been passed to exactly one of
// Receiver.Ack or Receiver.Abandon.
type Message struct {
	// ID is the broker-assigned message identifier. It is used for logging only;
	// two messages with the same payload are still distinct deliveries.
	ID string

	// Handle is the broker-issued token that ties this delivery to its Ack or
	// Abandon call (Pub/Sub ack id, AMQP delivery tag, SQS receipt handle).
	Handle string

	// Attributes holds broker metadata (Pub/Sub attributes, AMQP headers,
	// SQS message attributes).
	Attributes map[string]string

	// PublishTime is when the broker accepted the message, if known.
	PublishTime time.Time

	// DeliveryAttempt is the broker's delivery counter, starting at 1.
	// Zero means the broker does not report attempts.
	DeliveryAttempt int

	// Body extracts the raw payload. Receivers that must reassemble or verify
	// broker framing report failures here rather than failing the whole pull.
	Body func() ([]byte, error)
}

// Data returns the raw payload of the message.
func (m Message) Data() ([]byte, error) {
	if m.Body == nil {
		return nil, ErrNoBody
	}
	return m.Body()
}

// StaticBody returns a Body accessor for an already extracted payload.
func StaticBody(payload []byte) func() ([]byte, error) {
	return func() ([]byte, error) { return payload, nil }
}
