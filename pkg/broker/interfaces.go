package broker

import (
	"context"
	"time"
)

// ====================================================================================
// This file defines the contract between the relay loop and a message broker.
// Implementations wrap a vendor client; the relay never speaks a broker protocol
// itself.
// ====================================================================================

// Receiver is an exclusive handle on one subscription. It is not safe for
// concurrent use; each relay loop owns its own Receiver.
type Receiver interface {
	// Pull returns the next batch of at most maxCount messages in broker order.
	// A maxWait of zero waits until at least one message is available or ctx is
	// done. With a positive maxWait an empty batch is returned when it elapses.
	// If ctx is done the returned error wraps ctx.Err().
	Pull(ctx context.Context, maxCount int, maxWait time.Duration) ([]Message, error)
	// Ack tells the broker the message was processed; it is removed permanently.
	Ack(ctx context.Context, msg Message) error
	// Abandon returns the message to the subscription for redelivery.
	Abandon(ctx context.Context, msg Message) error
	// Close releases the receiver and its connection.
	Close() error
}

// LeaseExtender is implemented by receivers whose messages hold a renewable
// lock or ack deadline. The relay extends a message just before forwarding it.
type LeaseExtender interface {
	Extend(ctx context.Context, msg Message) error
}

// Connector establishes a Receiver. A failure here is fatal for the attempt.
type Connector func(ctx context.Context) (Receiver, error)

// EventPublisher emits small operational events (not payloads) to an external
// channel.
type EventPublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes any pending events and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// NopEventPublisher discards every event.
type NopEventPublisher struct{}

func (NopEventPublisher) Publish(context.Context, []byte, map[string]string) error { return nil }
func (NopEventPublisher) Stop(context.Context) error                              { return nil }
