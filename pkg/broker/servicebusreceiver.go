package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Azure Service Bus Receiver Implementation ---

// ServiceBusReceiverConfig holds configuration for a peek-lock receiver on a
// Service Bus topic subscription.
type ServiceBusReceiverConfig struct {
	// ConnectionString may carry UseDevelopmentEmulator=true for the local emulator.
	ConnectionString string
	Topic            string
	Subscription     string
	ConnectTimeout   time.Duration
	CloseTimeout     time.Duration
}

// NewServiceBusReceiverDefaults provides a config with sensible defaults.
func NewServiceBusReceiverDefaults(connectionString, topic, subscription string) *ServiceBusReceiverConfig {
	return &ServiceBusReceiverConfig{
		ConnectionString: connectionString,
		Topic:            topic,
		Subscription:     subscription,
		ConnectTimeout:   20 * time.Second,
		CloseTimeout:     10 * time.Second,
	}
}

type serviceBusAPI interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	RenewMessageLock(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.RenewMessageLockOptions) error
	Close(ctx context.Context) error
}

// ServiceBusReceiver receives in peek-lock mode. A message stays locked to
// this receiver until it is completed, abandoned or its lock expires.
type ServiceBusReceiver struct {
	client       serviceBusAPI
	closeTimeout time.Duration
	closeClient  func(ctx context.Context) error
	logger       zerolog.Logger

	mu sync.Mutex
	// pending maps a lock token to the message the SDK needs to settle it.
	pending map[string]*azservicebus.ReceivedMessage
}

// NewServiceBusReceiver verifies the subscription by peeking it and returns a
// receiver that owns client.
func NewServiceBusReceiver(ctx context.Context, cfg *ServiceBusReceiverConfig, client serviceBusAPI, logger zerolog.Logger) (*ServiceBusReceiver, error) {
	if client == nil {
		return nil, NewError(Fatal, "connect", errors.New("service bus receiver cannot be nil"))
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, NewError(Fatal, "connect", errors.New("service bus topic and subscription are required"))
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	peekCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.PeekMessages(peekCtx, 1, nil); err != nil {
		// Every failure on the first call is fatal for this attempt.
		return nil, NewError(Fatal, "connect", fmt.Errorf("subscription %s/%s: %w", cfg.Topic, cfg.Subscription, err))
	}

	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 10 * time.Second
	}
	r := &ServiceBusReceiver{
		client:       client,
		closeTimeout: closeTimeout,
		pending:      make(map[string]*azservicebus.ReceivedMessage),
		logger: logger.With().
			Str("component", "ServiceBusReceiver").
			Str("topic", cfg.Topic).
			Str("subscription", cfg.Subscription).
			Logger(),
	}
	r.logger.Info().Msg("Service Bus receiver connected.")
	return r, nil
}

// ServiceBusConnector returns a Connector that opens a new client and
// subscription receiver for every connection attempt.
func ServiceBusConnector(cfg *ServiceBusReceiverConfig, logger zerolog.Logger) Connector {
	return func(ctx context.Context) (Receiver, error) {
		client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, NewError(Fatal, "connect", fmt.Errorf("failed to create service bus client: %w", err))
		}
		receiver, err := client.NewReceiverForSubscription(cfg.Topic, cfg.Subscription, &azservicebus.ReceiverOptions{
			ReceiveMode: azservicebus.ReceiveModePeekLock,
		})
		if err != nil {
			_ = client.Close(ctx)
			return nil, NewError(Fatal, "connect", fmt.Errorf("failed to create service bus receiver: %w", err))
		}
		r, err := NewServiceBusReceiver(ctx, cfg, receiver, logger)
		if err != nil {
			_ = receiver.Close(ctx)
			_ = client.Close(ctx)
			return nil, err
		}
		r.closeClient = client.Close
		return r, nil
	}
}

// Pull receives up to maxCount messages. ReceiveMessages blocks until at
// least one message arrives, so maxWait bounds each call with a deadline.
func (r *ServiceBusReceiver) Pull(ctx context.Context, maxCount int, maxWait time.Duration) ([]Message, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	var deadline time.Time
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, nil
		}

		recvCtx, cancel := ctx, context.CancelFunc(func() {})
		if !deadline.IsZero() {
			recvCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		received, err := r.client.ReceiveMessages(recvCtx, maxCount, nil)
		expired := recvCtx.Err() != nil
		cancel()

		if len(received) > 0 {
			return r.track(received), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if expired {
				return nil, nil
			}
			return nil, classifyServiceBus("pull", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(emptyPullDelay):
		}
	}
}

func (r *ServiceBusReceiver) track(received []*azservicebus.ReceivedMessage) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]Message, 0, len(received))
	for _, rm := range received {
		msg := toServiceBusMessage(rm)
		r.pending[msg.Handle] = rm
		msgs = append(msgs, msg)
	}
	return msgs
}

func toServiceBusMessage(rm *azservicebus.ReceivedMessage) Message {
	attrs := make(map[string]string, len(rm.ApplicationProperties)+1)
	for k, v := range rm.ApplicationProperties {
		attrs[k] = fmt.Sprint(v)
	}
	if rm.Subject != nil {
		attrs["subject"] = *rm.Subject
	}
	payloadCopy := make([]byte, len(rm.Body))
	copy(payloadCopy, rm.Body)

	msg := Message{
		ID:              rm.MessageID,
		Handle:          uuid.UUID(rm.LockToken).String(),
		Attributes:      attrs,
		DeliveryAttempt: int(rm.DeliveryCount),
		Body:            StaticBody(payloadCopy),
	}
	if rm.EnqueuedTime != nil {
		msg.PublishTime = *rm.EnqueuedTime
	}
	return msg
}

// take removes and returns the locked message behind handle. Each handle
// can be settled once.
func (r *ServiceBusReceiver) take(op string, msg Message) (*azservicebus.ReceivedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.pending[msg.Handle]
	if !ok {
		return nil, NewError(Fatal, op, fmt.Errorf("unknown lock token %q for message %s", msg.Handle, msg.ID))
	}
	delete(r.pending, msg.Handle)
	return rm, nil
}

// Ack completes the message, removing it from the subscription.
func (r *ServiceBusReceiver) Ack(ctx context.Context, msg Message) error {
	rm, err := r.take("ack", msg)
	if err != nil {
		return err
	}
	return classifyServiceBus("ack", r.client.CompleteMessage(ctx, rm, nil))
}

// Abandon releases the lock so the message is redelivered.
func (r *ServiceBusReceiver) Abandon(ctx context.Context, msg Message) error {
	rm, err := r.take("abandon", msg)
	if err != nil {
		return err
	}
	return classifyServiceBus("abandon", r.client.AbandonMessage(ctx, rm, nil))
}

// Extend renews the message lock.
func (r *ServiceBusReceiver) Extend(ctx context.Context, msg Message) error {
	r.mu.Lock()
	rm, ok := r.pending[msg.Handle]
	r.mu.Unlock()
	if !ok {
		return NewError(Fatal, "extend", fmt.Errorf("unknown lock token %q for message %s", msg.Handle, msg.ID))
	}
	return classifyServiceBus("extend", r.client.RenewMessageLock(ctx, rm, nil))
}

// Close closes the receiver and, when it owns one, the client. Locks still
// held expire on the broker side.
func (r *ServiceBusReceiver) Close() error {
	r.logger.Info().Msg("Closing Service Bus receiver.")
	ctx, cancel := context.WithTimeout(context.Background(), r.closeTimeout)
	defer cancel()
	err := r.client.Close(ctx)
	if r.closeClient != nil {
		err = errors.Join(err, r.closeClient(ctx))
	}
	return err
}

func classifyServiceBus(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeUnauthorizedAccess, azservicebus.CodeNotFound:
			return NewError(Fatal, op, err)
		}
	}
	return NewError(Transient, op, err)
}
