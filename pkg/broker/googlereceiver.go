package broker

import (
	"context"
	"fmt"
	"os"
	"time"

	vkit "cloud.google.com/go/pubsub/apiv1"
	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// --- Google Cloud Pub/Sub Receiver Implementation ---

// GooglePubsubReceiverConfig holds configuration for a synchronous-pull Pub/Sub receiver.
type GooglePubsubReceiverConfig struct {
	ProjectID       string
	SubscriptionID  string
	TopicID         string // Optional; when set the subscription must be attached to it.
	CredentialsFile string // Optional
	// EmulatorHost overrides PUBSUB_EMULATOR_HOST when non-empty.
	EmulatorHost   string
	ConnectTimeout time.Duration
	// AckExtension is the ack deadline set by Extend when a message starts
	// processing. Pub/Sub caps it at 600 seconds.
	AckExtension time.Duration
}

// NewGooglePubsubReceiverDefaults provides a config with sensible defaults.
// A receiver will always need a project and a subscription.
func NewGooglePubsubReceiverDefaults(projectID, subID string) *GooglePubsubReceiverConfig {
	return &GooglePubsubReceiverConfig{
		ProjectID:      projectID,
		SubscriptionID: subID,
		EmulatorHost:   os.Getenv("PUBSUB_EMULATOR_HOST"),
		ConnectTimeout: 20 * time.Second,
		AckExtension:   60 * time.Second,
	}
}

// emptyPullDelay spaces out Pull RPCs that come back with no messages.
const emptyPullDelay = 100 * time.Millisecond

const maxAckDeadline = 600 * time.Second

// ClientOptions returns the client options implied by the config: a
// credentials file, or an unauthenticated plaintext connection to an emulator.
func (cfg *GooglePubsubReceiverConfig) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if cfg.EmulatorHost != "" {
		return append(opts,
			option.WithEndpoint(cfg.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return opts
}

// GooglePubsubReceiver pulls batches from a Pub/Sub subscription with the
// synchronous Pull RPC, so every message is settled explicitly by ack id.
type GooglePubsubReceiver struct {
	client       *vkit.SubscriberClient
	subPath      string
	ackExtension int32
	logger       zerolog.Logger
}

// NewGooglePubsubReceiver verifies the subscription and returns a receiver
// that owns client. Close closes the client.
func NewGooglePubsubReceiver(
	ctx context.Context,
	cfg *GooglePubsubReceiverConfig,
	client *vkit.SubscriberClient,
	logger zerolog.Logger,
) (*GooglePubsubReceiver, error) {
	if client == nil {
		return nil, NewError(Fatal, "connect", fmt.Errorf("pubsub subscriber client cannot be nil"))
	}
	if cfg.ProjectID == "" || cfg.SubscriptionID == "" {
		return nil, NewError(Fatal, "connect", fmt.Errorf("project and subscription are required"))
	}
	subPath := fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.SubscriptionID)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	subContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sub, err := client.GetSubscription(subContext, &pb.GetSubscriptionRequest{Subscription: subPath})
	if err != nil {
		return nil, grpcError("connect", fmt.Errorf("subscription %s: %w", cfg.SubscriptionID, err))
	}
	if cfg.TopicID != "" {
		topicPath := fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.TopicID)
		if sub.GetTopic() != topicPath {
			return nil, NewError(Fatal, "connect",
				fmt.Errorf("subscription %s is attached to %s, not %s", cfg.SubscriptionID, sub.GetTopic(), topicPath))
		}
	}

	extension := cfg.AckExtension
	if extension <= 0 {
		extension = 60 * time.Second
	}
	if extension > maxAckDeadline {
		extension = maxAckDeadline
	}

	logger.Info().Str("subscription_id", cfg.SubscriptionID).Str("topic", sub.GetTopic()).Msg("Pub/Sub receiver connected.")
	return &GooglePubsubReceiver{
		client:       client,
		subPath:      subPath,
		ackExtension: int32(extension / time.Second),
		logger:       logger.With().Str("component", "GooglePubsubReceiver").Str("subscription_id", cfg.SubscriptionID).Logger(),
	}, nil
}

// GooglePubsubConnector returns a Connector that dials a new subscriber client
// for every connection attempt.
func GooglePubsubConnector(cfg *GooglePubsubReceiverConfig, logger zerolog.Logger, opts ...option.ClientOption) Connector {
	return func(ctx context.Context) (Receiver, error) {
		allOpts := append(cfg.ClientOptions(), opts...)
		client, err := vkit.NewSubscriberClient(ctx, allOpts...)
		if err != nil {
			return nil, NewError(Fatal, "connect", fmt.Errorf("failed to create pubsub subscriber client: %w", err))
		}
		r, err := NewGooglePubsubReceiver(ctx, cfg, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return r, nil
	}
}

// Pull issues Pull RPCs until at least one message arrives, maxWait elapses
// or ctx is done.
func (r *GooglePubsubReceiver) Pull(ctx context.Context, maxCount int, maxWait time.Duration) ([]Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	pullCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	req := &pb.PullRequest{Subscription: r.subPath, MaxMessages: int32(maxCount)}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pullCtx.Err() != nil {
			return nil, nil
		}
		resp, err := r.client.Pull(pullCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if pullCtx.Err() != nil {
				return nil, nil
			}
			return nil, grpcError("pull", err)
		}
		if len(resp.GetReceivedMessages()) == 0 {
			select {
			case <-pullCtx.Done():
			case <-time.After(emptyPullDelay):
			}
			continue
		}
		return toMessages(resp.GetReceivedMessages()), nil
	}
}

func toMessages(received []*pb.ReceivedMessage) []Message {
	msgs := make([]Message, 0, len(received))
	for _, rm := range received {
		pm := rm.GetMessage()
		payloadCopy := make([]byte, len(pm.GetData()))
		copy(payloadCopy, pm.GetData())

		msg := Message{
			ID:              pm.GetMessageId(),
			Handle:          rm.GetAckId(),
			Attributes:      pm.GetAttributes(),
			DeliveryAttempt: int(rm.GetDeliveryAttempt()),
			Body:            StaticBody(payloadCopy),
		}
		if pm.GetPublishTime() != nil {
			msg.PublishTime = pm.GetPublishTime().AsTime()
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// Ack acknowledges the message by ack id.
func (r *GooglePubsubReceiver) Ack(ctx context.Context, msg Message) error {
	err := r.client.Acknowledge(ctx, &pb.AcknowledgeRequest{
		Subscription: r.subPath,
		AckIds:       []string{msg.Handle},
	})
	return grpcError("ack", err)
}

// Abandon sets the ack deadline to zero so the message is redelivered immediately.
func (r *GooglePubsubReceiver) Abandon(ctx context.Context, msg Message) error {
	err := r.client.ModifyAckDeadline(ctx, &pb.ModifyAckDeadlineRequest{
		Subscription:       r.subPath,
		AckIds:             []string{msg.Handle},
		AckDeadlineSeconds: 0,
	})
	return grpcError("abandon", err)
}

// Extend pushes the message's ack deadline out by the configured extension so
// it does not expire while earlier messages of its batch are being forwarded.
func (r *GooglePubsubReceiver) Extend(ctx context.Context, msg Message) error {
	err := r.client.ModifyAckDeadline(ctx, &pb.ModifyAckDeadlineRequest{
		Subscription:       r.subPath,
		AckIds:             []string{msg.Handle},
		AckDeadlineSeconds: r.ackExtension,
	})
	return grpcError("extend", err)
}

// Close closes the underlying subscriber client.
func (r *GooglePubsubReceiver) Close() error {
	r.logger.Info().Msg("Closing Pub/Sub receiver.")
	return r.client.Close()
}
