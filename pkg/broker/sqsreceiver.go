package broker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// --- AWS SQS Receiver Implementation ---

// SQSReceiverConfig holds configuration for an SQS queue receiver. With SNS
// fan-out the queue is the subscription and the SNS topic is the topic.
type SQSReceiverConfig struct {
	QueueURL string
	Region   string // Optional; the default AWS provider chain applies otherwise.
	Endpoint string // Optional; e.g. a localstack endpoint.
	// WaitTimeSeconds is the long-poll duration of one ReceiveMessage call (0-20).
	WaitTimeSeconds int32
}

// NewSQSReceiverDefaults provides a config with sensible defaults.
func NewSQSReceiverDefaults(queueURL string) *SQSReceiverConfig {
	return &SQSReceiverConfig{
		QueueURL:        queueURL,
		WaitTimeSeconds: 20,
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSReceiver long-polls an SQS queue. Abandon resets the visibility timeout
// to zero so the message is visible again immediately.
type SQSReceiver struct {
	client      sqsAPI
	queueURL    string
	queueURLPtr *string
	waitSeconds int32
	logger      zerolog.Logger
}

// NewSQSReceiver verifies the queue is reachable and returns a receiver.
func NewSQSReceiver(ctx context.Context, cfg *SQSReceiverConfig, client sqsAPI, logger zerolog.Logger) (*SQSReceiver, error) {
	if client == nil {
		return nil, NewError(Fatal, "connect", errors.New("sqs client cannot be nil"))
	}
	if cfg.QueueURL == "" {
		return nil, NewError(Fatal, "connect", errors.New("sqs queue url is required"))
	}
	wait := cfg.WaitTimeSeconds
	if wait < 0 || wait > 20 {
		wait = 20
	}
	r := &SQSReceiver{
		client:      client,
		queueURL:    cfg.QueueURL,
		waitSeconds: wait,
		logger:      logger.With().Str("component", "SQSReceiver").Str("queue_url", cfg.QueueURL).Logger(),
	}
	r.queueURLPtr = &r.queueURL

	_, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       r.queueURLPtr,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		// Every failure on the first call is fatal for this attempt.
		return nil, NewError(Fatal, "connect", fmt.Errorf("queue %s: %w", cfg.QueueURL, err))
	}
	r.logger.Info().Msg("SQS receiver connected.")
	return r, nil
}

// SQSConnector returns a Connector that loads AWS configuration from the
// default provider chain.
func SQSConnector(cfg *SQSReceiverConfig, logger zerolog.Logger) Connector {
	return func(ctx context.Context) (Receiver, error) {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, NewError(Fatal, "connect", fmt.Errorf("failed to load aws config: %w", err))
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		return NewSQSReceiver(ctx, cfg, client, logger)
	}
}

// Pull repeats long-poll requests until messages arrive, maxWait elapses or
// ctx is done.
func (r *SQSReceiver) Pull(ctx context.Context, maxCount int, maxWait time.Duration) ([]Message, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	if maxCount > 10 {
		maxCount = 10
	}
	var deadline time.Time
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := r.waitSeconds
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			if secs := int32(remaining / time.Second); secs < wait {
				wait = secs
			}
		}

		// Leave headroom over the long-poll duration for the HTTP round trip.
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(wait+5)*time.Second)
		out, err := r.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              r.queueURLPtr,
			MaxNumberOfMessages:   int32(maxCount),
			WaitTimeSeconds:       wait,
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
				sqstypes.MessageSystemAttributeNameSentTimestamp,
			},
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classifySQS("pull", err)
		}
		if len(out.Messages) == 0 {
			if wait == 0 {
				// A zero-second poll returns at once; avoid spinning until the deadline.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
			}
			continue
		}

		msgs := make([]Message, 0, len(out.Messages))
		for i := range out.Messages {
			msgs = append(msgs, toSQSMessage(out.Messages[i]))
		}
		return msgs, nil
	}
}

func toSQSMessage(m sqstypes.Message) Message {
	attrs := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		attrs[k] = aws.ToString(v.StringValue)
	}
	msg := Message{
		ID:         aws.ToString(m.MessageId),
		Handle:     aws.ToString(m.ReceiptHandle),
		Attributes: attrs,
	}
	if n, err := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.DeliveryAttempt = n
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.PublishTime = time.UnixMilli(ms)
	}

	body := aws.ToString(m.Body)
	wantMD5 := aws.ToString(m.MD5OfBody)
	msg.Body = func() ([]byte, error) {
		if wantMD5 != "" {
			sum := md5.Sum([]byte(body))
			if got := hex.EncodeToString(sum[:]); got != wantMD5 {
				return nil, fmt.Errorf("body checksum mismatch: got %s, want %s", got, wantMD5)
			}
		}
		return []byte(body), nil
	}
	return msg
}

// Ack deletes the message from the queue.
func (r *SQSReceiver) Ack(ctx context.Context, msg Message) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      r.queueURLPtr,
		ReceiptHandle: aws.String(msg.Handle),
	})
	return classifySQS("ack", err)
}

// Abandon makes the message visible again immediately.
func (r *SQSReceiver) Abandon(ctx context.Context, msg Message) error {
	_, err := r.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          r.queueURLPtr,
		ReceiptHandle:     aws.String(msg.Handle),
		VisibilityTimeout: 0,
	})
	return classifySQS("abandon", err)
}

// Close is a no-op; the SDK client holds no long-lived connection state.
func (r *SQSReceiver) Close() error {
	r.logger.Info().Msg("Closing SQS receiver.")
	return nil
}

func classifySQS(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist",
			"AccessDenied", "AccessDeniedException", "InvalidClientTokenId",
			"InvalidAddress", "ReceiptHandleIsInvalid":
			return NewError(Fatal, op, err)
		}
	}
	return NewError(Transient, op, err)
}
