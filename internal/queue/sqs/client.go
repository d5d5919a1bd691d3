// Package sqs provides the AWS SQS queue backend
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/queue"
)

// SQSClientAPI defines the SQS operations used by the backend (for testing)
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

const (
	// maxBatch is the SQS limit for receive and send batches
	maxBatch = 10

	// unhealthyAfter consecutive poll failures marks the consumer unhealthy
	unhealthyAfter = 3
)

// Config holds SQS backend settings
type Config struct {
	QueueURL string `toml:"queue_url" env:"QUEUE_URL"`

	// DeadLetterQueueURL enables DeadLetter. Empty means terminal failures are nacked.
	DeadLetterQueueURL string `toml:"dead_letter_queue_url" env:"DLQ_URL"`

	Region              string `toml:"region" env:"REGION"`
	WaitTimeSeconds     int32  `toml:"wait_time_seconds" env:"WAIT_TIME_SECONDS"`
	VisibilityTimeout   int32  `toml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	MaxNumberOfMessages int32  `toml:"max_messages" env:"MAX_MESSAGES"`

	// Endpoint overrides the SQS endpoint, for LocalStack
	Endpoint        string `toml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `toml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `toml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = 20 // long polling (SQS max)
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = 120
	}
	if c.MaxNumberOfMessages <= 0 || c.MaxNumberOfMessages > maxBatch {
		c.MaxNumberOfMessages = maxBatch
	}
}

// NewAPI builds an SQS client from cfg. A custom endpoint uses static credentials.
func NewAPI(ctx context.Context, cfg Config) (*sqs.Client, error) {
	cfg.applyDefaults()

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Consumer consumes messages from one SQS queue
type Consumer struct {
	client   SQSClientAPI
	cfg      Config
	counters *queue.Counters

	// SQS message IDs that were processed but whose delete failed because the
	// receipt handle expired. They are deleted when they reappear.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.Mutex

	pollFailures atomic.Int32
	closed       atomic.Bool
}

// NewConsumer creates a consumer over client
func NewConsumer(client SQSClientAPI, cfg Config) *Consumer {
	cfg.applyDefaults()

	log.Info().
		Str("queueURL", cfg.QueueURL).
		Int32("maxMessages", cfg.MaxNumberOfMessages).
		Int32("waitTime", cfg.WaitTimeSeconds).
		Bool("deadLetter", cfg.DeadLetterQueueURL != "").
		Msg("SQS consumer created")

	return &Consumer{
		client:         client,
		cfg:            cfg,
		counters:       queue.NewCounters(cfg.QueueURL),
		pendingDeletes: make(map[string]struct{}),
	}
}

func (c *Consumer) Identifier() string {
	return c.cfg.QueueURL
}

// Poll receives up to max messages with long polling
func (c *Consumer) Poll(ctx context.Context, max int) ([]*queue.Message, error) {
	if c.closed.Load() {
		return nil, queue.ErrClosed
	}
	if max <= 0 || max > int(c.cfg.MaxNumberOfMessages) {
		max = int(c.cfg.MaxNumberOfMessages)
	}

	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       c.cfg.WaitTimeSeconds,
		VisibilityTimeout:     c.cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		if ctx.Err() == nil {
			c.pollFailures.Add(1)
			c.counters.Error("poll")
		}
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}
	c.pollFailures.Store(0)

	out := make([]*queue.Message, 0, len(result.Messages))
	for i := range result.Messages {
		raw := result.Messages[i]
		id := aws.ToString(raw.MessageId)

		if c.takePendingDelete(id) {
			log.Info().
				Str("sqsMessageId", id).
				Msg("SQS message was previously processed - deleting now")
			if err := c.deleteMessage(ctx, aws.ToString(raw.ReceiptHandle)); err != nil {
				log.Warn().Err(err).Str("sqsMessageId", id).Msg("Failed to delete previously processed message")
				c.markForDeletion(id)
			}
			continue
		}

		out = append(out, c.convert(raw))
	}

	c.counters.Polled(len(out))
	return out, nil
}

func (c *Consumer) convert(raw types.Message) *queue.Message {
	msg := &queue.Message{
		ID:              aws.ToString(raw.MessageId),
		Body:            []byte(aws.ToString(raw.Body)),
		ReceiptHandle:   aws.ToString(raw.ReceiptHandle),
		ReceiveCount:    1,
		QueueIdentifier: c.cfg.QueueURL,
		Attributes:      make(map[string]string, len(raw.MessageAttributes)),
	}
	if raw.Attributes != nil {
		msg.MessageGroup = raw.Attributes["MessageGroupId"]
		msg.DeduplicationID = raw.Attributes["MessageDeduplicationId"]
		if n, err := strconv.Atoi(raw.Attributes["ApproximateReceiveCount"]); err == nil && n > 0 {
			msg.ReceiveCount = n
		}
	}
	for k, v := range raw.MessageAttributes {
		if v.StringValue != nil {
			msg.Attributes[k] = *v.StringValue
		}
	}
	return msg
}

// Ack deletes the message. An expired receipt handle marks it for deletion on next poll.
func (c *Consumer) Ack(ctx context.Context, msg *queue.Message) error {
	if err := c.deleteMessage(ctx, msg.ReceiptHandle); err != nil {
		if isReceiptHandleExpiredError(err) {
			c.markForDeletion(msg.ID)
			c.counters.Acked()
			return nil
		}
		c.counters.Error("ack")
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}
	c.counters.Acked()
	log.Debug().Str("sqsMessageId", msg.ID).Msg("SQS message deleted")
	return nil
}

// Nack makes the message visible again after delay
func (c *Consumer) Nack(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := c.changeVisibility(ctx, msg, queue.ClampDelaySeconds(delay)); err != nil {
		c.counters.Error("nack")
		return err
	}
	c.counters.Nacked()
	return nil
}

// Defer makes the message visible again after delay without counting a failure
func (c *Consumer) Defer(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := c.changeVisibility(ctx, msg, queue.ClampDelaySeconds(delay)); err != nil {
		c.counters.Error("defer")
		return err
	}
	c.counters.Deferred()
	return nil
}

// ExtendVisibility resets the visibility timeout to seconds from now
func (c *Consumer) ExtendVisibility(ctx context.Context, msg *queue.Message, seconds int) error {
	if seconds > queue.MaxDelaySeconds {
		seconds = queue.MaxDelaySeconds
	}
	if err := c.changeVisibility(ctx, msg, int32(seconds)); err != nil {
		c.counters.Error("extend")
		return err
	}
	c.counters.Extended()
	return nil
}

// DeadLetter copies the message to the dead-letter queue and deletes the original
func (c *Consumer) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	if c.cfg.DeadLetterQueueURL == "" {
		return queue.ErrDeadLetterUnsupported
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.cfg.DeadLetterQueueURL),
		MessageBody: aws.String(string(msg.Body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"DeadLetterReason":  stringAttribute(reason),
			"OriginalMessageId": stringAttribute(msg.ID),
		},
	}
	if strings.HasSuffix(c.cfg.DeadLetterQueueURL, ".fifo") {
		group := msg.MessageGroup
		if group == "" {
			group = "dead-letter"
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(msg.ID)
	}

	if _, err := c.client.SendMessage(ctx, input); err != nil {
		c.counters.Error("dead_letter")
		return fmt.Errorf("failed to send to dead-letter queue: %w", err)
	}
	if err := c.deleteMessage(ctx, msg.ReceiptHandle); err != nil && !isReceiptHandleExpiredError(err) {
		c.counters.Error("dead_letter")
		return fmt.Errorf("failed to delete dead-lettered message: %w", err)
	}
	c.counters.DeadLettered()
	return nil
}

// IsHealthy is false after repeated poll failures or once closed
func (c *Consumer) IsHealthy() bool {
	return !c.closed.Load() && c.pollFailures.Load() < unhealthyAfter
}

// Metrics reads approximate queue depth from SQS
func (c *Consumer) Metrics(ctx context.Context) (*queue.Metrics, error) {
	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	m := &queue.Metrics{}
	m.Pending = attrInt(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessages)) +
		attrInt(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed))
	m.InFlight = attrInt(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible))
	c.counters.Fill(m)
	return m, nil
}

// Close stops the consumer
func (c *Consumer) Close() error {
	c.closed.Store(true)
	log.Info().Str("queueURL", c.cfg.QueueURL).Msg("SQS consumer closed")
	return nil
}

func (c *Consumer) deleteMessage(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}

func (c *Consumer) changeVisibility(ctx context.Context, msg *queue.Message, timeout int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: timeout,
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			log.Debug().
				Str("sqsMessageId", msg.ID).
				Msg("Receipt handle expired - cannot change visibility")
			return queue.ErrReceiptHandleExpired
		}
		return fmt.Errorf("failed to change message visibility: %w", err)
	}

	log.Debug().
		Str("sqsMessageId", msg.ID).
		Int32("timeout", timeout).
		Msg("Changed message visibility")
	return nil
}

func (c *Consumer) markForDeletion(id string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[id] = struct{}{}
	c.pendingDeletesMu.Unlock()
	log.Info().
		Str("sqsMessageId", id).
		Msg("Receipt handle expired - marked for deletion on next poll")
}

func (c *Consumer) takePendingDelete(id string) bool {
	c.pendingDeletesMu.Lock()
	defer c.pendingDeletesMu.Unlock()
	if _, ok := c.pendingDeletes[id]; ok {
		delete(c.pendingDeletes, id)
		return true
	}
	return false
}

// Publisher publishes messages to one SQS queue
type Publisher struct {
	client   SQSClientAPI
	queueURL string
}

// NewPublisher creates a publisher for queueURL
func NewPublisher(client SQSClientAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// Publish sends one message and returns its SQS message ID
func (p *Publisher) Publish(ctx context.Context, msg *queue.OutboundMessage) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: messageAttributes(msg.Attributes),
	}
	if msg.MessageGroup != "" {
		input.MessageGroupId = aws.String(msg.MessageGroup)
	} else if msg.Delay > 0 {
		// FIFO queues reject per-message delays
		input.DelaySeconds = min(queue.ClampDelaySeconds(msg.Delay), 900)
	}
	if msg.DeduplicationID != "" {
		input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		metrics.PublishErrors.WithLabelValues(p.queueURL).Inc()
		return "", fmt.Errorf("failed to send SQS message: %w", err)
	}
	metrics.MessagesPublished.WithLabelValues(p.queueURL).Inc()
	return aws.ToString(out.MessageId), nil
}

// PublishBatch sends messages in batches of ten, returning IDs in input order
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*queue.OutboundMessage) ([]string, error) {
	ids := make([]string, len(msgs))

	for start := 0; start < len(msgs); start += maxBatch {
		end := min(start+maxBatch, len(msgs))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i := start; i < end; i++ {
			msg := msgs[i]
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				MessageBody:       aws.String(string(msg.Body)),
				MessageAttributes: messageAttributes(msg.Attributes),
			}
			if msg.MessageGroup != "" {
				entry.MessageGroupId = aws.String(msg.MessageGroup)
			}
			if msg.DeduplicationID != "" {
				entry.MessageDeduplicationId = aws.String(msg.DeduplicationID)
			}
			entries = append(entries, entry)
		}

		result, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			metrics.PublishErrors.WithLabelValues(p.queueURL).Add(float64(len(entries)))
			return ids, fmt.Errorf("failed to send SQS batch: %w", err)
		}

		for _, ok := range result.Successful {
			if i, err := strconv.Atoi(aws.ToString(ok.Id)); err == nil && i >= 0 && i < len(ids) {
				ids[i] = aws.ToString(ok.MessageId)
			}
		}
		metrics.MessagesPublished.WithLabelValues(p.queueURL).Add(float64(len(result.Successful)))

		if len(result.Failed) > 0 {
			metrics.PublishErrors.WithLabelValues(p.queueURL).Add(float64(len(result.Failed)))
			log.Error().
				Int("failed", len(result.Failed)).
				Int("successful", len(result.Successful)).
				Msg("Some messages failed to send")
			return ids, fmt.Errorf("failed to send %d messages", len(result.Failed))
		}
	}

	return ids, nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

func messageAttributes(attrs map[string]string) map[string]types.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = stringAttribute(v)
	}
	return out
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func attrInt(attrs map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(attrs[key], 10, 64)
	return n
}

// isReceiptHandleExpiredError checks if the error is due to an expired receipt handle
func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "receipt handle has expired") ||
		strings.Contains(msg, "ReceiptHandleIsInvalid")
}
