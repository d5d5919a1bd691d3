//go:build integration

package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"go.flowcatalyst.tech/dispatchcore/internal/queue"
)

func TestLocalStackRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := localstack.Run(ctx, "localstack/localstack:3.8")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "http")
	require.NoError(t, err)

	cfg := Config{
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		WaitTimeSeconds: 1,
	}
	client, err := NewAPI(ctx, cfg)
	require.NoError(t, err)

	created, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String("dispatch-test")})
	require.NoError(t, err)
	cfg.QueueURL = aws.ToString(created.QueueUrl)

	pub := NewPublisher(client, cfg.QueueURL)
	ids, err := pub.PublishBatch(ctx, []*queue.OutboundMessage{
		{Body: []byte(`{"id":"a"}`)},
		{Body: []byte(`{"id":"b"}`)},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	consumer := NewConsumer(client, cfg)
	var received []*queue.Message
	require.Eventually(t, func() bool {
		msgs, err := consumer.Poll(ctx, 10)
		if err != nil {
			return false
		}
		received = append(received, msgs...)
		return len(received) == 2
	}, 15*time.Second, 100*time.Millisecond)

	require.NoError(t, consumer.Nack(ctx, received[0], 0))
	require.NoError(t, consumer.Ack(ctx, received[1]))

	require.Eventually(t, func() bool {
		msgs, err := consumer.Poll(ctx, 10)
		if err != nil || len(msgs) == 0 {
			return false
		}
		assert.Equal(t, received[0].ID, msgs[0].ID)
		assert.GreaterOrEqual(t, msgs[0].ReceiveCount, 2)
		return consumer.Ack(ctx, msgs[0]) == nil
	}, 15*time.Second, 100*time.Millisecond)
}
