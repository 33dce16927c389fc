package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq/rabbitmqtest"
)

func newTestInspector(t *testing.T, options ...InspectorOption) (*QueueInspector, *rabbitmqtest.Broker) {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	session, err := rabbitmq.NewSession(rabbitmq.DefaultConfig(), rabbitmq.WithDialer(broker.Dial))
	require.NoError(t, err)
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { _ = session.Close() })
	return NewQueueInspector(session, "base", options...), broker
}

func envelopeDelivery(t *testing.T, body any) amqp.Delivery {
	t.Helper()
	env, err := contracts.NewEnvelope(body, "test")
	require.NoError(t, err)
	data, err := contracts.JSONCodec{}.Marshal(env)
	require.NoError(t, err)
	return amqp.Delivery{MessageId: env.ID(), Body: data}
}

func TestPeek(t *testing.T) {
	t.Run("returns bodies without consuming them", func(t *testing.T) {
		qi, broker := newTestInspector(t)
		for i := 1; i <= 3; i++ {
			broker.Enqueue("q@failed", envelopeDelivery(t, map[string]int{"id": i}))
		}

		bodies, err := qi.Peek(context.Background(), "q", "k", 10, rabbitmq.QueueFailed)
		require.NoError(t, err)
		require.Len(t, bodies, 3)
		assert.JSONEq(t, `{"id":1}`, string(bodies[0]))
		assert.JSONEq(t, `{"id":3}`, string(bodies[2]))
		assert.Equal(t, 3, broker.Ready("q@failed"))

		again, err := qi.Peek(context.Background(), "q", "k", 10, rabbitmq.QueueFailed)
		require.NoError(t, err)
		assert.Equal(t, bodies, again)
	})

	t.Run("stops at the limit", func(t *testing.T) {
		qi, broker := newTestInspector(t)
		for i := 0; i < 5; i++ {
			broker.Enqueue("q", envelopeDelivery(t, i))
		}

		bodies, err := qi.Peek(context.Background(), "q", "k", 2, rabbitmq.QueueConsume)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1"}, []string{string(bodies[0]), string(bodies[1])})
		assert.Equal(t, 5, broker.Ready("q"))
	})

	t.Run("declares the queue when missing", func(t *testing.T) {
		qi, broker := newTestInspector(t, WithInspectorRetryTTL(5*time.Second))

		bodies, err := qi.Peek(context.Background(), "q", "k", 10, rabbitmq.QueueRetry)
		require.NoError(t, err)
		assert.Empty(t, bodies)

		retry, ok := broker.Queue("q@retry")
		require.True(t, ok)
		assert.Equal(t, int32(5000), retry.Args["x-message-ttl"])
		_, ok = broker.Exchange("base.retry")
		assert.True(t, ok)
	})

	t.Run("non-envelope messages are returned raw", func(t *testing.T) {
		qi, broker := newTestInspector(t)
		broker.Enqueue("q", amqp.Delivery{Body: []byte(`[1,2]`)})
		broker.Enqueue("q", amqp.Delivery{Body: []byte(`oops`)})

		bodies, err := qi.Peek(context.Background(), "q", "k", 10, rabbitmq.QueueConsume)
		require.NoError(t, err)
		require.Len(t, bodies, 2)
		assert.JSONEq(t, `[1,2]`, string(bodies[0]))
		assert.JSONEq(t, `"oops"`, string(bodies[1]))
	})

	t.Run("zero limit", func(t *testing.T) {
		qi, broker := newTestInspector(t)

		bodies, err := qi.Peek(context.Background(), "q", "k", 0, rabbitmq.QueueConsume)
		require.NoError(t, err)
		assert.Empty(t, bodies)
		_, declared := broker.Queue("q")
		assert.False(t, declared)
	})
}

func TestInspectTopology(t *testing.T) {
	metrics := NewMetrics(nil)
	qi, broker := newTestInspector(t, WithInspectorMetrics(metrics))

	_, err := qi.Peek(context.Background(), "q", "k", 1, rabbitmq.QueueConsume)
	require.NoError(t, err)
	_, err = qi.Peek(context.Background(), "q", "k", 1, rabbitmq.QueueFailed)
	require.NoError(t, err)
	broker.Enqueue("q", envelopeDelivery(t, 1))
	broker.Enqueue("q@failed", envelopeDelivery(t, 2))
	broker.Enqueue("q@failed", envelopeDelivery(t, 3))

	info, err := qi.InspectTopology(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, QueueInfo{Name: "q", Kind: "consume", Exists: true, Messages: 1}, info.Consume)
	assert.Equal(t, QueueInfo{Name: "q@retry", Kind: "retry"}, info.Retry)
	assert.Equal(t, QueueInfo{Name: "q@failed", Kind: "failed", Exists: true, Messages: 2}, info.Failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queueMessages.WithLabelValues("q", "consume")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.queueMessages.WithLabelValues("q", "failed")))
}

func TestCheckQueueExists(t *testing.T) {
	qi, _ := newTestInspector(t)

	exists, err := qi.CheckQueueExists(context.Background(), "q")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = qi.Peek(context.Background(), "q", "k", 1, rabbitmq.QueueConsume)
	require.NoError(t, err)

	exists, err = qi.CheckQueueExists(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		consume int
		failed  int
		declare bool
		want    Status
	}{
		{name: "undeclared", want: StatusUnhealthy},
		{name: "idle", declare: true, want: StatusHealthy},
		{name: "backlog without consumers", declare: true, consume: 4, want: StatusUnhealthy},
		{name: "failed messages waiting", declare: true, failed: 1, want: StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qi, broker := newTestInspector(t)
			if tt.declare {
				_, err := qi.Peek(context.Background(), "q", "k", 1, rabbitmq.QueueConsume)
				require.NoError(t, err)
				_, err = qi.Peek(context.Background(), "q", "k", 1, rabbitmq.QueueFailed)
				require.NoError(t, err)
			}
			for i := 0; i < tt.consume; i++ {
				broker.Enqueue("q", envelopeDelivery(t, i))
			}
			for i := 0; i < tt.failed; i++ {
				broker.Enqueue("q@failed", envelopeDelivery(t, i))
			}

			health, err := qi.Health(context.Background(), "q")
			require.NoError(t, err)
			assert.Equal(t, tt.want, health.Status, health.Message)
			assert.Equal(t, tt.failed, health.Failed)
		})
	}
}
