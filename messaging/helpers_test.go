package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq/rabbitmqtest"
)

const waitTimeout = 2 * time.Second

func newTestSession(t *testing.T) (*rabbitmq.Session, *rabbitmqtest.Broker) {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	session, err := rabbitmq.NewSession(rabbitmq.DefaultConfig(),
		rabbitmq.WithDialer(broker.Dial),
		rabbitmq.WithReconnectDelay(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { _ = session.Close() })
	return session, broker
}

func newTestSubscriber(session *rabbitmq.Session, options ...SubscriberOption) *Subscriber {
	options = append([]SubscriberOption{
		WithPollInterval(5 * time.Millisecond),
		WithReconnectDelay(time.Millisecond),
	}, options...)
	return NewSubscriber(session, "base", options...)
}

// envelopeDelivery builds a delivery carrying a JSON envelope of body
func envelopeDelivery(t *testing.T, body any, routingKey string, headers amqp.Table) amqp.Delivery {
	t.Helper()
	env, err := contracts.NewEnvelope(body, "test")
	require.NoError(t, err)
	data, err := contracts.JSONCodec{}.Marshal(env)
	require.NoError(t, err)
	return amqp.Delivery{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID(),
		RoutingKey:   routingKey,
		Body:         data,
	}
}

func deathHeaders(count int) amqp.Table {
	return amqp.Table{
		"x-death": []interface{}{
			amqp.Table{"count": int64(count), "queue": "q@retry", "reason": "expired"},
		},
	}
}

func errMsgOf(t *testing.T, body []byte) string {
	t.Helper()
	var fields struct {
		ErrMsg string `json:"__errMsg"`
	}
	require.NoError(t, json.Unmarshal(body, &fields))
	return fields.ErrMsg
}

// consumeRun runs Consume in the background until stop is called
type consumeRun struct {
	stopped atomic.Bool
	done    chan error
}

func startConsume(t *testing.T, ctx context.Context, sub *Subscriber, queue, routingKey string, handler Handler) *consumeRun {
	t.Helper()
	run := &consumeRun{done: make(chan error, 1)}
	go func() {
		run.done <- sub.Consume(ctx, queue, routingKey, handler, run.stopped.Load)
	}()
	return run
}

func (r *consumeRun) stop(t *testing.T) error {
	t.Helper()
	r.stopped.Store(true)
	return r.wait(t)
}

func (r *consumeRun) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("consume did not return")
		return nil
	}
}

func waitForConsumer(t *testing.T, broker *rabbitmqtest.Broker, queue string) *rabbitmqtest.Channel {
	t.Helper()
	ch, ok := broker.WaitForConsumer(queue, waitTimeout)
	require.True(t, ok, "no consumer on %s", queue)
	return ch
}

func waitForPublished(t *testing.T, broker *rabbitmqtest.Broker, n int) []rabbitmqtest.Published {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(broker.Published()) >= n
	}, waitTimeout, time.Millisecond)
	return broker.Published()
}

func waitForSettlements(t *testing.T, ch *rabbitmqtest.Channel, n int) []rabbitmqtest.Settlement {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(ch.Settlements()) >= n
	}, waitTimeout, time.Millisecond)
	return ch.Settlements()
}

// recordingHandler returns a scripted outcome per call and remembers
// every message it saw
type recordingHandler struct {
	mu       sync.Mutex
	messages []*contracts.Message
	respond  func(call int, msg *contracts.Message) (contracts.Outcome, error)
}

func (h *recordingHandler) Handle(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	call := len(h.messages)
	h.mu.Unlock()
	return h.respond(call, msg)
}

func (h *recordingHandler) Messages() []*contracts.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*contracts.Message(nil), h.messages...)
}

func alwaysFail(reason string) *recordingHandler {
	return &recordingHandler{respond: func(int, *contracts.Message) (contracts.Outcome, error) {
		return contracts.Failure(reason), nil
	}}
}

func alwaysSucceed() *recordingHandler {
	return &recordingHandler{respond: func(int, *contracts.Message) (contracts.Outcome, error) {
		return contracts.Success("ok"), nil
	}}
}

// mockAcknowledger is a mock implementation of amqp.Acknowledger
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// memoryExecutionLog keeps execution records in memory
type memoryExecutionLog struct {
	mu      sync.Mutex
	records []ExecutionRecord
	err     error
}

func (l *memoryExecutionLog) Record(ctx context.Context, record ExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return l.err
}

func (l *memoryExecutionLog) Records() []ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ExecutionRecord(nil), l.records...)
}

// countingMetrics counts dispositions
type countingMetrics struct {
	mu           sync.Mutex
	dispositions map[Disposition]int
	published    int
	publishFails int
	replayed     map[bool]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dispositions: make(map[Disposition]int), replayed: make(map[bool]int)}
}

func (m *countingMetrics) RecordMessage(queue string, disposition Disposition, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispositions[disposition]++
}

func (m *countingMetrics) RecordPublish(exchange string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.published++
	} else {
		m.publishFails++
	}
}

func (m *countingMetrics) RecordReplay(queue string, republished bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayed[republished]++
}

func (m *countingMetrics) Count(d Disposition) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispositions[d]
}
