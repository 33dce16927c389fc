package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

func TestSubscriberDefaults(t *testing.T) {
	session, _ := newTestSession(t)
	sub := NewSubscriber(session, "base")

	assert.Equal(t, DefaultMaxRetries, sub.maxRetries)
	assert.Equal(t, 3*time.Second, sub.pollInterval)
	assert.Equal(t, 2*time.Second, sub.reconnectDelay)
	assert.Equal(t, 10, sub.maxAttempts)
	assert.Equal(t, rabbitmq.DefaultRetryTTL, sub.topology.RetryTTL())
	assert.Equal(t, StateDisconnected, sub.State())
	assert.Nil(t, sub.execLog)
}

func TestSubscriberConsume(t *testing.T) {
	t.Run("acks messages the handler accepts", func(t *testing.T) {
		session, broker := newTestSession(t)
		metrics := newCountingMetrics()
		sub := newTestSubscriber(session, WithSubscriberMetrics(metrics))
		handler := alwaysSucceed()

		run := startConsume(t, context.Background(), sub, "q", "demo.user.*", handler)
		ch := waitForConsumer(t, broker, "q")
		assert.Equal(t, StateConsuming, sub.State())

		require.True(t, broker.Deliver("q", envelopeDelivery(t, map[string]string{"name": "ann"}, "demo.user.add", nil)))
		settlements := waitForSettlements(t, ch, 1)

		require.NoError(t, run.stop(t))
		assert.True(t, settlements[0].Ack)
		assert.Empty(t, broker.Published())
		assert.Equal(t, 1, metrics.Count(DispositionAcked))
		assert.Equal(t, StateStopped, sub.State())

		msgs := handler.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "demo.user.add", msgs[0].RoutingKey())
		assert.Equal(t, 0, msgs[0].RetryCount())
		assert.JSONEq(t, `{"name":"ann"}`, string(msgs[0].Body()))
	})

	t.Run("declares the full topology before consuming", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		run := startConsume(t, context.Background(), sub, "q", "demo.user.*", alwaysSucceed())
		waitForConsumer(t, broker, "q")
		require.NoError(t, run.stop(t))

		for _, name := range []string{"base", "base.retry", "base.failed"} {
			_, ok := broker.Exchange(name)
			assert.True(t, ok, name)
		}
		for _, name := range []string{"q", "q@retry", "q@failed"} {
			_, ok := broker.Queue(name)
			assert.True(t, ok, name)
		}
	})

	t.Run("failed message goes to the retry exchange with its error", func(t *testing.T) {
		session, broker := newTestSession(t)
		metrics := newCountingMetrics()
		sub := newTestSubscriber(session, WithSubscriberMetrics(metrics))

		run := startConsume(t, context.Background(), sub, "q", "demo.user.*", alwaysFail("db timeout"))
		ch := waitForConsumer(t, broker, "q")

		require.True(t, broker.Deliver("q", envelopeDelivery(t, map[string]int{"id": 1}, "demo.user.add", nil)))
		published := waitForPublished(t, broker, 1)
		settlements := waitForSettlements(t, ch, 1)
		require.NoError(t, run.stop(t))

		assert.Equal(t, "base.retry", published[0].Exchange)
		assert.Equal(t, "q", published[0].Key)
		assert.Equal(t, "db timeout", errMsgOf(t, published[0].Msg.Body))
		assert.Equal(t, "demo.user.add", published[0].Msg.Headers["x-orig-routing-key"])
		assert.Equal(t, int32(1), published[0].Msg.Headers["x-retry-count"])
		assert.Equal(t, amqp.Persistent, published[0].Msg.DeliveryMode)
		assert.True(t, settlements[0].Ack)
		assert.Equal(t, 1, metrics.Count(DispositionRetried))
	})

	t.Run("exhausted message goes to the failed exchange", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysFail("still broken"))
		waitForConsumer(t, broker, "q")

		d := envelopeDelivery(t, 1, "q", deathHeaders(DefaultMaxRetries))
		d.Headers["x-orig-routing-key"] = "k.created"
		require.True(t, broker.Deliver("q", d))
		published := waitForPublished(t, broker, 1)
		require.NoError(t, run.stop(t))

		assert.Equal(t, "base.failed", published[0].Exchange)
		assert.Equal(t, "q", published[0].Key)
		assert.Equal(t, "still broken", errMsgOf(t, published[0].Msg.Body))
		assert.Equal(t, "k.created", published[0].Msg.Headers["x-orig-routing-key"])
		assert.Equal(t, d.Headers["x-death"], published[0].Msg.Headers["x-death"])
	})

	t.Run("failure without a reason replaces the previous error", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysFail(""))
		waitForConsumer(t, broker, "q")

		d := envelopeDelivery(t, 1, "k.created", nil)
		body, err := contracts.AnnotateError(d.Body, "stale timeout")
		require.NoError(t, err)
		d.Body = body
		require.True(t, broker.Deliver("q", d))
		published := waitForPublished(t, broker, 1)
		require.NoError(t, run.stop(t))

		assert.Equal(t, "base.retry", published[0].Exchange)
		assert.Equal(t, DefaultFailureReason, errMsgOf(t, published[0].Msg.Body))
	})

	t.Run("a message that always fails is quarantined after max retries plus one attempts", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)
		handler := alwaysFail("nope")

		run := startConsume(t, context.Background(), sub, "q", "k", handler)
		waitForConsumer(t, broker, "q")

		// each redelivery carries the death count the broker would add
		// after the retry queue TTL expires
		for attempt := 0; attempt <= DefaultMaxRetries; attempt++ {
			d := envelopeDelivery(t, "payload", "q", deathHeaders(attempt))
			if attempt == 0 {
				d.Headers = nil
				d.RoutingKey = "k"
			} else {
				d.Headers["x-orig-routing-key"] = "k"
			}
			require.True(t, broker.Deliver("q", d))
			waitForPublished(t, broker, attempt+1)
		}
		require.NoError(t, run.stop(t))

		published := broker.Published()
		require.Len(t, published, DefaultMaxRetries+1)
		for i := 0; i < DefaultMaxRetries; i++ {
			assert.Equal(t, "base.retry", published[i].Exchange, "attempt %d", i+1)
		}
		assert.Equal(t, "base.failed", published[DefaultMaxRetries].Exchange)
		assert.Len(t, handler.Messages(), DefaultMaxRetries+1)
		for i, msg := range handler.Messages() {
			assert.Equal(t, i, msg.RetryCount())
			assert.Equal(t, "k", msg.RoutingKey())
		}
	})

	t.Run("a message that succeeds on a retry never reaches the failed queue", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)
		handler := &recordingHandler{respond: func(call int, msg *contracts.Message) (contracts.Outcome, error) {
			if call < 3 {
				return contracts.Failure(fmt.Sprintf("attempt %d", call)), nil
			}
			return contracts.Success("done"), nil
		}}

		run := startConsume(t, context.Background(), sub, "q", "k", handler)
		ch := waitForConsumer(t, broker, "q")

		for attempt := 0; attempt < 3; attempt++ {
			require.True(t, broker.Deliver("q", envelopeDelivery(t, "payload", "k", deathHeaders(attempt))))
			waitForSettlements(t, ch, attempt+1)
		}
		require.NoError(t, run.stop(t))

		for _, p := range broker.Published() {
			assert.Equal(t, "base.retry", p.Exchange)
		}
		assert.Len(t, broker.Published(), 2)
	})

	t.Run("custom retry budget", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session, WithMaxRetries(1))

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysFail("x"))
		waitForConsumer(t, broker, "q")
		require.True(t, broker.Deliver("q", envelopeDelivery(t, 1, "k", deathHeaders(1))))
		published := waitForPublished(t, broker, 1)
		require.NoError(t, run.stop(t))

		assert.Equal(t, "base.failed", published[0].Exchange)
	})

	t.Run("returned errors panics and invalid outcomes count as failures", func(t *testing.T) {
		cases := map[string]struct {
			handler Handler
			reason  string
		}{
			"error": {
				handler: HandlerFunc(func(context.Context, *contracts.Message) (contracts.Outcome, error) {
					return contracts.Outcome{}, errors.New("lookup failed")
				}),
				reason: "lookup failed",
			},
			"error only adapter": {
				handler: ErrorHandlerFunc(func(context.Context, *contracts.Message) error {
					return errors.New("bad input")
				}),
				reason: "bad input",
			},
			"panic": {
				handler: HandlerFunc(func(context.Context, *contracts.Message) (contracts.Outcome, error) {
					panic("nil map")
				}),
				reason: "handler panic: nil map",
			},
			"invalid ask": {
				handler: HandlerFunc(func(context.Context, *contracts.Message) (contracts.Outcome, error) {
					return contracts.Outcome{Ask: "Maybe"}, nil
				}),
				reason: `contracts: invalid outcome: unknown ask "Maybe"`,
			},
		}

		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				session, broker := newTestSession(t)
				sub := newTestSubscriber(session)

				run := startConsume(t, context.Background(), sub, "q", "k", tc.handler)
				waitForConsumer(t, broker, "q")
				require.True(t, broker.Deliver("q", envelopeDelivery(t, 1, "k", nil)))
				published := waitForPublished(t, broker, 1)
				require.NoError(t, run.stop(t))

				assert.Equal(t, "base.retry", published[0].Exchange)
				assert.Equal(t, tc.reason, errMsgOf(t, published[0].Msg.Body))
			})
		}
	})

	t.Run("lowercase success is accepted", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)
		handler := HandlerFunc(func(context.Context, *contracts.Message) (contracts.Outcome, error) {
			return contracts.Outcome{Ask: "success"}, nil
		})

		run := startConsume(t, context.Background(), sub, "q", "k", handler)
		ch := waitForConsumer(t, broker, "q")
		require.True(t, broker.Deliver("q", envelopeDelivery(t, 1, "k", nil)))
		settlements := waitForSettlements(t, ch, 1)
		require.NoError(t, run.stop(t))

		assert.True(t, settlements[0].Ack)
		assert.Empty(t, broker.Published())
	})

	t.Run("undecodable bodies are retried without calling the handler", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)
		handler := alwaysSucceed()

		run := startConsume(t, context.Background(), sub, "q", "k", handler)
		waitForConsumer(t, broker, "q")
		require.True(t, broker.Deliver("q", amqp.Delivery{RoutingKey: "k", Body: []byte("not json")}))
		published := waitForPublished(t, broker, 1)
		require.NoError(t, run.stop(t))

		assert.Empty(t, handler.Messages())
		assert.Equal(t, "base.retry", published[0].Exchange)
		assert.Equal(t, []byte("not json"), published[0].Msg.Body)
	})

	t.Run("failed reroute requeues the original and reconnects", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)
		broker.PublishErr = errors.New("channel flow")

		ack := &mockAcknowledger{}
		nacked := make(chan struct{})
		ack.On("Nack", mock.Anything, false, true).Return(nil).Run(func(mock.Arguments) { close(nacked) }).Once()

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysFail("x"))
		waitForConsumer(t, broker, "q")

		d := envelopeDelivery(t, 1, "k", nil)
		d.Acknowledger = ack
		require.True(t, broker.Deliver("q", d))

		select {
		case <-nacked:
		case <-time.After(waitTimeout):
			t.Fatal("delivery was not nacked")
		}
		require.NoError(t, run.stop(t))
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("ack failure triggers a reconnect", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		ack := &mockAcknowledger{}
		ack.On("Ack", mock.Anything, false).Return(amqp.ErrClosed).Once()

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysSucceed())
		first := waitForConsumer(t, broker, "q")
		d := envelopeDelivery(t, 1, "k", nil)
		d.Acknowledger = ack
		require.True(t, broker.Deliver("q", d))

		require.Eventually(t, func() bool {
			ch, ok := broker.WaitForConsumer("q", time.Millisecond)
			return ok && ch != first
		}, waitTimeout, time.Millisecond)
		require.NoError(t, run.stop(t))
		ack.AssertExpectations(t)
	})

	t.Run("execution log receives every invocation", func(t *testing.T) {
		session, broker := newTestSession(t)
		execLog := &memoryExecutionLog{}
		sub := newTestSubscriber(session, WithExecutionLog(execLog))
		handler := &recordingHandler{respond: func(call int, msg *contracts.Message) (contracts.Outcome, error) {
			if call == 1 {
				return contracts.Success("stored user"), nil
			}
			return contracts.Failure("duplicate"), nil
		}}

		run := startConsume(t, context.Background(), sub, "q", "k", handler)
		ch := waitForConsumer(t, broker, "q")
		first := envelopeDelivery(t, 1, "demo.user.add", nil)
		require.True(t, broker.Deliver("q", first))
		require.True(t, broker.Deliver("q", envelopeDelivery(t, 2, "demo.user.add", nil)))
		waitForSettlements(t, ch, 2)
		require.NoError(t, run.stop(t))

		records := execLog.Records()
		require.Len(t, records, 2)
		assert.Equal(t, "base", records[0].Exchange)
		assert.Equal(t, "q", records[0].Queue)
		assert.Equal(t, "demo.user.add", records[0].RoutingKey)
		assert.Equal(t, string(first.Body), records[0].Message)
		assert.Equal(t, "stored user", records[0].Output)
		assert.True(t, records[0].Success)
		assert.Contains(t, records[0].MemoryUsage, "mb")
		assert.False(t, records[1].Success)
		assert.Equal(t, "duplicate", records[1].Output)
	})

	t.Run("execution log failures do not affect handling", func(t *testing.T) {
		session, broker := newTestSession(t)
		execLog := &memoryExecutionLog{err: errors.New("mongo down")}
		sub := newTestSubscriber(session, WithExecutionLog(execLog))

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysSucceed())
		ch := waitForConsumer(t, broker, "q")
		require.True(t, broker.Deliver("q", envelopeDelivery(t, 1, "k", nil)))
		settlements := waitForSettlements(t, ch, 1)
		require.NoError(t, run.stop(t))

		assert.True(t, settlements[0].Ack)
	})
}

func TestSubscriberLifecycle(t *testing.T) {
	t.Run("exit before connecting returns immediately", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		err := sub.Consume(context.Background(), "q", "k", alwaysSucceed(), func() bool { return true })
		require.NoError(t, err)
		_, declared := broker.Queue("q")
		assert.False(t, declared)
	})

	t.Run("rejects missing queue and handler", func(t *testing.T) {
		session, _ := newTestSession(t)
		sub := newTestSubscriber(session)

		assert.ErrorIs(t, sub.Consume(context.Background(), "", "k", alwaysSucceed(), nil), ErrEmptyQueue)
		assert.ErrorIs(t, sub.Consume(context.Background(), "q", "k", nil, nil), ErrNilHandler)
	})

	t.Run("context cancellation stops consumption", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)
		ctx, cancel := context.WithCancel(context.Background())

		run := startConsume(t, ctx, sub, "q", "k", alwaysSucceed())
		waitForConsumer(t, broker, "q")
		cancel()

		assert.ErrorIs(t, run.wait(t), context.Canceled)
		assert.Equal(t, StateStopped, sub.State())
	})

	t.Run("keeps polling across idle intervals", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)
		handler := alwaysSucceed()

		run := startConsume(t, context.Background(), sub, "q", "k", handler)
		ch := waitForConsumer(t, broker, "q")
		time.Sleep(40 * time.Millisecond)

		require.True(t, broker.Deliver("q", envelopeDelivery(t, 1, "k", nil)))
		waitForSettlements(t, ch, 1)
		time.Sleep(40 * time.Millisecond)
		require.True(t, broker.Deliver("q", envelopeDelivery(t, 2, "k", nil)))
		waitForSettlements(t, ch, 2)

		require.NoError(t, run.stop(t))
		assert.Len(t, handler.Messages(), 2)
	})

	t.Run("recovers from a broken channel", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysSucceed())
		first := waitForConsumer(t, broker, "q")
		first.Break("CHANNEL_ERROR")

		var second = first
		require.Eventually(t, func() bool {
			ch, ok := broker.WaitForConsumer("q", time.Millisecond)
			if ok {
				second = ch
			}
			return ok && ch != first
		}, waitTimeout, time.Millisecond)

		require.True(t, broker.Deliver("q", envelopeDelivery(t, 1, "k", nil)))
		settlements := waitForSettlements(t, second, 1)
		require.NoError(t, run.stop(t))

		assert.True(t, settlements[0].Ack)
		assert.Equal(t, 1, broker.Dials())
		assert.Equal(t, 0, sub.Attempts())
	})

	t.Run("reconnects after the connection drops and resets the attempt counter", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysSucceed())
		waitForConsumer(t, broker, "q")

		dialErr := &amqp.Error{Code: amqp.ConnectionForced, Reason: "node down"}
		broker.FailDials(dialErr, dialErr)
		broker.Connection().Drop("node down")

		require.Eventually(t, func() bool {
			return broker.Dials() == 4 && sub.State() == StateConsuming
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, 0, sub.Attempts())

		ch := waitForConsumer(t, broker, "q")
		require.True(t, broker.Deliver("q", envelopeDelivery(t, 1, "k", nil)))
		waitForSettlements(t, ch, 1)
		require.NoError(t, run.stop(t))
	})

	t.Run("redelivers the in-flight message after the connection drops", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		entered := make(chan struct{})
		release := make(chan struct{})
		handler := &recordingHandler{respond: func(call int, msg *contracts.Message) (contracts.Outcome, error) {
			if call == 1 {
				close(entered)
				<-release
			}
			return contracts.Success("ok"), nil
		}}

		run := startConsume(t, context.Background(), sub, "q", "k", handler)
		first := waitForConsumer(t, broker, "q")
		require.True(t, broker.Deliver("q", envelopeDelivery(t, map[string]int{"user_id": 7}, "demo.user.add", nil)))

		select {
		case <-entered:
		case <-time.After(waitTimeout):
			t.Fatal("handler was not called")
		}
		broker.Connection().Drop("node down")
		close(release)

		require.Eventually(t, func() bool {
			return len(handler.Messages()) == 2
		}, waitTimeout, time.Millisecond)

		messages := handler.Messages()
		assert.Equal(t, messages[0].Envelope().ID(), messages[1].Envelope().ID())
		assert.Empty(t, first.Settlements())

		second := waitForConsumer(t, broker, "q")
		assert.NotSame(t, first, second)
		settlements := waitForSettlements(t, second, 1)
		assert.True(t, settlements[0].Ack)
		assert.Equal(t, 2, broker.Dials())
		assert.Equal(t, 0, sub.Attempts())
		assert.Equal(t, 0, broker.Ready("q"))
		require.NoError(t, run.stop(t))
	})

	t.Run("gives up after consecutive failed attempts", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session, WithReconnectAttempts(3))

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysSucceed())
		waitForConsumer(t, broker, "q")

		dialErr := &amqp.Error{Code: amqp.ConnectionForced, Reason: "node down"}
		broker.FailDials(dialErr, dialErr, dialErr, dialErr)
		broker.Connection().Drop("node down")

		err := run.wait(t)
		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, 3, consumerErr.Attempts)
		assert.Equal(t, "q", consumerErr.Queue)
		assert.Equal(t, 3, broker.Dials())
		assert.Equal(t, StateStopped, sub.State())
	})

	t.Run("topology conflicts are fatal", func(t *testing.T) {
		session, broker := newTestSession(t)
		broker.DeclareErr["q"] = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg"}
		sub := newTestSubscriber(session)

		err := sub.Consume(context.Background(), "q", "k", alwaysSucceed(), nil)
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.True(t, IsFatal(err))
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("credential failures are fatal", func(t *testing.T) {
		session, broker := newTestSession(t)
		sub := newTestSubscriber(session)

		run := startConsume(t, context.Background(), sub, "q", "k", alwaysSucceed())
		waitForConsumer(t, broker, "q")
		broker.FailDials(amqp.ErrCredentials)
		broker.Connection().Drop("forced")

		err := run.wait(t)
		assert.ErrorIs(t, err, amqp.ErrCredentials)
		assert.Equal(t, 1, sub.Attempts())
	})
}

func TestDeclareQueues(t *testing.T) {
	session, broker := newTestSession(t)
	sub := newTestSubscriber(session, WithDelayedQueues(true), WithRetryTTL(10*time.Second))

	require.NoError(t, sub.DeclareQueues(context.Background(), "q", "k"))

	live, _ := broker.Exchange("base")
	assert.Equal(t, "x-delayed-message", live.Kind)
	q, _ := broker.Queue("q")
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "delayed"}, q.Args)
	retry, _ := broker.Queue("q@retry")
	assert.Equal(t, int32(10000), retry.Args["x-message-ttl"])
}

func TestMemoryUsage(t *testing.T) {
	usage := memoryUsage()
	assert.Regexp(t, `^\d+\.\d{2} mb$`, usage)
	assert.NotEqual(t, "0.00 mb", usage)
}
