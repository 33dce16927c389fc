package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
	"github.com/glimte/mmate-retry-go/messaging"
)

const namespace = "mmate"

// Metrics exports messaging and connection metrics to Prometheus
type Metrics struct {
	messages        *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	publishes       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	replays         *prometheus.CounterVec
	connected       prometheus.Gauge
	disconnects     prometheus.Counter
	reconnects      prometheus.Counter
	queueMessages   *prometheus.GaugeVec
	queueConsumers  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Consumed messages by queue and disposition (acked, retried, failed)",
		}, []string{"queue", "disposition"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the message handler",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"queue"}),

		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish attempts by exchange and result",
		}, []string{"exchange", "result"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time taken to hand a message to the broker",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"exchange"}),

		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_messages_total",
			Help:      "Failed messages seen by replay, republished or discarded",
		}, []string{"queue", "action"}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the broker connection is up",
		}),

		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Broker-initiated connection closes",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Attempts to re-establish the broker connection",
		}),

		queueMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_messages",
			Help:      "Messages ready on a queue at last inspection",
		}, []string{"queue", "kind"}),

		queueConsumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_consumers",
			Help:      "Consumers attached to a queue at last inspection",
		}, []string{"queue", "kind"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messages,
			m.handlerDuration,
			m.publishes,
			m.publishDuration,
			m.replays,
			m.connected,
			m.disconnects,
			m.reconnects,
			m.queueMessages,
			m.queueConsumers,
		)
	}

	return m
}

// RecordMessage implements messaging.MetricsCollector
func (m *Metrics) RecordMessage(queue string, disposition messaging.Disposition, duration time.Duration) {
	m.messages.WithLabelValues(queue, string(disposition)).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordPublish implements messaging.MetricsCollector
func (m *Metrics) RecordPublish(exchange string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.publishes.WithLabelValues(exchange, result).Inc()
	m.publishDuration.WithLabelValues(exchange).Observe(duration.Seconds())
}

// RecordReplay implements messaging.MetricsCollector
func (m *Metrics) RecordReplay(queue string, republished bool) {
	action := "republished"
	if !republished {
		action = "discarded"
	}
	m.replays.WithLabelValues(queue, action).Inc()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnConnected() {
	m.connected.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnDisconnected(err error) {
	m.connected.Set(0)
	m.disconnects.Inc()
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnReconnecting(attempt int) {
	m.reconnects.Inc()
}

// ObserveQueue records the depth and consumers of an inspected queue
func (m *Metrics) ObserveQueue(queue string, info QueueInfo) {
	m.queueMessages.WithLabelValues(queue, info.Kind).Set(float64(info.Messages))
	m.queueConsumers.WithLabelValues(queue, info.Kind).Set(float64(info.Consumers))
}

var (
	_ messaging.MetricsCollector       = (*Metrics)(nil)
	_ rabbitmq.ConnectionStateListener = (*Metrics)(nil)
)
