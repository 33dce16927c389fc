// Package rabbitmq wraps amqp091-go for the retry topology.
//
// This package includes:
//   - Session: owns one broker connection and its named channels, and
//     reconnects on demand after the connection drops
//   - TopologyManager: declares the live, retry and failed exchanges and
//     the consume, retry and failed queues of a logical queue
//   - Header helpers: read the retry count and original routing key of a
//     delivery and build the headers for retried, failed and replayed
//     messages
//
// Channel and Connection are the subset of the amqp091-go API the
// package uses, so tests can run against rabbitmqtest.Broker instead of
// a live server.
package rabbitmq
