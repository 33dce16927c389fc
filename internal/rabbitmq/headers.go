package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	HeaderDeath          = "x-death"
	HeaderOrigRoutingKey = "x-orig-routing-key"
	HeaderRetryCount     = "x-retry-count"
	HeaderDelay          = "x-delay"
	ContentTypeJSON      = "application/json"
)

// Death is the most recent x-death entry added by the broker
type Death struct {
	Queue    string
	Exchange string
	Reason   string
	Count    int
}

// LastDeath returns the first x-death entry, if any
func LastDeath(headers amqp.Table) (Death, bool) {
	xDeath, ok := headers[HeaderDeath].([]interface{})
	if !ok || len(xDeath) == 0 {
		return Death{}, false
	}
	entry, ok := xDeath[0].(amqp.Table)
	if !ok {
		return Death{}, false
	}

	return Death{
		Queue:    headerString(entry, "queue"),
		Exchange: headerString(entry, "exchange"),
		Reason:   headerString(entry, "reason"),
		Count:    headerInt(entry, "count"),
	}, true
}

// DeathCount returns x-death[0].count, or 0
func DeathCount(headers amqp.Table) int {
	death, ok := LastDeath(headers)
	if !ok {
		return 0
	}
	return death.Count
}

// RetryCount returns how many times a message has already been retried.
// The broker's x-death count is authoritative; x-retry-count is written
// alongside it when rerouting and covers brokers that drop x-death from
// republished messages.
func RetryCount(headers amqp.Table) int {
	count := DeathCount(headers)
	if own := headerInt(headers, HeaderRetryCount); own > count {
		return own
	}
	return count
}

// OriginalRoutingKey returns the routing key the message was first
// published with.
func OriginalRoutingKey(d amqp.Delivery) string {
	if key := headerString(d.Headers, HeaderOrigRoutingKey); key != "" {
		return key
	}
	return d.RoutingKey
}

// RerouteHeaders copies src and records the original routing key and the
// number of failed attempts.
func RerouteHeaders(src amqp.Table, origRoutingKey string, attempts int) amqp.Table {
	headers := make(amqp.Table, len(src)+2)
	for k, v := range src {
		headers[k] = v
	}
	headers[HeaderOrigRoutingKey] = origRoutingKey
	headers[HeaderRetryCount] = int32(attempts)
	return headers
}

// ReplayHeaders returns headers carrying only the original routing key
func ReplayHeaders(origRoutingKey string) amqp.Table {
	return amqp.Table{HeaderOrigRoutingKey: origRoutingKey}
}

// DelayHeaders returns the x-delay header for the delayed-message exchange
func DelayHeaders(delay time.Duration) amqp.Table {
	if delay <= 0 {
		return nil
	}
	return amqp.Table{HeaderDelay: delay.Milliseconds()}
}

// Republish builds a publishing from a delivery, keeping its properties
// and replacing body and headers.
func Republish(d amqp.Delivery, body []byte, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            body,
	}
}

// headerString safely extracts a string from headers
func headerString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

// headerInt safely extracts an int from headers
func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
