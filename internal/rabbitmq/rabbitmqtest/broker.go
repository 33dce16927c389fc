// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq Connection and Channel interfaces for tests.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

// Exchange is a recorded exchange declaration
type Exchange struct {
	Name string
	Kind string
	Args amqp.Table
}

// Queue is a recorded queue declaration
type Queue struct {
	Name    string
	Durable bool
	Args    amqp.Table
}

// Binding is a recorded queue binding
type Binding struct {
	Queue    string
	Key      string
	Exchange string
}

// Published is a message handed to PublishWithContext
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Broker records topology, publishes and settlements and hands out
// deliveries to consumers registered through its channels.
type Broker struct {
	mu           sync.Mutex
	dialFailures []error
	dials        int
	conns        []*Connection
	exchanges    map[string]Exchange
	queues       map[string]Queue
	bindings     []Binding
	published    []Published
	ready        map[string][]amqp.Delivery

	// PublishErr, when set, fails every publish
	PublishErr error
	// DeclareErr, when set for a name, fails declaring that exchange or queue
	DeclareErr map[string]error
}

// NewBroker returns an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges:  make(map[string]Exchange),
		queues:     make(map[string]Queue),
		ready:      make(map[string][]amqp.Delivery),
		DeclareErr: make(map[string]error),
	}
}

// FailDials makes the next len(errs) dials fail with errs in order
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFailures = append(b.dialFailures, errs...)
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialFailures) > 0 {
		err := b.dialFailures[0]
		b.dialFailures = b.dialFailures[1:]
		return nil, err
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	conns := append([]*Connection(nil), b.conns...)
	b.mu.Unlock()

	open := 0
	for _, c := range conns {
		if !c.IsClosed() {
			open++
		}
	}
	return open
}

// Connection returns the most recent connection, or nil
func (b *Broker) Connection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Exchange returns the declaration recorded for name
func (b *Broker) Exchange(name string) (Exchange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex, ok
}

// Queue returns the declaration recorded for name
func (b *Broker) Queue(name string) (Queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

// Bindings returns every binding declared so far
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}

// Published returns every message published so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Enqueue makes a message ready on queue for Get
func (b *Broker) Enqueue(queue string, d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d.RoutingKey = defaultString(d.RoutingKey, queue)
	b.ready[queue] = append(b.ready[queue], d)
}

// Ready returns the number of messages ready on queue
func (b *Broker) Ready(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready[queue])
}

// Deliver pushes d to a consumer of queue. It reports false when no
// channel is consuming the queue.
func (b *Broker) Deliver(queue string, d amqp.Delivery) bool {
	ch := b.consumerChannel(queue)
	if ch == nil {
		return false
	}
	return ch.deliver(queue, d)
}

// WaitForConsumer polls until a channel consumes queue or timeout elapses
func (b *Broker) WaitForConsumer(queue string, timeout time.Duration) (*Channel, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if ch := b.consumerChannel(queue); ch != nil {
			return ch, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *Broker) consumerChannel(queue string) *Channel {
	b.mu.Lock()
	conns := append([]*Connection(nil), b.conns...)
	b.mu.Unlock()

	for i := len(conns) - 1; i >= 0; i-- {
		for _, ch := range conns[i].channelList() {
			if ch.consuming(queue) {
				return ch
			}
		}
	}
	return nil
}

func (b *Broker) takeReady(queue string, max int) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.ready[queue]
	if len(msgs) > max {
		msgs = msgs[:max]
	}
	b.ready[queue] = b.ready[queue][len(msgs):]
	return msgs
}

func (b *Broker) declareErr(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.DeclareErr[name]
}

// Connection is an in-memory rabbitmq.Connection
type Connection struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]pending),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns every channel opened on the connection
func (c *Connection) Channels() []*Channel {
	return c.channelList()
}

func (c *Connection) channelList() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// NotifyClose implements rabbitmq.Connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Drop simulates the broker severing the connection
func (c *Connection) Drop(reason string) {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true, Recover: true})
}

func (c *Connection) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	return nil
}

type consumer struct {
	tag        string
	queue      string
	deliveries chan amqp.Delivery
}

type pending struct {
	queue    string
	delivery amqp.Delivery
}

// Settlement records an ack, nack or reject
type Settlement struct {
	Tag      uint64
	Ack      bool
	Multiple bool
	Requeue  bool
}

// Channel is an in-memory rabbitmq.Channel. It acts as the Acknowledger
// of deliveries that do not carry their own.
type Channel struct {
	broker      *Broker
	mu          sync.Mutex
	closed      bool
	nextTag     uint64
	consumers   map[string]*consumer
	unacked     map[uint64]pending
	settlements []Settlement
	notify      []chan *amqp.Error
	prefetch    int
	cancelled   []string
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.usable(); err != nil {
		return err
	}
	if err := ch.broker.declareErr(name); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok && existing.Kind != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '" + name + "'"}
	}
	b.exchanges[name] = Exchange{Name: name, Kind: kind, Args: args}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.usable(); err != nil {
		return amqp.Queue{}, err
	}
	if err := ch.broker.declareErr(name); err != nil {
		return amqp.Queue{}, err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.queues[name]; ok && fmt.Sprint(existing.Args) != fmt.Sprint(args) {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent args for queue '" + name + "'"}
	}
	b.queues[name] = Queue{Name: name, Durable: durable, Args: args}
	return amqp.Queue{Name: name, Messages: len(b.ready[name])}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.usable(); err != nil {
		return amqp.Queue{}, err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}

	consumers := 0
	for _, conn := range b.conns {
		for _, c := range conn.channelList() {
			if c.consuming(name) {
				consumers++
			}
		}
	}
	return amqp.Queue{Name: name, Messages: len(b.ready[name]), Consumers: consumers}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.usable(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	binding := Binding{Queue: name, Key: key, Exchange: exchange}
	for _, existing := range b.bindings {
		if existing == binding {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding)
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ch.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.published = append(b.published, Published{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.usable(); err != nil {
		return nil, err
	}
	if _, ok := ch.broker.Queue(queue); !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}

	ch.mu.Lock()
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("ctag-%d", len(ch.consumers)+1)
	}
	c := &consumer{tag: consumerTag, queue: queue, deliveries: make(chan amqp.Delivery, 64)}
	ch.consumers[consumerTag] = c
	ch.mu.Unlock()

	// messages already waiting on the queue go to the new consumer
	for _, d := range ch.broker.takeReady(queue, cap(c.deliveries)) {
		d.Acknowledger = nil
		ch.deliver(queue, d)
	}
	return c.deliveries, nil
}

// Get implements rabbitmq.Channel
func (ch *Channel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if err := ch.usable(); err != nil {
		return amqp.Delivery{}, false, err
	}

	b := ch.broker
	b.mu.Lock()
	msgs := b.ready[queue]
	if len(msgs) == 0 {
		b.mu.Unlock()
		return amqp.Delivery{}, false, nil
	}
	d := msgs[0]
	b.ready[queue] = msgs[1:]
	b.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextTag++
	d.DeliveryTag = ch.nextTag
	d.Acknowledger = ch
	if !autoAck {
		ch.unacked[d.DeliveryTag] = pending{queue: queue, delivery: d}
	}
	return d, true, nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.usable(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	close(c.deliveries)
	ch.cancelled = append(ch.cancelled, consumerTag)
	return nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

// Break simulates a channel-level failure reported by the broker
func (ch *Channel) Break(reason string) {
	ch.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: reason, Server: true, Recover: true})
}

func (ch *Channel) shutdown(cause *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = make(map[string]*consumer)
	notify := ch.notify
	ch.notify = nil
	unacked := ch.unacked
	ch.unacked = make(map[uint64]pending)
	ch.mu.Unlock()

	ch.broker.requeue(unacked)

	for _, c := range consumers {
		close(c.deliveries)
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(Settlement{Tag: tag, Ack: true, Multiple: multiple})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(Settlement{Tag: tag, Multiple: multiple, Requeue: requeue})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(Settlement{Tag: tag, Requeue: requeue})
}

// Settlements returns every ack, nack and reject received
func (ch *Channel) Settlements() []Settlement {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Settlement(nil), ch.settlements...)
}

// Prefetch returns the last prefetch count set through Qos
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// Cancelled returns the consumer tags cancelled on the channel
func (ch *Channel) Cancelled() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.cancelled...)
}

func (ch *Channel) settle(s Settlement) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.settlements = append(ch.settlements, s)

	settled := make(map[uint64]pending)
	for tag, p := range ch.unacked {
		if tag == s.Tag || (s.Multiple && tag <= s.Tag) {
			settled[tag] = p
			delete(ch.unacked, tag)
		}
	}
	ch.mu.Unlock()

	if !s.Ack && s.Requeue {
		ch.broker.requeue(settled)
	}
	return nil
}

func (ch *Channel) consuming(queue string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	for _, c := range ch.consumers {
		if c.queue == queue {
			return true
		}
	}
	return false
}

func (ch *Channel) deliver(queue string, d amqp.Delivery) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	for _, c := range ch.consumers {
		if c.queue != queue {
			continue
		}
		ch.nextTag++
		d.DeliveryTag = ch.nextTag
		d.ConsumerTag = c.tag
		d.RoutingKey = defaultString(d.RoutingKey, queue)
		if d.Acknowledger == nil {
			d.Acknowledger = ch
			ch.unacked[d.DeliveryTag] = pending{queue: queue, delivery: d}
		}
		c.deliveries <- d
		return true
	}
	return false
}

func (ch *Channel) usable() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// requeue puts settled deliveries back at the head of their queues in
// delivery order.
func (b *Broker) requeue(msgs map[uint64]pending) {
	if len(msgs) == 0 {
		return
	}

	tags := make([]uint64, 0, len(msgs))
	for tag := range msgs {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tag := range tags {
		p := msgs[tag]
		d := p.delivery
		d.Redelivered = true
		d.Acknowledger = nil
		b.ready[p.queue] = append([]amqp.Delivery{d}, b.ready[p.queue]...)
	}
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

var (
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
