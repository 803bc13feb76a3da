// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

// fakeBroker is an in-memory stand-in for a RabbitMQ node, good enough to
// drive the client through its amqpChannel and amqpConnection seams.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]*fakeExchange
	queues    map[string]*fakeQueue
	// failures holds one-shot errors returned by the next call of the named method.
	failures map[string]error
	conns    []*fakeConn
}

type fakeExchange struct {
	kind       string
	durable    bool
	autoDelete bool
	internal   bool
	bindings   []fakeBinding
}

type fakeBinding struct {
	queue string
	key   string
}

type fakeQueue struct {
	name      string
	durable   bool
	exclusive bool
	ready     []fakeMessage
	consumers []*fakeConsumer
	next      int
}

type fakeMessage struct {
	exchange    string
	key         string
	pub         amqp091.Publishing
	redelivered bool
}

type fakeConsumer struct {
	tag        string
	channel    *fakeChannel
	autoAck    bool
	deliveries chan amqp091.Delivery
}

type fakeUnacked struct {
	queue string
	msg   fakeMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: map[string]*fakeExchange{},
		queues:    map[string]*fakeQueue{},
		failures:  map[string]error{},
	}
}

// failNext makes the next call of method return err.
func (b *fakeBroker) failNext(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[method] = err
}

func (b *fakeBroker) injected(method string) error {
	err, ok := b.failures[method]
	if !ok {
		return nil
	}

	delete(b.failures, method)

	return err
}

// ready returns the number of messages waiting in queue.
func (b *fakeBroker) ready(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0
	}

	return len(q.ready)
}

// consumers returns the number of consumers registered on queue.
func (b *fakeBroker) consumers(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0
	}

	return len(q.consumers)
}

// enqueue puts payloads straight into queue, bypassing exchanges.
func (b *fakeBroker) enqueue(queue string, payloads ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queue]
	for _, p := range payloads {
		b.deliver(q, fakeMessage{key: queue, pub: amqp091.Publishing{Body: []byte(p)}})
	}
}

// killChannels closes every open channel, as the broker does when a node goes away.
func (b *fakeBroker) killChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			if !ch.closed {
				ch.closeLocked()
			}
		}
	}
}

func serverError(code int, reason string) *amqp091.Error {
	return &amqp091.Error{Code: code, Reason: reason, Server: true, Recover: true}
}

// route returns the queues an exchange delivers key to.
func (b *fakeBroker) route(exchange, key string) []*fakeQueue {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*fakeQueue{q}
		}

		return nil
	}

	ex := b.exchanges[exchange]

	var out []*fakeQueue

	for _, bind := range ex.bindings {
		if ex.kind == amqp091.ExchangeFanout || bind.key == key || bind.key == "#" {
			if q, ok := b.queues[bind.queue]; ok && !slices.Contains(out, q) {
				out = append(out, q)
			}
		}
	}

	return out
}

// deliver queues msg on q and hands out whatever the consumers have room for.
func (b *fakeBroker) deliver(q *fakeQueue, msg fakeMessage) {
	q.ready = append(q.ready, msg)
	b.dispatch(q)
}

// dispatch moves ready messages of q to its consumers round-robin, skipping
// consumers whose channel has reached its prefetch.
func (b *fakeBroker) dispatch(q *fakeQueue) {
	for len(q.ready) > 0 {
		cons := q.pick()
		if cons == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]

		ch := cons.channel
		ch.tag++

		if !cons.autoAck {
			ch.unacked[ch.tag] = fakeUnacked{queue: q.name, msg: msg}
		}

		cons.deliveries <- delivery(msg, ch.tag, cons.tag, len(q.ready))
	}
}

func (q *fakeQueue) pick() *fakeConsumer {
	n := len(q.consumers)
	for i := range n {
		cons := q.consumers[(q.next+i)%n]
		if cons.hasRoom() {
			q.next += i + 1

			return cons
		}
	}

	return nil
}

func (c *fakeConsumer) hasRoom() bool {
	ch := c.channel

	return c.autoAck || ch.prefetch == 0 || len(ch.unacked) < ch.prefetch
}

// outstanding returns the number of deliveries not yet acknowledged on any channel.
func (b *fakeBroker) outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			n += len(ch.unacked)
		}
	}

	return n
}

func delivery(msg fakeMessage, tag uint64, consumer string, count int) amqp091.Delivery {
	return amqp091.Delivery{
		Headers:      msg.pub.Headers,
		ContentType:  msg.pub.ContentType,
		MessageId:    msg.pub.MessageId,
		DeliveryTag:  tag,
		ConsumerTag:  consumer,
		MessageCount: uint32(count),
		Redelivered:  msg.redelivered,
		Exchange:     msg.exchange,
		RoutingKey:   msg.key,
		Body:         msg.pub.Body,
	}
}

type fakeConn struct {
	b        *fakeBroker
	closed   bool
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (amqpChannel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if err := c.b.injected("Channel"); err != nil {
		return nil, err
	}

	if c.closed {
		return nil, amqp091.ErrClosed
	}

	ch := &fakeChannel{
		b:       c.b,
		id:      uint16(len(c.channels) + 1),
		unacked: map[uint64]fakeUnacked{},
	}
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *fakeConn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if err := c.b.injected("Connection.Close"); err != nil {
		return err
	}

	if c.closed {
		return amqp091.ErrClosed
	}

	for _, ch := range c.channels {
		if !ch.closed {
			ch.closeLocked()
		}
	}

	c.closed = true

	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	return c.closed
}

type fakeChannel struct {
	b         *fakeBroker
	id        uint16
	closed    bool
	tag       uint64
	unacked   map[uint64]fakeUnacked
	prefetch  int
	confirm   bool
	published uint64
	confirms  []chan amqp091.Confirmation
	returns   []chan amqp091.Return
	consumers []*fakeConsumer
}

// closeLocked requeues unacknowledged messages, ends consumers and closes
// the notification channels.
func (ch *fakeChannel) closeLocked() {
	ch.closed = true

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}

	slices.Sort(tags)

	requeued := map[string][]fakeMessage{}
	for _, tag := range tags {
		u := ch.unacked[tag]
		u.msg.redelivered = true
		requeued[u.queue] = append(requeued[u.queue], u.msg)
	}

	clear(ch.unacked)

	for _, cons := range slices.Clone(ch.consumers) {
		ch.b.dropConsumer(cons)
	}

	for name, msgs := range requeued {
		if q, ok := ch.b.queues[name]; ok {
			q.ready = append(msgs, q.ready...)
			ch.b.dispatch(q)
		}
	}

	for _, c := range ch.confirms {
		close(c)
	}

	for _, c := range ch.returns {
		close(c)
	}

	ch.confirms, ch.returns = nil, nil
}

// fail closes the channel with a server exception and returns it.
func (ch *fakeChannel) fail(code int, reason string) error {
	ch.closeLocked()

	return serverError(code, reason)
}

// dropConsumer unregisters cons and ends its delivery stream.
func (b *fakeBroker) dropConsumer(cons *fakeConsumer) {
	same := func(c *fakeConsumer) bool { return c == cons }

	for _, q := range b.queues {
		q.consumers = slices.DeleteFunc(q.consumers, same)
	}

	cons.channel.consumers = slices.DeleteFunc(cons.channel.consumers, same)

	close(cons.deliveries)
}

// begin checks injected failures and the closed flag. Must be called with b.mu held.
func (ch *fakeChannel) begin(method string) error {
	if err := ch.b.injected(method); err != nil {
		return err
	}

	if ch.closed {
		return amqp091.ErrClosed
	}

	return nil
}

func (ch *fakeChannel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("Channel.Close"); err != nil {
		return err
	}

	ch.closeLocked()

	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, _ bool, _ amqp091.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("ExchangeDeclare"); err != nil {
		return err
	}

	if ex, ok := ch.b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete || ex.internal != internal {
			return ch.fail(406, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s' in vhost '/'", name))
		}

		return nil
	}

	ch.b.exchanges[name] = &fakeExchange{kind: kind, durable: durable, autoDelete: autoDelete, internal: internal}

	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("ExchangeDeclarePassive"); err != nil {
		return err
	}

	if _, ok := ch.b.exchanges[name]; !ok {
		return ch.fail(404, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", name))
	}

	return nil
}

func (ch *fakeChannel) ExchangeDelete(name string, _, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("ExchangeDelete"); err != nil {
		return err
	}

	if _, ok := ch.b.exchanges[name]; !ok {
		return ch.fail(404, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", name))
	}

	delete(ch.b.exchanges, name)

	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, exclusive, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("QueueDeclare"); err != nil {
		return amqp091.Queue{}, err
	}

	if q, ok := ch.b.queues[name]; ok {
		if q.durable != durable || q.exclusive != exclusive {
			return amqp091.Queue{}, ch.fail(406, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/'", name))
		}

		return amqp091.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	ch.b.queues[name] = &fakeQueue{name: name, durable: durable, exclusive: exclusive}

	return amqp091.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("QueueDeclarePassive"); err != nil {
		return amqp091.Queue{}, err
	}

	q, ok := ch.b.queues[name]
	if !ok {
		return amqp091.Queue{}, ch.fail(404, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}

	return amqp091.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("QueueDelete"); err != nil {
		return 0, err
	}

	q, ok := ch.b.queues[name]
	if !ok {
		return 0, nil
	}

	for _, cons := range slices.Clone(q.consumers) {
		ch.b.dropConsumer(cons)
	}

	delete(ch.b.queues, name)

	for _, ex := range ch.b.exchanges {
		ex.bindings = slices.DeleteFunc(ex.bindings, func(bind fakeBinding) bool { return bind.queue == name })
	}

	return len(q.ready), nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("QueueBind"); err != nil {
		return err
	}

	ex, ok := ch.b.exchanges[exchange]
	if !ok {
		return ch.fail(404, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange))
	}

	if _, ok = ch.b.queues[name]; !ok {
		return ch.fail(404, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}

	bind := fakeBinding{queue: name, key: key}
	if !slices.Contains(ex.bindings, bind) {
		ex.bindings = append(ex.bindings, bind)
	}

	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, _ bool, msg amqp091.Publishing) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("PublishWithContext"); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := ch.b.exchanges[exchange]; exchange != "" && !ok {
		return ch.fail(404, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange))
	}

	targets := ch.b.route(exchange, key)

	if len(targets) == 0 && mandatory {
		for _, c := range ch.returns {
			c <- amqp091.Return{
				ReplyCode:  312,
				ReplyText:  "NO_ROUTE",
				Exchange:   exchange,
				RoutingKey: key,
				MessageId:  msg.MessageId,
				Body:       msg.Body,
			}
		}
	}

	for _, q := range targets {
		ch.b.deliver(q, fakeMessage{exchange: exchange, key: key, pub: msg})
	}

	if ch.confirm {
		ch.published++

		nack := ch.b.injected("nack") != nil
		for _, c := range ch.confirms {
			c <- amqp091.Confirmation{DeliveryTag: ch.published, Ack: !nack}
		}
	}

	return nil
}

func (ch *fakeChannel) Confirm(_ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("Confirm"); err != nil {
		return err
	}

	ch.confirm = true

	return nil
}

func (ch *fakeChannel) NotifyPublish(c chan amqp091.Confirmation) chan amqp091.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.confirms = append(ch.confirms, c)

	return c
}

func (ch *fakeChannel) NotifyReturn(c chan amqp091.Return) chan amqp091.Return {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.returns = append(ch.returns, c)

	return c
}

func (ch *fakeChannel) Get(queue string, autoAck bool) (amqp091.Delivery, bool, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("Get"); err != nil {
		return amqp091.Delivery{}, false, err
	}

	q, ok := ch.b.queues[queue]
	if !ok {
		return amqp091.Delivery{}, false, ch.fail(404, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queue))
	}

	if len(q.ready) == 0 {
		return amqp091.Delivery{}, false, nil
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]

	ch.tag++
	if !autoAck {
		ch.unacked[ch.tag] = fakeUnacked{queue: queue, msg: msg}
	}

	return delivery(msg, ch.tag, "", len(q.ready)), true, nil
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("Ack"); err != nil {
		return err
	}

	if _, ok := ch.unacked[tag]; !ok {
		return ch.fail(406, "PRECONDITION_FAILED - unknown delivery tag "+strconv.FormatUint(tag, 10))
	}

	u := ch.unacked[tag]
	delete(ch.unacked, tag)

	if q, ok := ch.b.queues[u.queue]; ok {
		ch.b.dispatch(q)
	}

	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("Qos"); err != nil {
		return err
	}

	ch.prefetch = prefetchCount

	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("Consume"); err != nil {
		return nil, err
	}

	q, ok := ch.b.queues[queue]
	if !ok {
		return nil, ch.fail(404, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queue))
	}

	cons := &fakeConsumer{
		tag:        consumer,
		channel:    ch,
		autoAck:    autoAck,
		deliveries: make(chan amqp091.Delivery, 256),
	}

	ch.consumers = append(ch.consumers, cons)
	q.consumers = append(q.consumers, cons)

	ch.b.dispatch(q)

	return cons.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.begin("Cancel"); err != nil {
		return err
	}

	idx := slices.IndexFunc(ch.consumers, func(c *fakeConsumer) bool { return c.tag == consumer })
	if idx < 0 {
		return nil
	}

	ch.b.dropConsumer(ch.consumers[idx])

	return nil
}

// fakeTransport runs the connect chain against a fakeBroker. failAt names the
// step that fails with err.
type fakeTransport struct {
	broker *fakeBroker
	failAt string
	err    error

	mu    sync.Mutex
	steps []string
}

func (t *fakeTransport) step(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.steps = append(t.steps, name)

	if t.failAt == name {
		return t.err
	}

	return nil
}

func (t *fakeTransport) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.steps)
}

func (t *fakeTransport) allocate(host string, port int, username, password string, heartbeat time.Duration) (endpoint, error) {
	if err := t.step("allocate"); err != nil {
		return endpoint{}, err
	}

	return endpoint{
		uri: amqp091.URI{Scheme: "amqp", Host: host, Port: port, Username: username, Password: password, Vhost: defaultVHost},
		config: amqp091.Config{
			SASL:      []amqp091.Authentication{&amqp091.PlainAuth{Username: username, Password: password}},
			Vhost:     defaultVHost,
			Heartbeat: heartbeat,
		},
	}, nil
}

func (t *fakeTransport) openSocket(ep endpoint) (string, error) {
	if err := t.step("socket"); err != nil {
		return "", err
	}

	return net.JoinHostPort(ep.uri.Host, strconv.Itoa(ep.uri.Port)), nil
}

func (t *fakeTransport) connect(_ context.Context, _ string, _ time.Duration) (net.Conn, error) {
	if err := t.step("connect"); err != nil {
		return nil, err
	}

	client, server := net.Pipe()
	_ = server.Close()

	return client, nil
}

func (t *fakeTransport) login(conn net.Conn, _ endpoint, _ time.Duration) (amqpConnection, error) {
	if err := t.step("login"); err != nil {
		return nil, err
	}

	_ = conn.Close()

	c := &fakeConn{b: t.broker}

	t.broker.mu.Lock()
	t.broker.conns = append(t.broker.conns, c)
	t.broker.mu.Unlock()

	return c, nil
}

var errInjected = errors.New("injected failure")

// connectedClient returns a client connected to a fresh fake broker.
func connectedClient(t *testing.T, opts ...Option) (*Client, *fakeBroker) {
	t.Helper()

	b := newFakeBroker()
	c := New(append([]Option{withTransport(&fakeTransport{broker: b})}, opts...)...)

	require.NoError(t, c.Connect(context.Background(), "localhost", 5672, "guest", "guest"))

	t.Cleanup(func() {
		_ = c.Disconnect()
	})

	return c, b
}
