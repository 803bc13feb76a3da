// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rabbit "github.com/GwynCerbin/rabbitclient"
	"github.com/GwynCerbin/rabbitclient/internal/fifo"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

var _ rabbit.Consumer = (*Client)(nil)

// ReceiverState is the lifecycle state of the push receiver.
type ReceiverState int32

const (
	ReceiverIdle ReceiverState = iota
	ReceiverRunning
	ReceiverStopped
)

// String returns the state name.
func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case ReceiverRunning:
		return "running"
	case ReceiverStopped:
		return "stopped"
	default:
		return fmt.Sprintf("receiver(%d)", int32(s))
	}
}

// receiver is the background consumer of one queue. It owns its own channel
// and feeds buf until stopped or until the delivery stream fails.
type receiver struct {
	channel    amqpChannel
	deliveries <-chan amqp091.Delivery
	queue      string
	tag        string
	timeout    time.Duration
	noAck      bool

	buf *fifo.Queue[*Delivery]

	// ctx is cancelled to ask the loop to stop; done is closed when it has.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state atomic.Int32

	errMute sync.Mutex
	err     error

	closeOnce sync.Once
	closeErr  error
}

func (r *receiver) setErr(err error) {
	r.errMute.Lock()
	r.err = err
	r.errMute.Unlock()
}

func (r *receiver) lastErr() error {
	r.errMute.Lock()
	defer r.errMute.Unlock()

	return r.err
}

// ConsumeListen registers a consumer on queue over a dedicated channel and
// starts the background receiver. Each delivery is pushed into the internal
// queue and then acknowledged unless noAck is set. The receiver waits at most
// timeout for a delivery before checking for a stop request again. A timeout
// is an idle tick, not a failure: the receiver keeps running and only a closed
// delivery stream or a failed ack stops it.
//
// With acks on, the broker never has more deliveries outstanding than the
// prefetch: WithPrefetch when set, otherwise the buffer size plus one, so a
// full buffer stalls the broker instead of the client library. With noAck the
// broker cannot be throttled and only the buffer policy applies.
//
// Setup failures are returned. Only one receiver may run per client: a second
// call while one is running fails with ErrReceiverActive. A stopped receiver
// is released and replaced, dropping any payloads it still buffered.
func (c *Client) ConsumeListen(queue string, timeout time.Duration, noAck bool) error {
	const op = "consume listen"

	switch {
	case queue == "":
		return c.fail(paramError(op, "queue name"))
	case timeout <= 0:
		return c.fail(paramError(op, "timeout"))
	}

	c.recvMute.Lock()
	defer c.recvMute.Unlock()

	if old := c.recv; old != nil {
		if old.state.Load() == int32(ReceiverRunning) {
			return c.fail(newError(op, KindReceiverActive, fmt.Errorf("queue %q", old.queue)))
		}

		if err := c.shutdown(old); err != nil {
			c.log.Warn("release stopped receiver", "queue", old.queue, "error", err)
		}

		c.recv = nil
	}

	c.mute.Lock()
	if c.State() != Open || c.connection == nil {
		c.mute.Unlock()

		return c.fail(newError(op, KindNotOpen, nil))
	}

	ch, err := c.connection.Channel()
	c.mute.Unlock()

	if err != nil {
		return c.fail(newError(op, KindChannelOpen, err))
	}

	if prefetch := c.prefetch(noAck); prefetch > 0 {
		if err = ch.Qos(prefetch, 0, false); err != nil {
			return c.check(op, multierr.Append(err, ignoreClosed(ch.Close())))
		}
	}

	tag := clientName + "-" + uuid.NewString()

	deliveries, err := ch.Consume(queue, tag, noAck, false, false, false, nil)
	if err != nil {
		return c.check(op, multierr.Append(err, ignoreClosed(ch.Close())))
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &receiver{
		channel:    ch,
		deliveries: deliveries,
		queue:      queue,
		tag:        tag,
		timeout:    timeout,
		noAck:      noAck,
		buf:        fifo.New[*Delivery](c.opts.bufferSize, c.opts.policy),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	r.state.Store(int32(ReceiverRunning))

	c.recv = r

	go c.receive(r)

	c.log.Info("receiver started", "queue", queue, "consumer", tag, "no_ack", noAck,
		"buffer", c.opts.bufferSize, "policy", c.opts.policy.String(), "prefetch", c.prefetch(noAck))

	return nil
}

// prefetch returns the basic.qos count for a receiver, 0 for none. The ack
// follows the push, so one delivery beyond the buffer size is in flight.
func (c *Client) prefetch(noAck bool) int {
	switch {
	case c.opts.prefetch > 0:
		return c.opts.prefetch
	case noAck || c.opts.bufferSize <= 0:
		return 0
	default:
		return c.opts.bufferSize + 1
	}
}

// receive is the receiver loop. It exits on a stop request or on the first
// failure, which it records for ReceiverErr.
func (c *Client) receive(r *receiver) {
	defer func() {
		r.state.Store(int32(ReceiverStopped))
		r.buf.Close()
		close(r.done)
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		if r.ctx.Err() != nil {
			return
		}

		timer.Reset(r.timeout)

		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
			c.log.Debug("no delivery within timeout", "queue", r.queue, "timeout", r.timeout)
		case d, ok := <-r.deliveries:
			if !ok {
				r.setErr(c.check("consume", NoReplyError{}))

				return
			}

			if !c.accept(r, d) {
				return
			}
		}
	}
}

// accept buffers one delivery and acknowledges it. It reports false when the
// loop has to end.
func (c *Client) accept(r *receiver, d amqp091.Delivery) bool {
	evicted, err := r.buf.Push(r.ctx, &Delivery{deliver: d})
	if err != nil {
		// Stop arrived while the queue was full. The delivery stays unacked
		// and the broker requeues it when the consumer is cancelled.
		return false
	}

	if evicted {
		c.log.Warn("receiver queue full, dropped oldest payload", "queue", r.queue, "dropped", r.buf.Dropped())
	}

	if r.noAck {
		return true
	}

	if err = r.channel.Ack(d.DeliveryTag, false); err != nil {
		r.setErr(c.check("ack", err))

		return false
	}

	return true
}

// StopListen stops the receiver and waits for its loop to exit, then cancels
// the consumer and closes the receiver channel. Payloads already buffered stay
// readable. It returns nil when no receiver was started.
func (c *Client) StopListen() error {
	c.recvMute.Lock()
	defer c.recvMute.Unlock()

	if c.recv == nil {
		return nil
	}

	return c.shutdown(c.recv)
}

// shutdown joins the loop of r and releases its channel once.
func (c *Client) shutdown(r *receiver) error {
	r.cancel()
	<-r.done

	r.closeOnce.Do(func() {
		err := multierr.Append(
			ignoreClosed(r.channel.Cancel(r.tag, false)),
			ignoreClosed(r.channel.Close()),
		)

		r.closeErr = c.check("stop listen", err)

		c.log.Info("receiver stopped", "queue", r.queue, "consumer", r.tag, "dropped", r.buf.Dropped())
	})

	return r.closeErr
}

// ignoreClosed drops the error amqp091 returns for a channel the broker already closed.
func ignoreClosed(err error) error {
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}

	return err
}

func (c *Client) receiver() *receiver {
	c.recvMute.Lock()
	defer c.recvMute.Unlock()

	return c.recv
}

// Consume pops one payload from the internal queue. With block it waits until
// a payload arrives, the receiver stops with nothing left, or ctx is done;
// without block it returns at once. ok reports whether a payload was retrieved.
func (c *Client) Consume(ctx context.Context, block bool) (payload []byte, ok bool) {
	r := c.receiver()
	if r == nil {
		return nil, false
	}

	var d *Delivery
	if block {
		d, ok = r.buf.Pop(ctx)
	} else {
		d, ok = r.buf.TryPop()
	}

	if !ok {
		return nil, false
	}

	return d.Body(), true
}

// Next blocks for the next buffered delivery. Once the receiver has stopped and
// the queue is drained it returns ErrReceiverStopped wrapping the failure that
// stopped it, if any.
func (c *Client) Next(ctx context.Context) (rabbit.Message, error) {
	const op = "next"

	r := c.receiver()
	if r == nil {
		return nil, newError(op, KindReceiverStopped, errors.New("receiver never started"))
	}

	d, ok := r.buf.Pop(ctx)
	if ok {
		return d, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, newError(op, KindReceiverStopped, r.lastErr())
}

// ReceiverState returns the lifecycle state of the receiver.
func (c *Client) ReceiverState() ReceiverState {
	r := c.receiver()
	if r == nil {
		return ReceiverIdle
	}

	return ReceiverState(r.state.Load())
}

// ReceiverErr returns the failure that stopped the receiver, nil while it runs
// or after a requested stop.
func (c *Client) ReceiverErr() error {
	r := c.receiver()
	if r == nil {
		return nil
	}

	return r.lastErr()
}

// Dropped returns how many payloads the drop-oldest policy has evicted.
func (c *Client) Dropped() uint64 {
	r := c.receiver()
	if r == nil {
		return 0
	}

	return r.buf.Dropped()
}

// Buffered returns the number of payloads waiting in the internal queue.
func (c *Client) Buffered() int {
	r := c.receiver()
	if r == nil {
		return 0
	}

	return r.buf.Len()
}
