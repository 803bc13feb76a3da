// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package adapter is a single-connection AMQP 0-9-1 client: connect and
// disconnect, topology declaration, publishing, pull consumption (Get) and push
// consumption through a background receiver feeding an internal queue.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// State is the lifecycle state of the client connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client owns one AMQP connection and its foreground channel. Foreground calls
// (declare, publish, get) are serialised on that channel; the push receiver runs
// on a second channel of the same connection.
type Client struct {
	// mute serialises foreground calls so only one request is in flight on the channel.
	mute sync.Mutex
	// state holds the current State.
	state atomic.Int32
	// connection is the live AMQP connection, nil while disconnected.
	connection amqpConnection
	// channel is the foreground channel, id 1.
	channel amqpChannel
	// confirms and returns are registered on the foreground channel in confirm mode.
	confirms chan amqp091.Confirmation
	returns  chan amqp091.Return
	// published counts publishes in confirm mode; it matches the broker's delivery tags.
	published uint64
	// host and port of the current or last connection, for diagnostics.
	host string
	port int

	opts clientOptions
	log  Logger

	// recvMute guards the receiver slot.
	recvMute sync.Mutex
	recv     *receiver
}

// New returns a disconnected client.
func New(opts ...Option) *Client {
	options := defaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Client{
		opts: options,
		log:  options.logger,
	}
}

// NewFromConfig returns a disconnected client tuned by cfg. Extra options are
// applied after the ones derived from cfg.
func NewFromConfig(cfg Config, opts ...Option) *Client {
	return New(append(cfg.options(), opts...)...)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ChannelID returns the id of the foreground channel. It never changes.
func (c *Client) ChannelID() uint16 {
	return foregroundChannelID
}

// Connect runs the connect chain: validate parameters, allocate the connection
// handle, open the socket, connect the transport, log in on vhost "/" and open
// the foreground channel. It stops at the first failing step, whose kind tells
// where the chain broke.
func (c *Client) Connect(ctx context.Context, host string, port int, username, password string) error {
	const op = "connect"

	switch {
	case host == "":
		return c.fail(paramError(op, "host"))
	case port <= 0 || port > 0xFFFF:
		return c.fail(paramError(op, "port"))
	case username == "":
		return c.fail(paramError(op, "username"))
	case password == "":
		return c.fail(paramError(op, "password"))
	}

	c.mute.Lock()
	defer c.mute.Unlock()

	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return c.fail(newError(op, KindAlreadyOpen, fmt.Errorf("client is %s", c.State())))
	}

	tr := c.opts.transport

	ep, err := tr.allocate(host, port, username, password, c.opts.heartbeat)
	if err != nil {
		return c.abort(newError(op, KindAllocation, err))
	}

	addr, err := tr.openSocket(ep)
	if err != nil {
		return c.abort(newError(op, KindSocket, err))
	}

	conn, err := tr.connect(ctx, addr, c.opts.dialTimeout)
	if err != nil {
		return c.abort(newError(op, KindTransport, err))
	}

	con, err := tr.login(conn, ep, c.opts.dialTimeout)
	if err != nil {
		return c.abort(newError(op, KindAuth, multierr.Append(err, conn.Close())))
	}

	ch, err := con.Channel()
	if err != nil {
		return c.abort(newError(op, KindChannelOpen, multierr.Append(err, con.Close())))
	}

	if c.opts.confirm {
		if err = ch.Confirm(false); err != nil {
			return c.abort(newError(op, KindChannelOpen, multierr.Combine(err, ch.Close(), con.Close())))
		}

		c.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 16))
		c.returns = ch.NotifyReturn(make(chan amqp091.Return, 16))
		c.published = 0
	}

	c.connection, c.channel = con, ch
	c.host, c.port = host, port
	c.state.Store(int32(Open))

	c.log.Info("connected", "host", host, "port", port, "channel", foregroundChannelID, "confirm", c.opts.confirm)

	return nil
}

// Disconnect stops the receiver if one runs, then closes the foreground
// channel, then the connection, then releases the handle. A failing step ends
// the call with its error; calling again resumes with the steps left. On a
// client with nothing open it returns ErrNothingToClose.
func (c *Client) Disconnect() error {
	const op = "disconnect"

	if err := c.StopListen(); err != nil {
		c.log.Warn("stop receiver before disconnect", "error", err)
	}

	c.mute.Lock()
	defer c.mute.Unlock()

	if c.connection == nil {
		c.log.Warn("disconnect without an open connection")

		return newError(op, KindNothingToClose, nil)
	}

	c.state.Store(int32(Closing))

	if ch := c.channel; ch != nil {
		c.channel, c.confirms, c.returns = nil, nil, nil

		if err := c.check("close channel", ignoreClosed(ch.Close())); err != nil {
			return err
		}
	}

	if !c.connection.IsClosed() {
		if err := c.check("close connection", c.connection.Close()); err != nil {
			return err
		}
	}

	c.connection = nil
	c.state.Store(int32(Disconnected))

	c.log.Info("disconnected", "host", c.host, "port", c.port)

	return nil
}

// acquire locks the foreground channel for one request. The caller must call release.
func (c *Client) acquire(op string) (ch amqpChannel, release func(), err error) {
	c.mute.Lock()

	if c.State() != Open || c.channel == nil {
		c.mute.Unlock()

		return nil, nil, c.fail(newError(op, KindNotOpen, nil))
	}

	return c.channel, c.mute.Unlock, nil
}

// abort returns a failed connect to Disconnected.
func (c *Client) abort(err *Error) error {
	c.state.Store(int32(Disconnected))

	return c.fail(err)
}

func (c *Client) fail(err *Error) error {
	c.log.Error(err.Op+" failed", "kind", err.Kind.String(), "error", err.Err)

	return err
}
