// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"time"

	"github.com/GwynCerbin/rabbitclient/internal/fifo"
)

// BufferPolicy decides what the receiver does when the internal queue is full.
type BufferPolicy = fifo.Policy

const (
	// BufferBlock stalls the receiver until the consumer makes room.
	BufferBlock = fifo.Block
	// BufferDropOldest evicts the oldest payload and counts the drop.
	BufferDropOldest = fifo.DropOldest
)

type clientOptions struct {
	logger      Logger
	dialTimeout time.Duration
	heartbeat   time.Duration
	prefetch    int
	bufferSize  int
	policy      BufferPolicy
	confirm     bool
	transport   transport
}

// Option configures a Client created by New.
type Option func(*clientOptions)

func defaultClientOptions() clientOptions {
	return clientOptions{
		logger:      ZapLogger(nil),
		dialTimeout: defaultDialTimeout,
		heartbeat:   defaultHeartbeat,
		bufferSize:  defaultBufferSize,
		policy:      BufferBlock,
		transport:   netTransport{},
	}
}

// WithLogger sets the diagnostic sink. A nil logger keeps the silent default.
func WithLogger(l Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDialTimeout bounds the TCP connect and the protocol handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.dialTimeout = d
	}
}

// WithHeartbeat sets the heartbeat interval proposed to the broker.
func WithHeartbeat(d time.Duration) Option {
	return func(o *clientOptions) {
		o.heartbeat = d
	}
}

// WithPrefetch limits unacknowledged deliveries on the receiver channel. 0 derives
// the limit from the buffer size.
func WithPrefetch(n int) Option {
	return func(o *clientOptions) {
		if n >= 0 {
			o.prefetch = n
		}
	}
}

// WithBuffer bounds the internal queue fed by the receiver. A size of 0 makes it unbounded.
func WithBuffer(size int, policy BufferPolicy) Option {
	return func(o *clientOptions) {
		o.bufferSize = size
		o.policy = policy
	}
}

// WithPublisherConfirms puts the foreground channel into confirm mode, so Publish
// waits for the broker to ack each message.
func WithPublisherConfirms() Option {
	return func(o *clientOptions) {
		o.confirm = true
	}
}

// withTransport replaces the network stack; used by tests.
func withTransport(t transport) Option {
	return func(o *clientOptions) {
		o.transport = t
	}
}
