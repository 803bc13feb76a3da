// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package rabbit dispatches messages received from a broker to handlers chosen
// by routing key, using a fixed pool of workers.
package rabbit

import "context"

// Consumer is a source of already received messages, such as the push
// receiver of adapter.Client.
type Consumer interface {
	// Next blocks until a message is available, the source stops, or ctx is done.
	// It returns an error once no further message will ever arrive.
	Next(ctx context.Context) (Message, error)

	// StopListen stops the source. Messages already received stay readable through Next.
	StopListen() error
}

// Message is a single broker-delivered message.
type Message interface {
	// Headers returns the message metadata headers.
	Headers() map[string]interface{}

	// ContentType returns the MIME type of the message payload.
	ContentType() string

	// IsRedelivered signals if this delivery is a redelivery of a previous message.
	IsRedelivered() bool

	// Body returns the raw payload bytes.
	Body() []byte

	// RoutingKey returns the routing key the message was published with.
	RoutingKey() string

	// Exchange returns the exchange the message was published to.
	Exchange() string
}
