// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// ReplyType is the variant of a synchronous broker reply.
type ReplyType uint8

const (
	// ReplyNormal is a successful reply.
	ReplyNormal ReplyType = iota
	// ReplyNone means the broker never answered, e.g. the delivery stream closed.
	ReplyNone
	// ReplyLibraryException is a failure raised on the client side of the wire.
	ReplyLibraryException
	// ReplyServerException is a channel or connection close sent by the broker.
	ReplyServerException
)

// String returns the reply type name.
func (t ReplyType) String() string {
	switch t {
	case ReplyNormal:
		return "normal"
	case ReplyNone:
		return "none"
	case ReplyLibraryException:
		return "library exception"
	case ReplyServerException:
		return "server exception"
	default:
		return fmt.Sprintf("reply(%d)", uint8(t))
	}
}

// Reply is the structured outcome of one request on a channel.
//   - Code, Text: AMQP reply code and text when the broker or library supplied them
//   - Recover:    the library's hint that the condition may clear on retry
type Reply struct {
	Type    ReplyType
	Code    int
	Text    string
	Recover bool
	Err     error
}

// NoReplyError marks a request that ended without any answer from the broker.
type NoReplyError struct{}

// Error implements the error interface for NoReplyError.
func (NoReplyError) Error() string {
	return "no reply from broker"
}

// ReplyOf converts the error returned by an amqp091 call into a Reply.
func ReplyOf(err error) Reply {
	if err == nil {
		return Reply{Type: ReplyNormal}
	}

	if errors.Is(err, NoReplyError{}) {
		return Reply{Type: ReplyNone, Text: err.Error(), Err: err}
	}

	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		reply := Reply{
			Type:    ReplyLibraryException,
			Code:    amqpErr.Code,
			Text:    amqpErr.Reason,
			Recover: amqpErr.Recover,
			Err:     err,
		}

		if amqpErr.Server {
			reply.Type = ReplyServerException
		}

		return reply
	}

	return Reply{Type: ReplyLibraryException, Text: err.Error(), Err: err}
}

// Classify maps a reply to the operation result: nil for a normal reply and a
// KindProtocolReply *Error otherwise. It has no side effects.
func Classify(reply Reply, op string) error {
	if reply.Type == ReplyNormal {
		return nil
	}

	cause := reply.Err
	if cause == nil {
		cause = errors.New(reply.Type.String())
	}

	return &Error{Op: op, Kind: KindProtocolReply, Reply: reply, Err: cause}
}

// Describe renders the diagnostic line for a reply.
func Describe(reply Reply, op string) string {
	switch reply.Type {
	case ReplyNormal:
		return op + ": ok"
	case ReplyNone:
		return op + ": broker sent no reply"
	case ReplyLibraryException:
		return fmt.Sprintf("%s: client library exception: %s", op, reply.Text)
	case ReplyServerException:
		return fmt.Sprintf("%s: server exception (%d): %s", op, reply.Code, reply.Text)
	default:
		return fmt.Sprintf("%s: %s", op, reply.Type)
	}
}

// check classifies err for op and logs every failure branch.
func (c *Client) check(op string, err error) error {
	reply := ReplyOf(err)

	res := Classify(reply, op)
	if res != nil {
		c.log.Error(Describe(reply, op), "reply", reply.Type.String(), "code", reply.Code, "recover", reply.Recover)
	}

	return res
}
