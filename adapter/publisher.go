// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// Publish sends msg to exchange with routingKey on the foreground channel.
// A failed send is classified into ErrProtocolReply. Without publisher confirms
// the broker may still drop the message silently; with confirms Publish waits
// for the ack and reports a returned mandatory message as ErrUnroutable and a
// nack as ErrNotConfirmed.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	const op = "publish"

	ch, release, err := c.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	pub := msg.publishing()

	if err = ch.PublishWithContext(ctx, exchange, routingKey, msg.Mandatory, msg.Immediate, pub); err != nil {
		c.log.Error("publish send failed", "exchange", exchange, "routing_key", routingKey, "message_id", pub.MessageId)

		return c.check(op, err)
	}

	if c.confirms == nil {
		return nil
	}

	c.published++

	return c.awaitConfirm(ctx, op, c.published, pub.MessageId)
}

// awaitConfirm waits for the confirmation of the publish with sequence number tag.
// Confirmations of earlier publishes that were abandoned are skipped.
func (c *Client) awaitConfirm(ctx context.Context, op string, tag uint64, messageID string) error {
	for {
		select {
		case <-ctx.Done():
			return c.fail(newError(op, KindNotConfirmed, ctx.Err()))
		case conf, ok := <-c.confirms:
			if !ok {
				return c.check(op, NoReplyError{})
			}

			if conf.DeliveryTag < tag {
				continue
			}

			if ret, returned := c.takeReturn(messageID); returned {
				return c.fail(&Error{
					Op:    op,
					Kind:  KindUnroutable,
					Reply: Reply{Type: ReplyServerException, Code: int(ret.ReplyCode), Text: ret.ReplyText},
					Err:   fmt.Errorf("returned by broker: %d %s", ret.ReplyCode, ret.ReplyText),
				})
			}

			if !conf.Ack {
				return c.fail(newError(op, KindNotConfirmed, fmt.Errorf("broker nacked delivery %d", conf.DeliveryTag)))
			}

			return nil
		}
	}
}

// takeReturn drains pending basic.return frames and reports the one for messageID.
// The broker sends the return before the confirmation of the same message.
func (c *Client) takeReturn(messageID string) (amqp091.Return, bool) {
	var (
		found amqp091.Return
		ok    bool
	)

	for {
		select {
		case ret, open := <-c.returns:
			if !open {
				return found, ok
			}

			if ret.MessageId == messageID {
				found, ok = ret, true
			} else {
				c.log.Warn("discard stale returned message", "message_id", ret.MessageId, "code", ret.ReplyCode)
			}
		default:
			return found, ok
		}
	}
}
