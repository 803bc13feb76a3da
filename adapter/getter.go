// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import "fmt"

// Batch is the result of GetBatch.
type Batch struct {
	// Payloads holds the message bodies in queue order.
	Payloads [][]byte
	// Drained reports that the queue ran empty before the requested count was read.
	Drained bool
}

// GetBatch polls queue for up to count messages on the foreground channel,
// acknowledging each one by delivery tag unless noAck is set. An empty queue
// ends the loop early with Drained set and no error. A failed reply ends it
// with the error and the payloads read so far.
func (c *Client) GetBatch(queue string, count int, noAck bool) (Batch, error) {
	const op = "get"

	switch {
	case queue == "":
		return Batch{}, c.fail(paramError(op, "queue name"))
	case count < 0:
		return Batch{}, c.fail(paramError(op, "count"))
	case count == 0:
		return Batch{}, nil
	}

	ch, release, err := c.acquire(op)
	if err != nil {
		return Batch{}, err
	}
	defer release()

	batch := Batch{Payloads: make([][]byte, 0, min(count, 64))}

	for range count {
		msg, ok, err := ch.Get(queue, noAck)
		if err != nil {
			return batch, c.check(op, err)
		}

		if !ok {
			c.log.Debug("queue empty", "queue", queue, "read", len(batch.Payloads))
			batch.Drained = true

			return batch, nil
		}

		if !noAck && msg.DeliveryTag == 0 {
			return batch, c.fail(newError(op, KindUnexpectedReply, fmt.Errorf("delivery from %q carries no tag", queue)))
		}

		batch.Payloads = append(batch.Payloads, msg.Body)

		if !noAck {
			if err = ch.Ack(msg.DeliveryTag, false); err != nil {
				return batch, c.check("ack", err)
			}
		}
	}

	return batch, nil
}

// Get polls queue for a single message. ok is false when the queue was empty.
func (c *Client) Get(queue string, noAck bool) (payload []byte, ok bool, err error) {
	batch, err := c.GetBatch(queue, 1, noAck)
	if err != nil {
		return nil, false, err
	}

	if len(batch.Payloads) != 1 {
		if len(batch.Payloads) > 1 {
			c.log.Warn("single get returned several messages", "queue", queue, "count", len(batch.Payloads))
		}

		return nil, false, nil
	}

	return batch.Payloads[0], true, nil
}
