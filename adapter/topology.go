// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

// DeclareExchange declares an exchange on the foreground channel, or with
// Passive only asserts that it exists. A mismatch with an existing exchange is
// reported by the broker and surfaces as ErrProtocolReply.
func (c *Client) DeclareExchange(ex Exchange) error {
	const op = "declare exchange"

	if ex.Name == "" {
		return c.fail(paramError(op, "exchange name"))
	}

	if ex.Kind == "" {
		return c.fail(paramError(op, "exchange type"))
	}

	ch, release, err := c.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	declare := ch.ExchangeDeclare
	if ex.Passive {
		declare = ch.ExchangeDeclarePassive
	}

	return c.check(op, declare(ex.Name, string(ex.Kind), ex.Durable, ex.AutoDelete, ex.Internal, false, ex.Args))
}

// DeclareQueue declares a queue on the foreground channel, or with Passive only
// asserts that it exists.
func (c *Client) DeclareQueue(q Queue) error {
	const op = "declare queue"

	if q.Name == "" {
		return c.fail(paramError(op, "queue name"))
	}

	ch, release, err := c.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	declare := ch.QueueDeclare
	if q.Passive {
		declare = ch.QueueDeclarePassive
	}

	_, err = declare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args)

	return c.check(op, err)
}

// BindQueueToExchange binds queue to exchange with routingKey. On a direct
// exchange the queue name is a common routing key.
func (c *Client) BindQueueToExchange(queue, exchange, routingKey string) error {
	return c.Bind(Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
}

// Bind applies a Binding.
func (c *Client) Bind(b Binding) error {
	const op = "bind queue"

	switch {
	case b.Queue == "":
		return c.fail(paramError(op, "queue name"))
	case b.Exchange == "":
		return c.fail(paramError(op, "exchange name"))
	}

	ch, release, err := c.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	return c.check(op, ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil))
}

// DeleteExchange removes an existing exchange by name.
func (c *Client) DeleteExchange(name string) error {
	const op = "delete exchange"

	if name == "" {
		return c.fail(paramError(op, "exchange name"))
	}

	ch, release, err := c.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	return c.check(op, ch.ExchangeDelete(name, false, false))
}

// DeleteQueue removes an existing queue by name and returns how many messages it held.
func (c *Client) DeleteQueue(name string) (int, error) {
	const op = "delete queue"

	if name == "" {
		return 0, c.fail(paramError(op, "queue name"))
	}

	ch, release, err := c.acquire(op)
	if err != nil {
		return 0, err
	}
	defer release()

	purged, err := ch.QueueDelete(name, false, false, false)

	return purged, c.check(op, err)
}
