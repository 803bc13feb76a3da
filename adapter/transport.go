// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the subset of *amqp091.Channel the client drives. It exists
// so the channel can be replaced in tests.
//
//nolint:interfacebloat // mirrors the amqp091 channel surface in use
type amqpChannel interface {
	io.Closer

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error

	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation
	NotifyReturn(c chan amqp091.Return) chan amqp091.Return

	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// amqpConnection is the subset of *amqp091.Connection the client drives.
type amqpConnection interface {
	io.Closer

	Channel() (amqpChannel, error)
	IsClosed() bool
}

type amqpConn struct {
	*amqp091.Connection
}

// Channel opens a new channel; amqp091 numbers them from 1.
func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// endpoint is the allocated connection handle: where to dial and how to log in.
type endpoint struct {
	uri    amqp091.URI
	config amqp091.Config
}

// transport performs the connect chain one step at a time so each step can
// fail with its own kind.
type transport interface {
	allocate(host string, port int, username, password string, heartbeat time.Duration) (endpoint, error)
	openSocket(ep endpoint) (string, error)
	connect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)
	login(conn net.Conn, ep endpoint, timeout time.Duration) (amqpConnection, error)
}

type netTransport struct{}

func (netTransport) allocate(host string, port int, username, password string, heartbeat time.Duration) (endpoint, error) {
	uri := amqp091.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Vhost:    defaultVHost,
	}

	if _, err := amqp091.ParseURI(uri.String()); err != nil {
		return endpoint{}, fmt.Errorf("build broker uri: %w", err)
	}

	return endpoint{
		uri: uri,
		config: amqp091.Config{
			SASL: []amqp091.Authentication{
				&amqp091.PlainAuth{Username: username, Password: password},
			},
			Vhost:     defaultVHost,
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Properties: amqp091.Table{
				"product": clientName,
				"version": clientVersion,
			},
		},
	}, nil
}

func (netTransport) openSocket(ep endpoint) (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(ep.uri.Host, strconv.Itoa(ep.uri.Port)))
	if err != nil {
		return "", fmt.Errorf("resolve broker address: %w", err)
	}

	return addr.String(), nil
}

func (netTransport) connect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return conn, nil
}

// login runs the protocol handshake on conn. amqp091 clears the deadline once
// the connection is tuned.
func (netTransport) login(conn net.Conn, ep endpoint, timeout time.Duration) (amqpConnection, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	con, err := amqp091.Open(conn, ep.config)
	if err != nil {
		return nil, fmt.Errorf("open amqp091: %w", err)
	}

	return amqpConn{Connection: con}, nil
}
