// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const mimeReadLimit = 512 //bytes that mime will read

func init() {
	mimetype.SetLimit(mimeReadLimit)
}

// Properties is the AMQP basic property set carried by a message. The client
// passes it through as given, filling only MessageId and ContentType when empty.
type Properties struct {
	Headers         amqp091.Table
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
}

// Message is one outgoing message. Mandatory asks the broker to return it when
// no queue is bound for the routing key; Immediate asks for a return when no
// consumer can take it right away.
type Message struct {
	Body       []byte
	Properties Properties
	Mandatory  bool
	Immediate  bool
}

// publishing maps the message onto the amqp091 wire struct.
func (m Message) publishing() amqp091.Publishing {
	p := m.Properties

	if p.MessageId == "" {
		p.MessageId = uuid.NewString()
	}

	if p.ContentType == "" {
		p.ContentType = mimetype.Detect(m.Body).String()
	}

	return amqp091.Publishing{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		Body:            m.Body,
	}
}

// Delivery is a message received by the push receiver. It has already been
// acknowledged (or was consumed with no-ack) by the time the caller sees it.
type Delivery struct {
	// deliver is the underlying amqp091 delivery.
	deliver amqp091.Delivery
}

// RoutingKey returns the key the message was published with.
func (m *Delivery) RoutingKey() string {
	return m.deliver.RoutingKey
}

// Exchange returns the exchange the message was published to.
func (m *Delivery) Exchange() string {
	return m.deliver.Exchange
}

// Headers returns the application headers of the message.
func (m *Delivery) Headers() map[string]interface{} {
	return m.deliver.Headers
}

// ContentType returns the MIME type set by the publisher.
func (m *Delivery) ContentType() string {
	return m.deliver.ContentType
}

// IsRedelivered reports whether the broker delivered the message before.
func (m *Delivery) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the payload.
func (m *Delivery) Body() []byte {
	return m.deliver.Body
}

// DeliveryTag returns the per-channel tag the broker assigned to the delivery.
func (m *Delivery) DeliveryTag() uint64 {
	return m.deliver.DeliveryTag
}
