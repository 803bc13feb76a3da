// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"
	"time"

	"github.com/GwynCerbin/rabbitclient/internal/fifo"
	"github.com/kelseyhightower/envconfig"
	"github.com/rabbitmq/amqp091-go"
)

const (
	clientName    = "rabbitclient"
	clientVersion = "1.0.0"

	// defaultVHost is the only virtual host the client logs into.
	defaultVHost = "/"
	// foregroundChannelID is the id amqp091 assigns to the first channel of a connection.
	foregroundChannelID uint16 = 1

	defaultDialTimeout = 30 * time.Second
	defaultHeartbeat   = 10 * time.Second
	defaultBufferSize  = 1024
)

// Config carries connection credentials and tuning. It can be filled from the
// environment with LoadConfig.
type Config struct {
	Host        string        `envconfig:"HOST" default:"localhost" yaml:"host"`
	Port        int           `envconfig:"PORT" default:"5672" yaml:"port"`
	Username    string        `envconfig:"USERNAME" yaml:"-"`
	Password    string        `envconfig:"PASSWORD" yaml:"-"`
	Heartbeat   time.Duration `envconfig:"HEARTBEAT" default:"10s" yaml:"heartbeat"`
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s" yaml:"dial_timeout"`
	// Prefetch limits unacknowledged deliveries on the receiver channel, 0 derives it from the buffer size.
	Prefetch int `envconfig:"PREFETCH" default:"0" yaml:"prefetch"`
	// BufferSize bounds the internal queue, 0 for unbounded.
	BufferSize int `envconfig:"BUFFER_SIZE" default:"1024" yaml:"buffer_size"`
	// BufferPolicy is "block" or "drop-oldest".
	BufferPolicy string `envconfig:"BUFFER_POLICY" default:"block" yaml:"buffer_policy"`
	Confirm      bool   `envconfig:"CONFIRM" default:"false" yaml:"confirm"`
}

// LoadConfig reads Config from environment variables under prefix, e.g. RABBIT_HOST
// for prefix "rabbit".
func LoadConfig(prefix string) (Config, error) {
	var cfg Config

	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load rabbit config: %w", err)
	}

	return cfg, nil
}

// options turns the tuning part of cfg into client options.
func (cfg Config) options() []Option {
	opts := []Option{
		WithBuffer(cfg.BufferSize, fifo.ParsePolicy(cfg.BufferPolicy)),
		WithPrefetch(cfg.Prefetch),
	}

	if cfg.Heartbeat > 0 {
		opts = append(opts, WithHeartbeat(cfg.Heartbeat))
	}

	if cfg.DialTimeout > 0 {
		opts = append(opts, WithDialTimeout(cfg.DialTimeout))
	}

	if cfg.Confirm {
		opts = append(opts, WithPublisherConfirms())
	}

	return opts
}

// ExchangeKind is the routing strategy of an exchange.
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = amqp091.ExchangeDirect
	ExchangeFanout  ExchangeKind = amqp091.ExchangeFanout
	ExchangeTopic   ExchangeKind = amqp091.ExchangeTopic
	ExchangeHeaders ExchangeKind = amqp091.ExchangeHeaders
)

// Exchange describes an exchange to declare. Passive asserts existence without creating it.
type Exchange struct {
	Name       string        `yaml:"name"`
	Kind       ExchangeKind  `yaml:"type"`
	Passive    bool          `yaml:"passive"`
	Durable    bool          `yaml:"durable"`
	AutoDelete bool          `yaml:"auto_delete"`
	Internal   bool          `yaml:"internal"`
	Args       amqp091.Table `yaml:"args"`
}

// Queue describes a queue to declare. Passive asserts existence without creating it.
type Queue struct {
	Name       string        `yaml:"name"`
	Passive    bool          `yaml:"passive"`
	Durable    bool          `yaml:"durable"`
	Exclusive  bool          `yaml:"exclusive"`
	AutoDelete bool          `yaml:"auto_delete"`
	Args       amqp091.Table `yaml:"args"`
}

// Binding attaches a queue to an exchange with a routing key.
type Binding struct {
	Queue      string `yaml:"queue"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}
