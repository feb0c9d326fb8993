// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Transmission parameter defaults from RFC 7252 section 4.8.
const (
	DefaultAckTimeout       = 2 * time.Second
	DefaultAckRandomFactor  = 1.5
	DefaultMaxRetransmit    = 4
	DefaultExchangeLifetime = 247 * time.Second
	DefaultNonLifetime      = 145 * time.Second
	DefaultReadyTimeout     = 30 * time.Second
)

// Options configure a Channel. A nil *Options is ready for use and provides
// default values as described on each field. The struct tags allow a program
// to populate the transmission parameters from the environment.
type Options struct {
	// Logger receives channel lifecycle and diagnostic records.
	// If nil, logs are discarded.
	Logger *slog.Logger

	// NewEngine constructs the engine for each transaction.
	// If nil, the built-in RFC 7252 engine is used.
	NewEngine NewEngineFunc

	// Responders runs inbound requests. If nil, inbound requests are served
	// by a pool running Handler.
	Responders ResponderPool

	// Handler serves inbound requests for the default responder pool.
	// If nil, every request is answered with 4.04 Not Found.
	Handler Handler

	// BaseContext returns the base context for request handlers.
	// If nil, context.Background is used.
	BaseContext func() context.Context

	AckTimeout       time.Duration `env:"COAP_ACK_TIMEOUT"`
	AckRandomFactor  float64       `env:"COAP_ACK_RANDOM_FACTOR"`
	MaxRetransmit    int           `env:"COAP_MAX_RETRANSMIT"`
	ProcessingDelay  time.Duration `env:"COAP_PROCESSING_DELAY"`  // default: AckTimeout
	ExchangeLifetime time.Duration `env:"COAP_EXCHANGE_LIFETIME"` // CON exchanges
	NonLifetime      time.Duration `env:"COAP_NON_LIFETIME"`      // NON exchanges
	ReadyTimeout     time.Duration `env:"COAP_READY_TIMEOUT"`     // socket readiness wait

	// Rand, if set, is used to seed message IDs and to jitter retransmission
	// timeouts. Tests use this to make channels deterministic. A Rand is not
	// safe for concurrent use, so it must not be shared by running channels;
	// the endpoint package derives a separate source for each channel.
	Rand *rand.Rand
}

// withDefaults returns a copy of o with unset fields populated.
func (o *Options) withDefaults() *Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.NewEngine == nil {
		out.NewEngine = newExchange
	}
	if out.Responders == nil {
		out.Responders = NewResponders(out.Handler)
	}
	if out.BaseContext == nil {
		out.BaseContext = context.Background
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.AckRandomFactor < 1 {
		out.AckRandomFactor = DefaultAckRandomFactor
	}
	if out.MaxRetransmit <= 0 {
		out.MaxRetransmit = DefaultMaxRetransmit
	}
	if out.ProcessingDelay <= 0 {
		out.ProcessingDelay = out.AckTimeout
	}
	if out.ExchangeLifetime <= 0 {
		out.ExchangeLifetime = DefaultExchangeLifetime
	}
	if out.NonLifetime <= 0 {
		out.NonLifetime = DefaultNonLifetime
	}
	if out.ReadyTimeout <= 0 {
		out.ReadyTimeout = DefaultReadyTimeout
	}
	return &out
}

func (o *Options) float64() float64 {
	if o.Rand != nil {
		return o.Rand.Float64()
	}
	return rand.Float64()
}

func (o *Options) uintN(n uint) uint {
	if o.Rand != nil {
		return o.Rand.UintN(n)
	}
	return rand.UintN(n)
}
