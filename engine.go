// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/plgd-dev/go-coap/v2/udp/message"
)

// Dir is the direction of a transaction relative to the local endpoint.
type Dir byte

const (
	In  Dir = iota // the first message of the exchange was received
	Out            // the first message of the exchange was sent
)

func (d Dir) String() string { return value.Cond(d == In, "in", "out") }

// A TransactionID identifies one message-id-scoped exchange on a channel.
// Inbound and outbound transactions share the 16-bit message ID space but are
// distinguished by direction.
type TransactionID struct {
	Dir Dir
	MID uint16
}

func (t TransactionID) String() string { return fmt.Sprintf("%v/%d", t.Dir, t.MID) }

// Status is the outcome of handing an event to an Engine.
type Status bool

const (
	Continue Status = false // keep the engine in the transaction table
	Finished Status = true  // the exchange is complete; drop the engine
)

// An Engine is the state machine for a single transaction. It owns
// retransmission, backoff and duplicate suppression for its exchange.
//
// A channel calls the methods of an engine only from its own service
// goroutine, so an implementation does not need to be safe for concurrent use.
type Engine interface {
	// Send transmits an outbound message on behalf of the exchange.
	Send(*message.Message) Status

	// Received handles a raw datagram routed to this transaction.
	Received(data []byte) Status

	// Timeout handles a timer event previously scheduled with the After
	// function of the engine's configuration.
	Timeout(event any) Status

	// AwaitsResponse reports whether the engine is an inbound request that
	// can still carry a piggy-backed response.
	AwaitsResponse() bool
}

// EngineConfig carries the values a channel provides to a new Engine.
type EngineConfig struct {
	ID       TransactionID
	Receiver Receiver // nil if no caller is waiting on this exchange

	// Token is the token the channel assigned to an outbound request, or nil.
	// The engine must release it with RequestComplete when the exchange ends.
	Token []byte

	// Send writes a datagram to the remote peer.
	Send func([]byte) error

	// After schedules event to be delivered to the Timeout method of the
	// engine after d has elapsed. The event is matched to the engine only by
	// its transaction ID; if the transaction is gone, the event is dropped.
	After func(d time.Duration, event any)

	Pair       Pair
	Channel    *Channel
	Responders ResponderPool
	Options    *Options
}

// NewEngineFunc constructs an Engine for a transaction.
type NewEngineFunc func(EngineConfig) Engine

// A ResponderPool runs the application handling for inbound requests.
//
// Implementations must report each responder they start to the channel with
// ResponderStarted, and its completion with ResponderDone.
type ResponderPool interface {
	Spawn(ch *Channel, req *message.Message)
}

// Ref is an opaque reference returned by the send methods of a Channel. It is
// echoed in every Reply delivered for the corresponding exchange.
type Ref uint64

var lastRef atomic.Uint64

func newRef() Ref { return Ref(lastRef.Add(1)) }

// A Reply reports the result of an outbound exchange to its Receiver.
type Reply struct {
	Ref     Ref
	Message *message.Message // the response, ACK or RST received, if any
	Err     error            // ErrTimeout or ErrReset, or nil
}

// A Receiver accepts replies for exchanges issued on its behalf.
// Deliver is called from the channel's service goroutine and must not block.
type Receiver interface {
	Deliver(Reply)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(Reply)

// Deliver implements the Receiver interface.
func (f ReceiverFunc) Deliver(r Reply) { f(r) }

// bound attaches a Ref to the replies sent to a receiver.
type bound struct {
	ref Ref
	rcv Receiver
}

func (b bound) Deliver(r Reply) { r.Ref = b.ref; b.rcv.Deliver(r) }

func bindReceiver(ref Ref, rcv Receiver) Receiver {
	if rcv == nil {
		return nil
	}
	return bound{ref: ref, rcv: rcv}
}
