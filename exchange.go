// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp/message"
)

type xstate byte

const (
	xIdle        xstate = iota // no message has been handled yet
	xConSent                   // outbound CON, waiting for ACK or RST
	xNonSent                   // outbound NON, waiting out NON_LIFETIME
	xAckPending                // inbound CON request, response may be piggy-backed
	xAckSent                   // inbound CON acknowledged, replaying the ACK to duplicates
	xNonReceived               // inbound NON, suppressing duplicates
)

type timerKind byte

const (
	tRetransmit timerKind = iota + 1
	tAckDelay
	tExpire
)

// An xtimer is the timer event scheduled by an exchange.
type xtimer struct {
	kind timerKind
	seq  int
}

// An exchange is the default Engine, implementing the message layer of RFC
// 7252 section 4 for a single message ID.
type exchange struct {
	cfg   EngineConfig
	opts  *Options
	state xstate

	token []byte        // request token, released when the exchange ends
	isReq bool          // outbound message is a request, so a separate response may follow
	last  []byte        // the most recent datagram sent, for retransmission
	tries int           // retransmissions so far
	wait  time.Duration // current retransmission interval
	seq   int           // generation of the retransmission timer
}

func newExchange(cfg EngineConfig) Engine {
	return &exchange{cfg: cfg, opts: cfg.Options, token: cfg.Token}
}

// AwaitsResponse implements part of the Engine interface.
func (x *exchange) AwaitsResponse() bool { return x.state == xAckPending }

// Send implements part of the Engine interface.
func (x *exchange) Send(m *message.Message) Status {
	switch x.state {
	case xIdle:
		return x.sendFirst(m)

	case xAckPending:
		// Piggy-back the response on the acknowledgement of the request.
		m.Type = message.Acknowledgement
		m.MessageID = x.cfg.ID.MID
		data, err := Encode(m)
		if err != nil {
			x.deliver(Reply{Err: err})
			return Continue // the delayed empty ACK will still be sent
		}
		x.transmit(data)
		x.state = xAckSent
		return Continue
	}
	return Continue
}

func (x *exchange) sendFirst(m *message.Message) Status {
	if m.Type == message.Acknowledgement {
		// The request this answers has already been acknowledged, so the
		// response goes out as a separate confirmable message.
		m.Type = message.Confirmable
	}
	x.isReq = isRequestCode(m.Code) && m.Code != codes.Empty
	data, err := Encode(m)
	if err != nil {
		x.fail(err)
		return Finished
	}
	x.transmit(data)

	switch m.Type {
	case message.Confirmable:
		x.state = xConSent
		x.wait = time.Duration(float64(x.opts.AckTimeout) * (1 + x.opts.float64()*(x.opts.AckRandomFactor-1)))
		x.schedule(x.wait, tRetransmit)
		return Continue
	case message.NonConfirmable:
		x.state = xNonSent
		x.schedule(x.opts.NonLifetime, tExpire)
		return Continue
	}
	return Finished // a reset expects nothing in return
}

// Received implements part of the Engine interface.
func (x *exchange) Received(data []byte) Status {
	m, err := Decode(data)
	if err != nil {
		if x.state == xIdle {
			return Finished
		}
		return Continue
	}
	switch x.state {
	case xIdle:
		return x.receiveFirst(m)

	case xConSent, xNonSent:
		switch m.Type {
		case message.Acknowledgement:
			if x.state == xNonSent {
				return Continue
			}
			if m.Code == codes.Empty && x.isReq {
				return Finished // a separate response will follow under the token
			}
			if x.claim() {
				x.deliver(Reply{Message: m})
			}
			x.complete()
			return Finished
		case message.Reset:
			if x.claim() {
				x.deliver(Reply{Message: m, Err: ErrReset})
			}
			x.complete()
			return Finished
		}

	case xAckSent:
		if m.Type == message.Confirmable {
			x.cfg.Send(x.last) // duplicate; replay our acknowledgement
		}
	}
	return Continue
}

func (x *exchange) receiveFirst(m *message.Message) Status {
	switch {
	case m.Code == codes.Empty:
		if m.Type == message.Confirmable {
			x.reply(message.Reset) // ping
		}
		return Finished

	case isRequestCode(m.Code):
		x.cfg.Responders.Spawn(x.cfg.Channel, m)
		if m.Type == message.Confirmable {
			x.state = xAckPending
			x.schedule(x.opts.ProcessingDelay, tAckDelay)
			x.schedule(x.opts.ExchangeLifetime, tExpire)
		} else {
			x.state = xNonReceived
			x.schedule(x.opts.NonLifetime, tExpire)
		}
		return Continue
	}

	// A response to one of our requests.
	if m.Type == message.Confirmable {
		x.reply(message.Acknowledgement)
		x.state = xAckSent
		x.schedule(x.opts.ExchangeLifetime, tExpire)
	} else {
		x.state = xNonReceived
		x.schedule(x.opts.NonLifetime, tExpire)
	}
	x.token = m.Token
	x.deliver(Reply{Message: m})
	x.complete()
	return Continue
}

// Timeout implements part of the Engine interface.
func (x *exchange) Timeout(event any) Status {
	t, ok := event.(xtimer)
	if !ok {
		return Continue
	}
	switch t.kind {
	case tRetransmit:
		if x.state != xConSent || t.seq != x.seq {
			return Continue // stale
		}
		if x.token != nil && !x.cfg.Channel.hasToken(x.token) {
			return Finished // the response arrived separately
		}
		if x.tries >= x.opts.MaxRetransmit {
			chanMetrics.timedOut.Add(1)
			x.fail(ErrTimeout)
			return Finished
		}
		x.tries++
		x.wait *= 2
		chanMetrics.retransmitted.Add(1)
		x.cfg.Send(x.last)
		x.schedule(x.wait, tRetransmit)

	case tAckDelay:
		if x.state == xAckPending {
			x.reply(message.Acknowledgement)
			x.state = xAckSent
		}

	case tExpire:
		if x.state == xNonSent && x.token != nil && x.cfg.Channel.hasToken(x.token) {
			chanMetrics.timedOut.Add(1)
			x.fail(ErrTimeout)
		}
		return Finished
	}
	return Continue
}

// reply sends an empty message of the given type for this message ID.
func (x *exchange) reply(typ message.Type) {
	data, err := Encode(emptyMessage(typ, x.cfg.ID.MID))
	if err != nil {
		panic("encoding empty message: " + err.Error())
	}
	x.transmit(data)
}

func (x *exchange) transmit(data []byte) {
	x.last = data
	x.cfg.Send(data)
}

func (x *exchange) schedule(d time.Duration, kind timerKind) {
	if kind == tRetransmit {
		x.seq++
	}
	x.cfg.After(d, xtimer{kind: kind, seq: x.seq})
}

func (x *exchange) deliver(r Reply) {
	if x.cfg.Receiver != nil {
		x.cfg.Receiver.Deliver(r)
	}
}

// claim resolves the token of the exchange, and reports whether the caller
// may deliver a reply for it. An exchange without a token may always deliver.
func (x *exchange) claim() bool {
	return x.token == nil || x.cfg.Channel.resolve(x.token)
}

// fail delivers err for the exchange, unless its token was already answered,
// and releases the token.
func (x *exchange) fail(err error) {
	if x.claim() {
		x.deliver(Reply{Err: err})
	}
	x.complete()
}

// complete releases the token of the exchange, if it has one.
func (x *exchange) complete() {
	if x.token != nil {
		x.cfg.Channel.RequestComplete(x.token)
		x.token = nil
	}
}
