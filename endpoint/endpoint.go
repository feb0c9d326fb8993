// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package endpoint manages the channels of a local CoAP endpoint.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/creachadair/coap"
	"github.com/creachadair/coap/socket"
	"github.com/creachadair/taskgroup"
)

// maxDatagram bounds the size of a datagram read from the connection.
const maxDatagram = 1 << 16

// An Endpoint serves CoAP on a shared UDP connection. It keeps one channel for
// each remote address it exchanges messages with, opening a channel when
// the first datagram arrives from a new address or when the caller asks for
// one, and forgetting it when the channel stops.
type Endpoint struct {
	conn  net.PacketConn
	opts  *coap.Options
	log   *slog.Logger
	tasks *taskgroup.Group

	μ      sync.Mutex
	chans  map[string]*coap.Channel
	closed bool
}

// New constructs an Endpoint that reads datagrams from conn, and starts its
// read loop. The endpoint runs until Close is called or conn fails.
//
// The options are used for every channel opened by the endpoint. If opts.Rand
// is set, the endpoint draws from it to seed a separate source for each
// channel, so the caller must not use it while the endpoint is running.
func New(conn net.PacketConn, opts *coap.Options) *Endpoint {
	e := &Endpoint{
		conn:  conn,
		opts:  opts,
		log:   slog.New(slog.DiscardHandler),
		tasks: taskgroup.New(nil),
		chans: make(map[string]*coap.Channel),
	}
	if opts != nil && opts.Logger != nil {
		e.log = opts.Logger
	}
	e.tasks.Go(e.readLoop)
	return e
}

// Addr returns the local address of the endpoint.
func (e *Endpoint) Addr() net.Addr { return e.conn.LocalAddr() }

func (e *Endpoint) readLoop() error {
	buf := make([]byte, maxDatagram)
	for {
		nr, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.log.Error("read failed", "error", err)
			return err
		}
		data := make([]byte, nr)
		copy(data, buf[:nr])

		// A channel may stop between lookup and delivery; if so, retry once
		// with a fresh channel.
		for range 2 {
			ch, err := e.Channel(context.Background(), addr)
			if err != nil {
				e.log.Debug("dropped datagram", "remote", addr.String(), "error", err)
				break
			}
			if ch.Deliver(data) {
				break
			}
			e.remove(addr.String(), ch)
		}
	}
}

// Channel returns the channel for the remote address addr, opening a new one
// if necessary.
func (e *Endpoint) Channel(ctx context.Context, addr net.Addr) (*coap.Channel, error) {
	key := addr.String()
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return nil, net.ErrClosed
	} else if ch, ok := e.chans[key]; ok {
		return ch, nil
	}
	ch, err := coap.Open(ctx, socket.UDP(e.conn, addr), forChannel(e.opts))
	if err != nil {
		return nil, err
	}
	e.chans[key] = ch
	e.tasks.Go(func() error {
		err := ch.Wait()
		e.remove(key, ch)
		if err != nil {
			e.log.Warn("channel failed", "remote", key, "error", err)
		}
		return nil
	})
	return ch, nil
}

// forChannel returns the options for a new channel. A channel that shares a
// random source with others gets its own, seeded from the shared one. Calls
// to forChannel for the same opts must not run concurrently.
func forChannel(opts *coap.Options) *coap.Options {
	if opts == nil || opts.Rand == nil {
		return opts
	}
	o := *opts
	o.Rand = rand.New(rand.NewPCG(opts.Rand.Uint64(), opts.Rand.Uint64()))
	return &o
}

// remove discards ch from the channel map, if it is still the current channel
// for key.
func (e *Endpoint) remove(key string, ch *coap.Channel) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.chans[key] == ch {
		delete(e.chans, key)
	}
}

// Len reports the number of channels currently open.
func (e *Endpoint) Len() int {
	e.μ.Lock()
	defer e.μ.Unlock()
	return len(e.chans)
}

// Close closes the connection and all open channels. It does not wait for
// them to exit; use Wait for that.
func (e *Endpoint) Close() error {
	e.μ.Lock()
	e.closed = true
	chans := make([]*coap.Channel, 0, len(e.chans))
	for _, ch := range e.chans {
		chans = append(chans, ch)
	}
	e.μ.Unlock()

	err := e.conn.Close()
	for _, ch := range chans {
		ch.Close()
	}
	return err
}

// Wait blocks until the read loop has ended and all channels have stopped.
func (e *Endpoint) Wait() error { return e.tasks.Wait() }

// ServeDTLS accepts DTLS connections from lst and runs a channel for each one
// until the channel stops. ServeDTLS continues until lst closes or ctx ends.
//
// When ctx terminates, all running channels are stopped. When lst closes,
// ServeDTLS waits for running channels to exit before returning.
//
// As with New, if opts.Rand is set each channel gets its own source seeded
// from it.
func ServeDTLS(ctx context.Context, lst net.Listener, opts *coap.Options) error {
	g := taskgroup.New(nil)

	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			lst.Close()
		case <-ok:
		}
		return nil
	})

	for {
		conn, err := lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}
		copts := forChannel(opts)
		g.Go(func() error {
			ch, err := coap.Open(ctx, socket.DTLS(conn), copts)
			if err != nil {
				return nil // the socket is closed by Open
			}
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { <-sctx.Done(); ch.Close() }()
			ch.Wait()
			return nil
		})
	}
}
