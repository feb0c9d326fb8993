// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

type eventKind byte

const (
	evDatagram eventKind = iota + 1
	evRequest
	evMessage
	evResponse
	evTimeout
	evComplete
	evResponderStart
	evResponderDone
	evSocketError
)

// An event is one entry in the ordered event stream of a channel.
type event struct {
	kind  eventKind
	data  []byte        // evDatagram
	msg   *Message      // evRequest, evMessage, evResponse
	rcv   Receiver      // evRequest, evMessage, evResponse
	tid   TransactionID // evTimeout
	timer any           // evTimeout
	token string        // evComplete
	err   error         // evSocketError
	ack   chan<- error  // if set, receives the result of an unrecognized event
}

// A mailbox is an unbounded FIFO of events consumed by a single goroutine.
// Posting never blocks. Once closed, posts are rejected and queued events are
// discarded.
type mailbox struct {
	μ      sync.Mutex
	q      *queue.Queue[event]
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{q: queue.New[event](), wake: make(chan struct{}, 1)}
}

// post adds ev to the mailbox, and reports whether it was accepted.
func (m *mailbox) post(ev event) bool {
	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return false
	}
	m.q.Add(ev)
	m.μ.Unlock()
	m.notify()
	return true
}

func (m *mailbox) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// take removes the next event, if any. It reports closed == true once the
// mailbox has been closed.
func (m *mailbox) take() (ev event, ok, closed bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed {
		return event{}, false, true
	}
	ev, ok = m.q.Pop()
	return ev, ok, false
}

// close closes the mailbox and discards its pending events.
func (m *mailbox) close() {
	m.μ.Lock()
	m.closed = true
	m.q.Clear()
	m.μ.Unlock()
	m.notify()
}

// closeIfEmpty closes the mailbox only if no events are pending, and reports
// whether it did so.
func (m *mailbox) closeIfEmpty() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.q.Len() != 0 {
		return false
	}
	m.closed = true
	return true
}
