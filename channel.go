// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/creachadair/coap/packet"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	pmsg "github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp/message"
)

var (
	// ErrClosed is reported for operations on a channel that has stopped, and
	// when a socket closes before it becomes ready.
	ErrClosed = errors.New("channel closed")

	// ErrHandshakeTimeout is reported by Open when the socket does not become
	// ready within the configured timeout.
	ErrHandshakeTimeout = errors.New("socket readiness timed out")

	// ErrUnknownToken is reported by Wait for a channel that stopped because
	// the peer sent a response whose token matches no outstanding request.
	ErrUnknownToken = errors.New("response with unknown token")

	// ErrTimeout is reported in a Reply when an exchange was abandoned
	// without a response.
	ErrTimeout = errors.New("exchange timed out")

	// ErrReset is reported in a Reply when the peer rejected a message with a
	// reset.
	ErrReset = errors.New("reset by peer")

	// ErrUnknownCall is the result of an event the channel does not recognize.
	ErrUnknownCall = errors.New("unknown call")
)

// A Socket is a datagram transport connected to a single remote peer.
//
// A socket may also implement a Recv() ([]byte, error) method. If it does, the
// channel reads inbound datagrams from it; otherwise the owner of the socket
// must pass inbound datagrams to the Deliver method of the channel.
type Socket interface {
	// Send a datagram to the remote peer.
	Send([]byte) error

	// Close the socket. After a socket is closed, all further operations on
	// it must report an error.
	Close() error

	// Ready blocks until the socket is ready for use or ctx ends.
	Ready(context.Context) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Pair identifies the socket pair of a channel.
type Pair struct {
	Local, Remote string
}

func (p Pair) String() string { return p.Local + "<->" + p.Remote }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// A DatagramLogger logs a datagram exchanged with the remote peer.
type DatagramLogger func(DatagramInfo)

// A DatagramInfo combines a raw datagram and a flag indicating whether it was
// sent or received.
type DatagramInfo struct {
	Data []byte
	Sent bool // whether the datagram was sent (true) or received (false)
}

func (d DatagramInfo) String() string {
	dir := value.Cond(d.Sent, "send", "recv")
	if h, err := packet.Parse(d.Data); err == nil {
		return fmt.Sprintf("%s %v", dir, h)
	}
	return fmt.Sprintf("%s [%d bytes, malformed]", dir, len(d.Data))
}

// A Channel is the CoAP session with a single remote endpoint. It owns one
// socket, and matches the datagrams it carries to the requests, responses and
// other messages exchanged with the peer.
//
// Every operation on the channel is handled in order by a single service
// goroutine, which is the only code that touches the token and transaction
// tables. The methods of a Channel are safe for concurrent use, and the send
// methods never block.
//
// A channel stops when Close is called, when the socket fails, when the peer
// sends a response with an unknown token, or when it becomes idle: that is,
// it has no pending tokens, no live transactions and no running responders.
type Channel struct {
	id    Pair
	sock  Socket
	opts  *Options
	log   *slog.Logger
	mbox  *mailbox
	tasks *taskgroup.Group
	ctx   context.Context // governs responders
	stop  context.CancelFunc
	done  chan struct{}

	// Owned by the service goroutine.
	tokens     map[string]Receiver // pending requests
	resolved   map[string]struct{} // answered, awaiting completion
	trans      map[TransactionID]Engine
	nextMID    uint16
	responders int

	μ      sync.Mutex
	err    error                    // exit status
	exited bool                     // the service goroutine has finished
	timers map[*time.Timer]struct{} // pending engine timers
	dlog   DatagramLogger
	onExit func(error)
}

// Open waits for sock to become ready and starts a channel on it. The channel
// runs until it stops; call Wait to wait for it to exit and report its status.
//
// If the socket reports a closed connection while becoming ready, Open reports
// an error wrapping ErrClosed. If it does not become ready within the ready
// timeout, Open reports an error wrapping ErrHandshakeTimeout. Otherwise any
// error from the socket is returned as-is. In every error case sock is closed.
func Open(ctx context.Context, sock Socket, opts *Options) (*Channel, error) {
	o := opts.withDefaults()
	rctx, cancel := context.WithTimeout(ctx, o.ReadyTimeout)
	defer cancel()
	if err := sock.Ready(rctx); err != nil {
		sock.Close()
		return nil, readyError(err)
	}
	return start(sock, o), nil
}

func readyError(err error) error {
	switch {
	case treatErrorAsSuccess(err):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
	default:
		return err
	}
}

func start(sock Socket, o *Options) *Channel {
	id := Pair{Local: addrString(sock.LocalAddr()), Remote: addrString(sock.RemoteAddr())}
	ctx, stop := context.WithCancel(o.BaseContext())
	c := &Channel{
		id:       id,
		sock:     sock,
		opts:     o,
		log:      o.Logger.With("channel", id.String()),
		mbox:     newMailbox(),
		tasks:    taskgroup.New(nil),
		stop:     stop,
		done:     make(chan struct{}),
		tokens:   make(map[string]Receiver),
		resolved: make(map[string]struct{}),
		trans:    make(map[TransactionID]Engine),
		timers:   make(map[*time.Timer]struct{}),

		// The first ID is uniform on [1, 65535].
		nextMID: uint16(o.uintN(math.MaxUint16)) + 1,
	}
	c.ctx = context.WithValue(ctx, channelContextKey{}, c)
	chanMetrics.chanActive.Add(1)
	c.log.Debug("channel started")

	c.tasks.Go(func() error {
		c.finish(c.serve())
		return nil
	})
	if r, ok := sock.(interface{ Recv() ([]byte, error) }); ok {
		c.tasks.Go(func() error {
			for {
				data, err := r.Recv()
				if err != nil {
					c.mbox.post(event{kind: evSocketError, err: err})
					return nil
				}
				if !c.Deliver(data) {
					return nil
				}
			}
		})
	}
	return c
}

// ID reports the socket pair identity of c.
func (c *Channel) ID() Pair { return c.id }

// Done returns a channel that is closed when c has stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close stops c immediately. Exchanges in flight are abandoned without
// notifying their receivers. Close does not wait for c to exit.
func (c *Channel) Close() { c.mbox.close() }

// Stop closes c and blocks until it has exited, and returns its status.
func (c *Channel) Stop() error { c.Close(); return c.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)
}

// Wait blocks until c has exited, including any responders it started, and
// reports the error that caused it to stop.
//
// If c stopped because it was idle, it was closed, or its socket was closed,
// Wait returns nil; otherwise it returns the error that ended the channel.
func (c *Channel) Wait() error {
	c.tasks.Wait()
	c.μ.Lock()
	defer c.μ.Unlock()
	return exitStatus(c.err)
}

func exitStatus(err error) error {
	if err == nil || treatErrorAsSuccess(err) {
		return nil
	}
	return err
}

// OnExit registers a callback to be invoked when c stops. The callback is
// executed synchronously by the service goroutine, with the same error value
// that would be reported by the Wait method. If c has already stopped, f is
// called immediately.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (c *Channel) OnExit(f func(error)) *Channel {
	c.μ.Lock()
	if c.exited {
		err := c.err
		c.μ.Unlock()
		if f != nil {
			f(exitStatus(err))
		}
		return c
	}
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// LogDatagrams registers a callback that will be invoked for each datagram
// exchanged with the remote peer, including datagrams to be discarded.
// Passing a nil callback disables datagram logging.
func (c *Channel) LogDatagrams(log DatagramLogger) *Channel {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.dlog = log
	return c
}

// Deliver hands an inbound datagram to c. The channel takes ownership of data.
// Deliver reports false if c has already stopped.
func (c *Channel) Deliver(data []byte) bool {
	return c.mbox.post(event{kind: evDatagram, data: data})
}

// SendRequest issues msg as a request to the peer. The channel assigns a fresh
// token and message ID, and delivers the eventual response, if any, to rcv.
// It does not wait for the request to be sent. An empty message is sent
// without a token, as by SendMessage.
func (c *Channel) SendRequest(msg *Message, rcv Receiver) Ref {
	return c.post(evRequest, msg, rcv)
}

// SendMessage issues msg to the peer under a fresh message ID, without a
// token. This is used for messages that are not requests, such as a ping.
func (c *Channel) SendMessage(msg *Message, rcv Receiver) Ref {
	return c.post(evMessage, msg, rcv)
}

// SendResponse issues msg as a response. Its message ID must be that of the
// request it answers. If that request is still awaiting acknowledgement, the
// response is piggy-backed on the ACK; otherwise it is sent as a new exchange.
func (c *Channel) SendResponse(msg *Message, rcv Receiver) Ref {
	return c.post(evResponse, msg, rcv)
}

// Send issues msg as a response if it is an ACK or RST or carries a response
// code, as a plain message if it is empty, and otherwise as a request.
func (c *Channel) Send(msg *Message, rcv Receiver) Ref {
	switch {
	case IsResponse(msg):
		return c.SendResponse(msg, rcv)
	case msg.Code == codes.Empty:
		return c.SendMessage(msg, rcv)
	}
	return c.SendRequest(msg, rcv)
}

// Ping sends an empty confirmable message. The peer's reset, if any, is
// delivered to rcv as a Reply with Err == ErrReset.
func (c *Channel) Ping(rcv Receiver) Ref {
	return c.SendMessage(emptyMessage(message.Confirmable, 0), rcv)
}

// Call sends msg as a request and blocks until a reply arrives, c stops, or
// ctx ends. Ending ctx does not cancel the exchange.
func (c *Channel) Call(ctx context.Context, msg *Message) (*Message, error) {
	pc := make(chan Reply, 1)
	c.SendRequest(msg, ReceiverFunc(func(r Reply) {
		select {
		case pc <- r:
		default:
		}
	}))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case r := <-pc:
			return r.Message, r.Err
		default:
			return nil, ErrClosed
		}
	case r := <-pc:
		return r.Message, r.Err
	}
}

// RequestComplete notifies c that the exchange for the request with the given
// token has ended, so the token may be forgotten.
func (c *Channel) RequestComplete(token []byte) {
	c.mbox.post(event{kind: evComplete, token: string(token)})
}

// ResponderStarted notifies c that a responder has started for one of its
// inbound requests.
func (c *Channel) ResponderStarted() { c.mbox.post(event{kind: evResponderStart}) }

// ResponderDone notifies c that a responder started for one of its inbound
// requests has finished.
func (c *Channel) ResponderDone() { c.mbox.post(event{kind: evResponderDone}) }

func (c *Channel) post(kind eventKind, msg *Message, rcv Receiver) Ref {
	ref := newRef()
	brcv := bindReceiver(ref, rcv)
	if !c.mbox.post(event{kind: kind, msg: msg, rcv: brcv}) && brcv != nil {
		brcv.Deliver(Reply{Err: ErrClosed})
	}
	return ref
}

// serve runs the event loop until the channel stops.
func (c *Channel) serve() error {
	for {
		ev, ok, closed := c.mbox.take()
		if closed {
			return ErrClosed
		} else if !ok {
			<-c.mbox.wake
			continue
		}
		if stop, err := c.dispatch(ev); stop {
			return err
		}
	}
}

// finish releases the resources of c after its service loop has ended.
func (c *Channel) finish(err error) {
	c.mbox.close()
	c.stop()
	c.sock.Close()

	chanMetrics.chanActive.Add(-1)
	chanMetrics.transActive.Add(-int64(len(c.trans)))
	chanMetrics.tokenPending.Add(-int64(len(c.tokens) + len(c.resolved)))
	c.trans = nil
	c.tokens = nil
	c.resolved = nil

	c.μ.Lock()
	for t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.err = err
	c.exited = true
	onExit := c.onExit
	c.μ.Unlock()
	close(c.done)

	if exitStatus(err) != nil {
		c.log.Warn("channel failed", "error", err)
	} else {
		c.log.Debug("channel stopped")
	}
	if onExit != nil {
		onExit(exitStatus(err))
	}
}

// dispatch handles a single event. If the channel should stop, it reports
// stop == true along with the error that ended it, or nil if the stop was
// ordinary.
func (c *Channel) dispatch(ev event) (stop bool, err error) {
	switch ev.kind {
	case evDatagram:
		return c.dispatchDatagram(ev.data)

	case evRequest:
		if ev.msg.Code == codes.Empty {
			// An empty message carries no token (RFC 7252 section 4.1).
			ev.msg.Token = nil
			chanMetrics.messageOut.Add(1)
			return c.issue(ev.msg, ev.rcv, nil)
		}
		chanMetrics.requestOut.Add(1)
		tok, err := pmsg.GetToken()
		if err != nil {
			// The random source failed; there is no way to issue the request.
			if ev.rcv != nil {
				ev.rcv.Deliver(Reply{Err: fmt.Errorf("generating token: %w", err)})
			}
			return false, nil
		}
		ev.msg.Token = tok
		c.tokens[string(tok)] = ev.rcv
		chanMetrics.tokenPending.Add(1)
		return c.issue(ev.msg, ev.rcv, tok)

	case evMessage:
		ev.msg.Token = nil
		chanMetrics.messageOut.Add(1)
		return c.issue(ev.msg, ev.rcv, nil)

	case evResponse:
		chanMetrics.responseOut.Add(1)
		tid := TransactionID{Dir: In, MID: ev.msg.MessageID}
		if eng, ok := c.trans[tid]; ok && eng.AwaitsResponse() {
			chanMetrics.piggybacked.Add(1)
			return c.update(tid, eng, eng.Send(ev.msg))
		}
		return c.issue(ev.msg, ev.rcv, nil)

	case evTimeout:
		if eng, ok := c.trans[ev.tid]; ok {
			return c.update(ev.tid, eng, eng.Timeout(ev.timer))
		}
		return false, nil // the transaction is already gone

	case evComplete:
		if _, ok := c.tokens[ev.token]; ok {
			delete(c.tokens, ev.token)
			chanMetrics.tokenPending.Add(-1)
		} else if _, ok := c.resolved[ev.token]; ok {
			delete(c.resolved, ev.token)
			chanMetrics.tokenPending.Add(-1)
		}
		return c.checkIdle()

	case evResponderStart:
		c.responders++
		chanMetrics.responderCount.Add(1)
		return c.checkIdle()

	case evResponderDone:
		c.responders--
		chanMetrics.responderCount.Add(-1)
		return c.checkIdle()

	case evSocketError:
		return true, ev.err

	default:
		if ev.ack != nil {
			ev.ack <- ErrUnknownCall
		}
		return false, nil
	}
}

// dispatchDatagram routes an inbound datagram to its transaction.
func (c *Channel) dispatchDatagram(data []byte) (bool, error) {
	chanMetrics.dgramRecv.Add(1)
	c.logDatagram(data, false)

	h, err := packet.Parse(data)
	if err != nil {
		chanMetrics.dgramDropped.Add(1)
		return c.checkIdle()
	}
	switch h.Type {
	case packet.CON, packet.NON:
		tid := TransactionID{Dir: In, MID: h.MessageID}
		if eng, ok := c.trans[tid]; ok {
			return c.update(tid, eng, eng.Received(data))
		}
		if h.IsEmpty() || h.IsRequestClass() {
			eng := c.newEngine(tid, nil, nil)
			return c.update(tid, eng, eng.Received(data))
		}

		// A new response: it must answer one of our outstanding requests.
		rcv, ok := c.tokens[string(h.Token)]
		if !ok {
			if _, ok := c.resolved[string(h.Token)]; ok {
				// The request was already answered; reject the extra response
				// without ending the channel.
				chanMetrics.dgramDropped.Add(1)
				if h.Type == packet.CON {
					c.sendReset(h.MessageID)
				}
				return c.checkIdle()
			}
			c.log.Warn("response with unknown token", "mid", h.MessageID, "token", fmt.Sprintf("%x", h.Token))
			c.sendReset(h.MessageID)
			return true, ErrUnknownToken
		}
		c.resolve(h.Token)
		eng := c.newEngine(tid, rcv, nil)
		return c.update(tid, eng, eng.Received(data))

	case packet.ACK, packet.RST:
		tid := TransactionID{Dir: Out, MID: h.MessageID}
		eng, ok := c.trans[tid]
		if !ok {
			chanMetrics.dgramDropped.Add(1)
			return c.checkIdle() // nothing is waiting for this
		}
		return c.update(tid, eng, eng.Received(data))
	}
	panic("unreachable")
}

// issue sends msg as the first message of a new outbound transaction. If token
// is non-nil, it is the pending token the transaction must release.
func (c *Channel) issue(msg *Message, rcv Receiver, token []byte) (bool, error) {
	msg.MessageID = c.nextMessageID()
	tid := TransactionID{Dir: Out, MID: msg.MessageID}
	eng := c.newEngine(tid, rcv, token)
	return c.update(tid, eng, eng.Send(msg))
}

// update records the engine for tid after it has handled an event, and checks
// whether the channel is idle.
func (c *Channel) update(tid TransactionID, eng Engine, st Status) (bool, error) {
	_, had := c.trans[tid]
	if st == Finished {
		if had {
			delete(c.trans, tid)
			chanMetrics.transActive.Add(-1)
		}
	} else {
		c.trans[tid] = eng
		if !had {
			chanMetrics.transActive.Add(1)
		}
	}
	return c.checkIdle()
}

// checkIdle reports whether the channel should stop because it has no pending
// work. A channel with events still queued is not idle.
func (c *Channel) checkIdle() (bool, error) {
	if len(c.tokens) != 0 || len(c.resolved) != 0 || len(c.trans) != 0 || c.responders != 0 {
		return false, nil
	}
	return c.mbox.closeIfEmpty(), nil
}

// hasToken reports whether token is still pending, that is, no response or
// failure has been delivered for it. It must only be called from the service
// goroutine, which is where engines run.
func (c *Channel) hasToken(token []byte) bool {
	_, ok := c.tokens[string(token)]
	return ok
}

// resolve marks a pending token as answered, and reports whether it was still
// pending. A token is resolved at most once; it stays in the resolved set until
// its exchange reports completion. It must only be called from the service
// goroutine.
func (c *Channel) resolve(token []byte) bool {
	key := string(token)
	if _, ok := c.tokens[key]; !ok {
		return false
	}
	delete(c.tokens, key)
	c.resolved[key] = struct{}{}
	return true
}

// nextMessageID allocates a message ID for an outbound message.
// IDs wrap from 65535 to 1, so that 0 is never allocated.
func (c *Channel) nextMessageID() uint16 {
	id := c.nextMID
	c.nextMID = value.Cond(id == math.MaxUint16, 1, id+1)
	return id
}

func (c *Channel) newEngine(tid TransactionID, rcv Receiver, token []byte) Engine {
	return c.opts.NewEngine(EngineConfig{
		ID:         tid,
		Receiver:   rcv,
		Token:      token,
		Send:       c.send,
		After:      func(d time.Duration, ev any) { c.after(tid, d, ev) },
		Pair:       c.id,
		Channel:    c,
		Responders: c.opts.Responders,
		Options:    c.opts,
	})
}

// after schedules a timeout event for tid.
func (c *Channel) after(tid TransactionID, d time.Duration, ev any) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.exited {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.μ.Lock()
		delete(c.timers, t)
		c.μ.Unlock()
		c.mbox.post(event{kind: evTimeout, tid: tid, timer: ev})
	})
	c.timers[t] = struct{}{}
}

// sendReset sends an RST for mid directly on the socket.
func (c *Channel) sendReset(mid uint16) {
	var b packet.Builder
	b.Header(packet.Header{Type: packet.RST, MessageID: mid})
	chanMetrics.resetSent.Add(1)
	c.send(b.Bytes())
}

func (c *Channel) send(data []byte) error {
	chanMetrics.dgramSent.Add(1)
	c.logDatagram(data, true)
	if err := c.sock.Send(data); err != nil {
		c.log.Debug("send failed", "error", err)
		return err
	}
	return nil
}

func (c *Channel) logDatagram(data []byte, sent bool) {
	c.μ.Lock()
	log := c.dlog
	c.μ.Unlock()
	if log != nil {
		log(DatagramInfo{Data: data, Sent: sent})
	}
}

type channelContextKey struct{}

// ContextChannel returns the Channel associated with the given context, or nil
// if none is defined. The context passed to a request Handler has this value.
func ContextChannel(ctx context.Context) *Channel {
	if v, ok := ctx.Value(channelContextKey{}).(*Channel); ok {
		return v
	}
	return nil
}
