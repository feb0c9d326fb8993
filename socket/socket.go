// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package socket provides implementations of the coap.Socket interface.
package socket

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/coap"
	"github.com/pion/dtls/v2"
)

// maxDatagram bounds the size of a datagram read from a socket.
const maxDatagram = 1 << 16

// UDP constructs a socket that sends datagrams to remote on conn. The socket
// does not receive: the owner of conn reads it and passes the datagrams from
// remote to the Deliver method of the channel. Closing the socket does not
// close conn, which may be shared by many sockets.
func UDP(conn net.PacketConn, remote net.Addr) *UDPSocket {
	return &UDPSocket{conn: conn, remote: remote}
}

// A UDPSocket sends datagrams to a single remote address on a shared
// PacketConn.
type UDPSocket struct {
	conn   net.PacketConn
	remote net.Addr

	μ      sync.Mutex
	closed bool
}

// Send implements a method of the [coap.Socket] interface.
func (u *UDPSocket) Send(data []byte) error {
	u.μ.Lock()
	closed := u.closed
	u.μ.Unlock()
	if closed {
		return net.ErrClosed
	}
	_, err := u.conn.WriteTo(data, u.remote)
	return err
}

// Close implements a method of the [coap.Socket] interface.
func (u *UDPSocket) Close() error {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.closed = true
	return nil
}

// Ready implements a method of the [coap.Socket] interface.
// A UDP socket is ready as soon as it is constructed.
func (*UDPSocket) Ready(context.Context) error { return nil }

// LocalAddr implements a method of the [coap.Socket] interface.
func (u *UDPSocket) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// RemoteAddr implements a method of the [coap.Socket] interface.
func (u *UDPSocket) RemoteAddr() net.Addr { return u.remote }

// DialDTLS constructs a socket that connects to raddr over DTLS with the
// given configuration. The handshake is performed by the Ready method.
func DialDTLS(raddr *net.UDPAddr, cfg *dtls.Config) *DTLSSocket {
	return &DTLSSocket{raddr: raddr, cfg: cfg}
}

// DTLS constructs a socket on an established DTLS connection, such as one
// returned by the Accept method of a DTLS listener.
func DTLS(conn net.Conn) *DTLSSocket {
	return &DTLSSocket{conn: conn, raddr: conn.RemoteAddr()}
}

// A DTLSSocket exchanges datagrams with a peer over a DTLS connection.
type DTLSSocket struct {
	raddr net.Addr
	cfg   *dtls.Config

	μ      sync.Mutex
	conn   net.Conn // set once the handshake is complete
	closed bool
}

// Ready implements a method of the [coap.Socket] interface. For a dialed
// socket, Ready performs the DTLS handshake.
func (d *DTLSSocket) Ready(ctx context.Context) error {
	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return net.ErrClosed
	} else if d.conn != nil {
		d.μ.Unlock()
		return nil
	}
	d.μ.Unlock()

	conn, err := dtls.DialWithContext(ctx, "udp", d.raddr.(*net.UDPAddr), d.cfg)
	if err != nil {
		return fmt.Errorf("dtls handshake: %w", err)
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.closed {
		conn.Close()
		return net.ErrClosed
	}
	d.conn = conn
	return nil
}

func (d *DTLSSocket) getConn() (net.Conn, error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.closed || d.conn == nil {
		return nil, net.ErrClosed
	}
	return d.conn, nil
}

// Send implements a method of the [coap.Socket] interface.
func (d *DTLSSocket) Send(data []byte) error {
	conn, err := d.getConn()
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// Recv reads the next datagram from the connection.
func (d *DTLSSocket) Recv() ([]byte, error) {
	conn, err := d.getConn()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	nr, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:nr], nil
}

// Close implements a method of the [coap.Socket] interface.
func (d *DTLSSocket) Close() error {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// LocalAddr implements a method of the [coap.Socket] interface.
func (d *DTLSSocket) LocalAddr() net.Addr {
	if conn, err := d.getConn(); err == nil {
		return conn.LocalAddr()
	}
	return nil
}

// RemoteAddr implements a method of the [coap.Socket] interface.
func (d *DTLSSocket) RemoteAddr() net.Addr { return d.raddr }

// Direct constructs a connected pair of in-memory sockets. Datagrams sent on
// A are received by B and vice versa. Closing either socket closes both
// directions.
func Direct() (A, B *DirectSocket) {
	shut := make(chan struct{})
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	once := new(sync.Once)
	A = &DirectSocket{send: a2b, recv: b2a, shut: shut, once: once, local: directAddr("A"), remote: directAddr("B")}
	B = &DirectSocket{send: b2a, recv: a2b, shut: shut, once: once, local: directAddr("B"), remote: directAddr("A")}
	return
}

// A DirectSocket is one end of an in-memory socket pair.
type DirectSocket struct {
	send chan<- []byte
	recv <-chan []byte
	shut chan struct{}
	once *sync.Once

	local, remote net.Addr
}

// Send implements a method of the [coap.Socket] interface.
func (d *DirectSocket) Send(data []byte) error {
	select {
	case <-d.shut:
		return net.ErrClosed
	default:
	}
	select {
	case d.send <- data:
		return nil
	case <-d.shut:
		return net.ErrClosed
	}
}

// Recv receives the next datagram sent by the other end of the pair.
func (d *DirectSocket) Recv() ([]byte, error) {
	select {
	case data := <-d.recv:
		return data, nil
	case <-d.shut:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [coap.Socket] interface.
func (d *DirectSocket) Close() error {
	d.once.Do(func() { close(d.shut) })
	return nil
}

// Ready implements a method of the [coap.Socket] interface.
func (d *DirectSocket) Ready(ctx context.Context) error {
	select {
	case <-d.shut:
		return net.ErrClosed
	default:
		return nil
	}
}

// LocalAddr implements a method of the [coap.Socket] interface.
func (d *DirectSocket) LocalAddr() net.Addr { return d.local }

// RemoteAddr implements a method of the [coap.Socket] interface.
func (d *DirectSocket) RemoteAddr() net.Addr { return d.remote }

type directAddr string

func (directAddr) Network() string  { return "direct" }
func (a directAddr) String() string { return string(a) }

var (
	_ coap.Socket = (*UDPSocket)(nil)
	_ coap.Socket = (*DTLSSocket)(nil)
	_ coap.Socket = (*DirectSocket)(nil)
)
