// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package socket_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/creachadair/coap/socket"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func TestDirect(t *testing.T) {
	c, s := socket.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if err := c.Send([]byte("ping")); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if diff := cmp.Diff(string(got), "pong"); diff != "" {
			t.Errorf("Datagram (-got, +want):\n%s", diff)
		}
		return nil
	})
	g.Go(func() error {
		data, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if string(data) != "ping" {
			t.Errorf("B Recv: got %q, want ping", data)
		}
		if err := s.Send([]byte("pong")); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if got, want := c.RemoteAddr().String(), s.LocalAddr().String(); got != want {
		t.Errorf("Addresses: A remote %q, B local %q", got, want)
	}

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("c.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := s.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if data, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %q", data)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if err := s.Ready(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Ready after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestUDP(t *testing.T) {
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()
	b, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Close()

	s := socket.UDP(a, b.LocalAddr())
	if err := s.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	nr, from, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got := string(buf[:nr]); got != "hello" {
		t.Errorf("ReadFrom: got %q, want hello", got)
	}
	if from.String() != s.LocalAddr().String() {
		t.Errorf("ReadFrom: sender %v, want %v", from, s.LocalAddr())
	}

	// Closing the socket does not close the shared connection.
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Send([]byte("again")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if _, err := a.WriteTo([]byte("still open"), b.LocalAddr()); err != nil {
		t.Errorf("WriteTo on shared conn: %v", err)
	}
}

func TestDTLSClosed(t *testing.T) {
	raddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5684}
	s := socket.DialDTLS(raddr, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ready(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Ready after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := s.Send([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if s.RemoteAddr().String() != raddr.String() {
		t.Errorf("RemoteAddr: got %v, want %v", s.RemoteAddr(), raddr)
	}
}
