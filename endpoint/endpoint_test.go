// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package endpoint_test

import (
	"context"
	"errors"
	"expvar"
	"net"
	"testing"
	"time"

	"github.com/creachadair/coap"
	"github.com/creachadair/coap/endpoint"
	"github.com/creachadair/coap/handler"
	"github.com/fortytw2/leaktest"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

func mustListen(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Logf("Listening at %q", conn.LocalAddr())
	return conn
}

func testOptions(h coap.Handler) *coap.Options {
	return &coap.Options{
		Handler:          h,
		AckTimeout:       200 * time.Millisecond,
		ExchangeLifetime: 300 * time.Millisecond,
		NonLifetime:      300 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndpoint(t *testing.T) {
	defer leaktest.Check(t)()

	mux := new(coap.Mux).Handle("hello", handler.ParamResult(
		func(_ context.Context, name string) string { return "hello, " + name },
	))
	srv := endpoint.New(mustListen(t), testOptions(mux.Serve))
	cli := endpoint.New(mustListen(t), testOptions(nil))

	ctx := context.Background()
	ch, err := cli.Channel(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if again, err := cli.Channel(ctx, srv.Addr()); err != nil || again != ch {
		t.Errorf("Channel again: got (%p, %v), want (%p, nil)", again, err, ch)
	}

	t.Run("Call", func(t *testing.T) {
		req, err := coap.NewRequest(codes.POST, "/hello")
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Payload = []byte("world")
		rsp, err := ch.Call(ctx, req)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if rsp.Code != codes.Content {
			t.Errorf("Call code: got %v, want %v", rsp.Code, codes.Content)
		}
		if got, want := string(rsp.Payload), "hello, world"; got != want {
			t.Errorf("Call result: got %q, want %q", got, want)
		}
	})

	// Once the exchanges settle, both ends forget their channels.
	waitFor(t, "client channel to stop", func() bool { return cli.Len() == 0 })
	waitFor(t, "server channel to stop", func() bool { return srv.Len() == 0 })
	if err := ch.Wait(); err != nil {
		t.Errorf("Channel Wait: unexpected error: %v", err)
	}

	t.Run("NotFound", func(t *testing.T) {
		ch, err := cli.Channel(ctx, srv.Addr())
		if err != nil {
			t.Fatalf("Channel: %v", err)
		}
		req, err := coap.NewRequest(codes.GET, "/nonesuch")
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		rsp, err := ch.Call(ctx, req)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if rsp.Code != codes.NotFound {
			t.Errorf("Call code: got %v, want %v", rsp.Code, codes.NotFound)
		}
	})

	for _, e := range []*endpoint.Endpoint{cli, srv} {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := e.Wait(); err != nil {
			t.Errorf("Wait: %v", err)
		}
	}

	if _, err := cli.Channel(ctx, srv.Addr()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Channel after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestDroppedDatagrams(t *testing.T) {
	defer leaktest.Check(t)()

	e := endpoint.New(mustListen(t), testOptions(nil))
	defer func() { e.Close(); e.Wait() }()

	dropped := func() int64 { return coap.Metrics().Get("datagrams_dropped").(*expvar.Int).Value() }
	before := dropped()

	// Each peer sends only datagrams that create no work.
	const numPeers = 10
	for i := range numPeers {
		peer := mustListen(t)
		defer peer.Close()
		if _, err := peer.WriteTo([]byte{0x60, 0x00, 0x00, byte(i)}, e.Addr()); err != nil {
			t.Fatalf("Send ACK: %v", err)
		}
		if _, err := peer.WriteTo([]byte{0x80}, e.Addr()); err != nil {
			t.Fatalf("Send malformed: %v", err)
		}
	}
	waitFor(t, "datagrams to be dropped", func() bool { return dropped()-before >= 2*numPeers })
	waitFor(t, "idle channels to stop", func() bool { return e.Len() == 0 })
}

type fakeListener struct {
	net.Listener // stub for unused methods
	closed       chan struct{}
}

func (f fakeListener) Accept() (net.Conn, error) {
	<-f.closed
	return nil, net.ErrClosed
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func TestServeDTLS(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("CancelContext", func(t *testing.T) {
		lst := fakeListener{closed: make(chan struct{})}
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		if err := endpoint.ServeDTLS(ctx, lst, nil); err != nil {
			t.Errorf("ServeDTLS: unexpected error: %v", err)
		}
	})

	t.Run("CloseListener", func(t *testing.T) {
		lst := fakeListener{closed: make(chan struct{})}
		time.AfterFunc(50*time.Millisecond, func() { lst.Close() })
		if err := endpoint.ServeDTLS(context.Background(), lst, nil); err != nil {
			t.Errorf("ServeDTLS: unexpected error: %v", err)
		}
	})
}
