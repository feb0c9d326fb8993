// Program coapch is a command-line utility for exchanging messages with CoAP
// endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/creachadair/coap"
	"github.com/creachadair/coap/endpoint"
	"github.com/creachadair/coap/handler"
	"github.com/creachadair/coap/socket"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

var flags struct {
	Verbose  bool          `flag:"v,Enable verbose logging"`
	PSK      string        `flag:"psk,Use DTLS with this pre-shared key"`
	Identity string        `flag:"identity,default=coapch,PSK identity hint"`
	Addr     string        `flag:"addr,default=:5683,Listen address (serve)"`
	Timeout  time.Duration `flag:"timeout,default=30s,Request timeout"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for exchanging messages with CoAP endpoints.

Transmission parameters are read from the environment:

  COAP_ACK_TIMEOUT, COAP_ACK_RANDOM_FACTOR, COAP_MAX_RETRANSMIT,
  COAP_PROCESSING_DELAY, COAP_EXCHANGE_LIFETIME, COAP_NON_LIFETIME,
  COAP_READY_TIMEOUT
`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "ping",
				Usage: "<host:port>",
				Help:  "Send an empty confirmable message and wait for the reset.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "get",
				Usage: "<host:port> <path>",
				Help:  "Send a GET request and print the response payload.",
				Run:   command.Adapt(runGet),
			},
			{
				Name: "serve",
				Help: `Serve requests until interrupted.

The server answers these paths:

  echo : returns the request payload
  time : returns the current time`,
				Run: runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// options returns the channel options for the program, with transmission
// parameters from the environment.
func options() (*coap.Options, error) {
	level := slog.LevelWarn
	if flags.Verbose {
		level = slog.LevelDebug
	}
	opts := &coap.Options{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
	if err := env.Parse(opts); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	return opts, nil
}

func dtlsConfig() *dtls.Config {
	return &dtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return []byte(flags.PSK), nil
		},
		PSKIdentityHint: []byte(flags.Identity),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

// dial opens a channel to the endpoint at addr. The returned cleanup function
// must be called when the channel is no longer needed.
func dial(ctx context.Context, addr string, opts *coap.Options) (*coap.Channel, func(), error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, err
	}
	if flags.PSK != "" {
		ch, err := coap.Open(ctx, socket.DialDTLS(raddr, dtlsConfig()), opts)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { ch.Stop() }, nil
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, nil, err
	}
	e := endpoint.New(conn, opts)
	ch, err := e.Channel(ctx, raddr)
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	return ch, func() { e.Close(); e.Wait() }, nil
}

func runPing(env *command.Env, addr string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), flags.Timeout)
	defer cancel()

	ch, cleanup, err := dial(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	start := time.Now()
	done := make(chan error, 1)
	ch.Ping(coap.ReceiverFunc(func(r coap.Reply) { done <- r.Err }))
	select {
	case err := <-done:
		if err == nil {
			return fmt.Errorf("ping %s: unexpected reply", addr)
		} else if !errors.Is(err, coap.ErrReset) {
			return fmt.Errorf("ping %s: %w", addr, err)
		}
		fmt.Printf("pong from %s in %v\n", addr, time.Since(start).Round(time.Microsecond))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ping %s: %w", addr, ctx.Err())
	}
}

func runGet(env *command.Env, addr, path string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), flags.Timeout)
	defer cancel()

	ch, cleanup, err := dial(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	req, err := coap.NewRequest(codes.GET, path)
	if err != nil {
		return err
	}
	rsp, err := ch.Call(ctx, req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if rsp.Code != codes.Content {
		fmt.Fprintf(os.Stderr, "%v\n", rsp.Code)
	}
	os.Stdout.Write(rsp.Payload)
	if len(rsp.Payload) != 0 {
		fmt.Println()
	}
	return nil
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	opts, err := options()
	if err != nil {
		return err
	}
	mux := new(coap.Mux).
		Handle("echo", handler.ParamResult(func(_ context.Context, data []byte) []byte { return data })).
		Handle("time", handler.ResultOnly(func(context.Context) string { return time.Now().Format(time.RFC3339) }))
	opts.Handler = mux.Serve

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	laddr, err := net.ResolveUDPAddr("udp", flags.Addr)
	if err != nil {
		return err
	}
	if flags.PSK != "" {
		lst, err := dtls.Listen("udp", laddr, dtlsConfig())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "serving DTLS at %v\n", lst.Addr())
		return endpoint.ServeDTLS(ctx, lst, opts)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	e := endpoint.New(conn, opts)
	fmt.Fprintf(os.Stderr, "serving at %v\n", e.Addr())
	<-ctx.Done()
	e.Close()
	return e.Wait()
}
