// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package coap implements the per-endpoint session layer of a [CoAP] stack.
//
// # Channels
//
// The core type defined by this package is the [Channel]. A channel owns a
// single datagram [Socket] connected to one remote endpoint, and matches the
// datagrams it carries into requests, responses and other message exchanges.
//
// To open a channel on a socket:
//
//	ch, err := coap.Open(ctx, sock, nil)
//	if err != nil {
//	   log.Fatalf("Open: %v", err)
//	}
//
// Open waits for the socket to become ready (for example, for a DTLS
// handshake to complete) before starting the channel. The channel runs until
// [Channel.Close] is called, the socket fails, or the channel becomes idle,
// meaning it has no outstanding requests, no live transactions and no
// running request handlers. Call [Channel.Wait] to wait for the channel to
// exit and return its status.
//
// # Exchanges
//
// Each message a channel sends or receives belongs to a transaction, keyed by
// its direction and 16-bit message ID. The state of a transaction is managed
// by an [Engine]; by default this is an implementation of the message layer
// of RFC 7252, which retransmits confirmable messages, acknowledges inbound
// ones and suppresses duplicates.
//
// To issue a request, use [Channel.SendRequest] with a [Receiver] for the
// response, or the blocking [Channel.Call]:
//
//	req, err := coap.NewRequest(codes.GET, "/sensors/temp")
//	...
//	rsp, err := ch.Call(ctx, req)
//
// Requests are assigned a fresh random token. A response whose token does
// not match any outstanding request is answered with a reset, and ends the
// channel with [ErrUnknownToken].
//
// # Handlers
//
// Inbound requests are served by the [ResponderPool] in the channel options.
// The default pool runs the [Handler] from the options in a new goroutine for
// each request; use a [Mux] to route requests by path. A response sent while
// the request is still unacknowledged is piggy-backed on its ACK.
//
// # Metrics
//
// Channels maintain a collection of metrics while running. Use [Metrics] to
// obtain an [expvar.Map] containing the metrics exported by all channels.
//
// The metrics currently exported include:
//
//   - datagrams_received: counter of datagrams received
//   - datagrams_sent: counter of datagrams sent, including retransmissions
//   - datagrams_dropped: counter of datagrams received and discarded
//   - resets_sent: counter of resets sent for unknown tokens
//   - requests_out: counter of outbound requests issued
//   - messages_out: counter of outbound non-request messages issued
//   - responses_out: counter of outbound responses issued
//   - responses_piggybacked: counter of responses carried on an ACK
//   - retransmissions: counter of confirmable messages resent
//   - exchanges_timed_out: counter of outbound exchanges abandoned
//   - channels_active: gauge of channels currently running
//   - transactions_active: gauge of live transactions
//   - tokens_pending: gauge of requests awaiting a response
//   - responders_active: gauge of request handlers currently running
//
// [CoAP]: https://www.rfc-editor.org/rfc/rfc7252
package coap
