// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import "expvar"

// channelMetrics record channel activity counters.
type channelMetrics struct {
	dgramRecv      expvar.Int
	dgramSent      expvar.Int
	dgramDropped   expvar.Int // malformed, or untracked ACK/RST
	resetSent      expvar.Int // resets for unknown tokens
	requestOut     expvar.Int
	messageOut     expvar.Int
	responseOut    expvar.Int
	piggybacked    expvar.Int // responses carried on the request ACK
	retransmitted  expvar.Int
	timedOut       expvar.Int // outbound exchanges abandoned by the engine
	chanActive     expvar.Int // gauge
	transActive    expvar.Int // gauge
	tokenPending   expvar.Int // gauge
	responderCount expvar.Int // gauge

	emap *expvar.Map
}

var chanMetrics = newChannelMetrics()

func newChannelMetrics() *channelMetrics {
	cm := &channelMetrics{emap: new(expvar.Map)}
	cm.emap.Set("datagrams_received", &cm.dgramRecv)
	cm.emap.Set("datagrams_sent", &cm.dgramSent)
	cm.emap.Set("datagrams_dropped", &cm.dgramDropped)
	cm.emap.Set("resets_sent", &cm.resetSent)
	cm.emap.Set("requests_out", &cm.requestOut)
	cm.emap.Set("messages_out", &cm.messageOut)
	cm.emap.Set("responses_out", &cm.responseOut)
	cm.emap.Set("responses_piggybacked", &cm.piggybacked)
	cm.emap.Set("retransmissions", &cm.retransmitted)
	cm.emap.Set("exchanges_timed_out", &cm.timedOut)
	cm.emap.Set("channels_active", &cm.chanActive)
	cm.emap.Set("transactions_active", &cm.transActive)
	cm.emap.Set("tokens_pending", &cm.tokenPending)
	cm.emap.Set("responders_active", &cm.responderCount)
	return cm
}

// Metrics returns the metrics map shared by all channels. It is safe for the
// caller to add additional metrics to the map while channels are active.
func Metrics() *expvar.Map { return chanMetrics.emap }
