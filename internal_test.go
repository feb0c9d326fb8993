package coap

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp/message"
)

func TestMessageIDWrap(t *testing.T) {
	c := &Channel{nextMID: 65534}
	var got []uint16
	for range 4 {
		got = append(got, c.nextMessageID())
	}
	want := []uint16{65534, 65535, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ID %d: got %d, want %d", i+1, got[i], want[i])
		}
	}
}

func TestUnknownEvent(t *testing.T) {
	c := &Channel{}
	ack := make(chan error, 1)
	stop, err := c.dispatch(event{kind: 99, ack: ack})
	if stop || err != nil {
		t.Errorf("dispatch: got (%v, %v), want (false, nil)", stop, err)
	}
	if got := <-ack; !errors.Is(got, ErrUnknownCall) {
		t.Errorf("Result: got %v, want %v", got, ErrUnknownCall)
	}
}

func TestMailbox(t *testing.T) {
	m := newMailbox()
	if !m.post(event{kind: evComplete, token: "a"}) {
		t.Fatal("post to open mailbox failed")
	}
	if m.closeIfEmpty() {
		t.Error("closeIfEmpty closed a non-empty mailbox")
	}
	ev, ok, closed := m.take()
	if !ok || closed || ev.token != "a" {
		t.Errorf("take: got (%+v, %v, %v), want token a", ev, ok, closed)
	}
	if _, ok, closed := m.take(); ok || closed {
		t.Errorf("take empty: got (%v, %v), want (false, false)", ok, closed)
	}
	if !m.closeIfEmpty() {
		t.Error("closeIfEmpty did not close an empty mailbox")
	}
	if m.post(event{kind: evComplete}) {
		t.Error("post to closed mailbox succeeded")
	}
	if _, _, closed := m.take(); !closed {
		t.Error("take did not report closed")
	}
}

func TestOptionDefaults(t *testing.T) {
	o := (*Options)(nil).withDefaults()
	if o.AckTimeout != DefaultAckTimeout || o.ProcessingDelay != DefaultAckTimeout {
		t.Errorf("Timeouts: got ack %v, processing %v", o.AckTimeout, o.ProcessingDelay)
	}
	if o.MaxRetransmit != DefaultMaxRetransmit || o.AckRandomFactor != DefaultAckRandomFactor {
		t.Errorf("Retransmit: got %d, factor %v", o.MaxRetransmit, o.AckRandomFactor)
	}
	if o.Logger == nil || o.NewEngine == nil || o.Responders == nil || o.BaseContext == nil {
		t.Error("Missing default hooks")
	}

	p := (&Options{AckTimeout: time.Second, ProcessingDelay: 3 * time.Second}).withDefaults()
	if p.AckTimeout != time.Second || p.ProcessingDelay != 3*time.Second {
		t.Errorf("Overrides: got ack %v, processing %v", p.AckTimeout, p.ProcessingDelay)
	}
}

func TestIsResponse(t *testing.T) {
	tests := []struct {
		m    *Message
		want bool
	}{
		{&Message{Type: message.Confirmable, Code: codes.GET}, false},
		{&Message{Type: message.NonConfirmable, Code: codes.POST}, false},
		{&Message{Type: message.Confirmable, Code: codes.Empty}, false},
		{&Message{Type: message.Acknowledgement, Code: codes.Content}, true},
		{&Message{Type: message.Acknowledgement}, true},
		{&Message{Type: message.Reset}, true},
		{&Message{Type: message.Confirmable, Code: codes.Content}, true},
		{&Message{Type: message.NonConfirmable, Code: codes.NotFound}, true},
	}
	for _, tc := range tests {
		if got := IsResponse(tc.m); got != tc.want {
			t.Errorf("IsResponse(%v %v): got %v, want %v", tc.m.Type, tc.m.Code, got, tc.want)
		}
	}
}

func TestDatagramInfo(t *testing.T) {
	d := DatagramInfo{Data: []byte{0x70, 0, 0, 5}, Sent: true}
	if got := d.String(); !strings.HasPrefix(got, "send ") || !strings.Contains(got, "RST") {
		t.Errorf("String: got %q, want a sent RST", got)
	}
	bad := DatagramInfo{Data: []byte{1}}
	if got := bad.String(); !strings.Contains(got, "malformed") {
		t.Errorf("String: got %q, want malformed", got)
	}
}

func TestNewRequestPath(t *testing.T) {
	tests := []struct {
		path string
		segs int
		want string
	}{
		{"", 0, ""},
		{"/x", 1, "x"},
		{"a/b", 2, "a/b"},
		{"/sensors/temp/1", 3, "sensors/temp/1"},
	}
	for _, tc := range tests {
		m, err := NewRequest(codes.GET, tc.path)
		if err != nil {
			t.Errorf("NewRequest(%q): %v", tc.path, err)
			continue
		}
		if got := len(m.Options); got != tc.segs {
			t.Errorf("NewRequest(%q): got %d options, want %d", tc.path, got, tc.segs)
		}
		if got := strings.Trim(Path(m), "/"); got != tc.want {
			t.Errorf("Path(%q): got %q, want %q", tc.path, got, tc.want)
		}
		if _, err := Encode(m); err != nil {
			t.Errorf("Encode(%q): %v", tc.path, err)
		}
	}
}

func TestStaleTimer(t *testing.T) {
	var sent int
	x := newExchange(EngineConfig{
		ID:      TransactionID{Dir: Out, MID: 1},
		Send:    func([]byte) error { sent++; return nil },
		After:   func(time.Duration, any) {},
		Options: (*Options)(nil).withDefaults(),
	}).(*exchange)

	msg := &Message{Type: message.Confirmable, Code: codes.Empty, MessageID: 1}
	if st := x.Send(msg); st != Continue {
		t.Fatalf("Send: got %v, want Continue", st)
	}
	if st := x.Timeout(xtimer{kind: tRetransmit, seq: x.seq - 1}); st != Continue {
		t.Errorf("Stale timeout: got %v, want Continue", st)
	}
	if sent != 1 {
		t.Errorf("Sent %d datagrams, want 1", sent)
	}
	if st := x.Timeout(xtimer{kind: tRetransmit, seq: x.seq}); st != Continue {
		t.Errorf("Timeout: got %v, want Continue", st)
	}
	if sent != 2 {
		t.Errorf("Sent %d datagrams after retransmit, want 2", sent)
	}
}
