// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"fmt"

	pmsg "github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp/message"
)

// Message is the decoded form of a CoAP datagram.
type Message = message.Message

// Encode encodes m in binary format.
func Encode(m *Message) ([]byte, error) {
	size, err := m.Size()
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	buf := make([]byte, size)
	n, err := m.MarshalTo(buf)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return buf[:n], nil
}

// Decode decodes a complete datagram into a message.
func Decode(data []byte) (*Message, error) {
	m := &Message{Options: make(pmsg.Options, 0, 16)}
	if _, err := m.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

// IsResponse reports whether m should be issued as a response: that is, it is
// an ACK or RST, or its code is outside the request class.
func IsResponse(m *Message) bool {
	if m.Type == message.Acknowledgement || m.Type == message.Reset {
		return true
	}
	return !isRequestCode(m.Code)
}

func isRequestCode(c codes.Code) bool { return c>>5 == 0 }

// NewRequest constructs a confirmable request with the given method and
// Uri-Path. The token and message ID are assigned when the request is sent.
func NewRequest(code codes.Code, path string) (*Message, error) {
	m := &Message{Type: message.Confirmable, Code: code}
	if path == "" {
		return m, nil
	}
	size, err := pmsg.GetPathBufferSize(path)
	if err != nil {
		return nil, fmt.Errorf("setting path: %w", err)
	}
	opts, _, err := m.Options.SetPath(make([]byte, size), path)
	if err != nil {
		return nil, fmt.Errorf("setting path: %w", err)
	}
	m.Options = opts
	return m, nil
}

// Path returns the Uri-Path of m, or "" if it has none.
func Path(m *Message) string {
	p, err := m.Options.Path()
	if err != nil {
		return ""
	}
	return p
}

func emptyMessage(typ message.Type, mid uint16) *Message {
	return &Message{Type: typ, Code: codes.Empty, MessageID: mid}
}
