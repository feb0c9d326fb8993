// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"errors"
	"fmt"

	"github.com/creachadair/mds/value"
)

// Version is the only protocol version accepted by Parse.
const Version = 1

// MaxTokenLen is the largest token length permitted by the protocol.
// Lengths 9–15 are reserved and treated as a format error.
const MaxTokenLen = 8

// ErrVersion is reported by Parse for a datagram with an unsupported version.
var ErrVersion = errors.New("unsupported protocol version")

// Type is the 2-bit message type carried in the header.
type Type byte

const (
	CON Type = 0 // Confirmable
	NON Type = 1 // Non-confirmable
	ACK Type = 2 // Acknowledgement
	RST Type = 3 // Reset
)

func (t Type) String() string {
	switch t {
	case CON:
		return "CON"
	case NON:
		return "NON"
	case ACK:
		return "ACK"
	case RST:
		return "RST"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// Header is the routing-relevant prefix of a CoAP datagram.
type Header struct {
	Version   byte
	Type      Type
	Code      byte
	MessageID uint16
	Token     []byte
}

// IsRequestClass reports whether the code of h is in class 0, which holds the
// empty message (0.00) and the request methods (0.01–0.31).
func (h Header) IsRequestClass() bool { return h.Code>>5 == 0 }

// IsEmpty reports whether h carries the empty code 0.00.
func (h Header) IsEmpty() bool { return h.Code == 0 }

// Append appends the binary encoding of h to buf and returns the updated slice.
// It panics if the token is longer than MaxTokenLen.
func (h Header) Append(buf []byte) []byte {
	if len(h.Token) > MaxTokenLen {
		panic("token too long")
	}
	ver := value.Cond(h.Version == 0, Version, h.Version)
	buf = append(buf, ver<<6|byte(h.Type&3)<<4|byte(len(h.Token)), h.Code,
		byte(h.MessageID>>8), byte(h.MessageID))
	return append(buf, h.Token...)
}

// String returns a human-friendly rendering of the header.
func (h Header) String() string {
	return fmt.Sprintf("Header(%v, %d.%02d, MID=%d, Token=%x)", h.Type, h.Code>>5, h.Code&31, h.MessageID, h.Token)
}

// Parse decodes the fixed header and token at the front of data. The rest of
// the datagram is not examined. The token in the result aliases data.
func Parse(data []byte) (Header, error) {
	s := NewScanner(data)
	b0, err := s.Byte()
	if err != nil {
		return Header{}, fmt.Errorf("short header: %w", err)
	}
	h := Header{Version: b0 >> 6, Type: Type(b0 >> 4 & 3)}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	tkl := int(b0 & 0x0f)
	if tkl > MaxTokenLen {
		return Header{}, fmt.Errorf("invalid token length %d", tkl)
	}
	if h.Code, err = s.Byte(); err != nil {
		return Header{}, fmt.Errorf("short header: %w", err)
	}
	if h.MessageID, err = s.Uint16(); err != nil {
		return Header{}, fmt.Errorf("short header: %w", err)
	}
	if tkl > 0 {
		if h.Token, err = s.Get(tkl); err != nil {
			return Header{}, fmt.Errorf("short token: %w", err)
		}
	}
	return h, nil
}
