// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the coap.Handler type for functions
// with other signatures.
//
// Parameters are decoded from the request payload, and may be []byte or
// string, or a type whose pointer supports one of the
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results are encoded as the payload of a 2.05 Content response, and may be
// []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
//
// A function may report an [Error] to choose the response code; any other
// error is reported to the peer as 5.00 Internal Server Error.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"fmt"

	"github.com/creachadair/coap"
	pmsg "github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *coap.Message {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*coap.Message)
	}
	return nil
}

// Error is an error that carries the response code to report to the peer.
type Error struct {
	Code    codes.Code
	Message string
}

func (e Error) Error() string { return fmt.Sprintf("%v: %s", e.Code, e.Message) }

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a coap.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) coap.Handler {
	return func(ctx context.Context, req *coap.Message) (*coap.Message, error) {
		var p P
		if err := unmarshal(req.Payload, &p); err != nil {
			return badRequest(err), nil
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return errorResponse(err)
		}
		return content(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a coap.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) coap.Handler {
	return func(ctx context.Context, req *coap.Message) (*coap.Message, error) {
		var p P
		if err := unmarshal(req.Payload, &p); err != nil {
			return badRequest(err), nil
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return content(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a coap.Handler. On success the response is 2.04
// Changed with no payload.
func ParamError[P any](f func(context.Context, P) error) coap.Handler {
	return func(ctx context.Context, req *coap.Message) (*coap.Message, error) {
		var p P
		if err := unmarshal(req.Payload, &p); err != nil {
			return badRequest(err), nil
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		if err := f(hctx, p); err != nil {
			return errorResponse(err)
		}
		return &coap.Message{Code: codes.Changed}, nil
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a coap.Handler.
func ResultError[R any](f func(context.Context) (R, error)) coap.Handler {
	return func(ctx context.Context, req *coap.Message) (*coap.Message, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return errorResponse(err)
		}
		return content(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a coap.Handler.
func ResultOnly[R any](f func(context.Context) R) coap.Handler {
	return func(ctx context.Context, req *coap.Message) (*coap.Message, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return content(f(hctx))
	}
}

func badRequest(err error) *coap.Message {
	return &coap.Message{Code: codes.BadRequest, Payload: []byte(err.Error())}
}

func errorResponse(err error) (*coap.Message, error) {
	var e Error
	if errors.As(err, &e) {
		return &coap.Message{Code: e.Code, Payload: []byte(e.Message)}, nil
	}
	return nil, err
}

// content encodes v as the payload of a 2.05 Content response, labelled with
// the content format matching its encoding.
func content(v any) (*coap.Message, error) {
	data, isText, err := marshal(v)
	if err != nil {
		return nil, err
	}
	mt := pmsg.AppOctets
	if isText {
		mt = pmsg.TextPlain
	}
	buf := make([]byte, 4)
	opts, _, err := pmsg.Options(nil).SetContentFormat(buf, mt)
	if err != nil {
		return nil, fmt.Errorf("setting content format: %w", err)
	}
	return &coap.Message{Code: codes.Content, Options: opts, Payload: data}, nil
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data, and reports whether the encoding is text. The
// concrete type of v must be a []byte or string (or a pointer to these);
// otherwise it must implement either the encoding.BinaryMarshaler interface or
// the encoding.TextMarshaler interface. If v implements both, BinaryMarshaler
// is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) (_ []byte, isText bool, _ error) {
	switch t := v.(type) {
	case []byte:
		return t, false, nil
	case *[]byte:
		if t == nil {
			return nil, false, nil
		}
		return *t, false, nil
	case string:
		return []byte(t), true, nil
	case *string:
		if t == nil {
			return nil, true, nil
		}
		return []byte(*t), true, nil
	case encoding.BinaryMarshaler:
		data, err := t.MarshalBinary()
		return data, false, err
	case encoding.TextMarshaler:
		data, err := t.MarshalText()
		return data, true, err
	default:
		return nil, false, fmt.Errorf("cannot marshal %T", v)
	}
}
