// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp/message"
)

// A Handler processes a request from the remote peer and returns the response
// to send. A handler can obtain the channel from its context argument using
// the ContextChannel helper.
//
// If a handler reports an error, the peer receives 5.00 Internal Server Error
// with the text of the error as its payload. If it returns a nil response and
// no error, the peer receives an empty 2.05 Content. The token, message ID and
// type of the response are set by the caller and need not be populated.
type Handler func(context.Context, *Message) (*Message, error)

// Responders is the default ResponderPool. It runs a Handler in a new
// goroutine for each inbound request, and sends its result as the response.
type Responders struct {
	handler Handler
}

// NewResponders constructs a ResponderPool that serves requests with h.
// If h == nil, every request is answered with 4.04 Not Found.
func NewResponders(h Handler) *Responders { return &Responders{handler: h} }

// Spawn implements the ResponderPool interface.
func (r *Responders) Spawn(ch *Channel, req *Message) {
	ch.ResponderStarted()
	ch.tasks.Go(func() error {
		defer ch.ResponderDone()

		rsp := r.run(ch.ctx, req)
		rsp.Token = req.Token
		rsp.MessageID = req.MessageID
		if req.Type == message.Confirmable {
			rsp.Type = message.Acknowledgement
		} else {
			rsp.Type = message.NonConfirmable
		}
		ch.SendResponse(rsp, nil)
		return nil
	})
}

func (r *Responders) run(ctx context.Context, req *Message) *Message {
	if r.handler == nil {
		return &Message{Code: codes.NotFound}
	}
	rsp, err := func() (_ *Message, err error) {
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return r.handler(ctx, req)
	}()
	if err != nil {
		return &Message{Code: codes.InternalServerError, Payload: []byte(err.Error())}
	} else if rsp == nil {
		return &Message{Code: codes.Content}
	}
	return rsp
}
