// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package coap

import (
	"context"
	"strings"
	"sync"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// A Mux routes requests to handlers by their Uri-Path. A zero Mux is ready for
// use and answers every request with 4.04 Not Found.
type Mux struct {
	μ sync.RWMutex
	m map[string]Handler
}

// Handle registers h for requests whose Uri-Path is path, replacing any
// previous handler for that path. Leading and trailing slashes are ignored.
// The empty path registers a wildcard handler, used when no other handler
// matches. If h == nil, the handler for path is removed.
func (m *Mux) Handle(path string, h Handler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	key := strings.Trim(path, "/")
	if h == nil {
		delete(m.m, key)
		return m
	}
	if m.m == nil {
		m.m = make(map[string]Handler)
	}
	m.m[key] = h
	return m
}

// Serve implements a Handler that dispatches req to the handler for its path.
func (m *Mux) Serve(ctx context.Context, req *Message) (*Message, error) {
	m.μ.RLock()
	h, ok := m.m[strings.Trim(Path(req), "/")]
	if !ok {
		h, ok = m.m[""]
	}
	m.μ.RUnlock()
	if !ok {
		return &Message{Code: codes.NotFound}, nil
	}
	return h(ctx, req)
}
