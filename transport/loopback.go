package transport

import (
	"bytes"
	"context"

	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/protocol"
)

// Handler answers protocol requests. *authority.Authority implements it.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

// Loopback delivers requests to an in-process Handler. Each request and
// response passes through the wire encoding so behavior matches HTTP.
type Loopback struct {
	handler Handler
}

// NewLoopback returns a transport that calls h directly.
func NewLoopback(h Handler) *Loopback {
	return &Loopback{handler: h}
}

func (l *Loopback) RoundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, err
	}

	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, req); err != nil {
		return protocol.Response{}, err
	}
	raw := buf.Bytes()
	decoded, err := protocol.DecodeRequest(&buf)
	util.WipeBytes(raw)
	if err != nil {
		return protocol.Response{}, err
	}

	resp := l.handler.Handle(ctx, decoded)

	buf.Reset()
	if err := protocol.EncodeResponse(&buf, resp); err != nil {
		return protocol.Response{}, err
	}
	return protocol.DecodeResponse(&buf)
}
