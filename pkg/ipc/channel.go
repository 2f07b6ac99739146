// Package ipc provides a synchronous call/reply channel between two
// goroutines standing in for isolated processes.
//
// A Caller blocks until the Responder has handled its request and replied.
// The Responder handles one request at a time, so at most one request is in
// flight on a channel and replies arrive in request order.
package ipc

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned once a channel has been closed
var ErrClosed = errors.New("ipc channel closed")

// Handler computes the reply to one request. ctx is the caller's context;
// it carries request-scoped values and is not used to cancel the handler.
type Handler[Req, Resp any] func(ctx context.Context, req Req) Resp

type envelope[Req, Resp any] struct {
	ctx   context.Context
	req   Req
	reply chan Resp
}

type channel[Req, Resp any] struct {
	calls     chan envelope[Req, Resp]
	done      chan struct{}
	closeOnce sync.Once
}

// Caller is the client end of a channel
type Caller[Req, Resp any] struct {
	ch *channel[Req, Resp]
}

// Responder is the server end of a channel
type Responder[Req, Resp any] struct {
	ch *channel[Req, Resp]
}

// NewChannel creates a connected Caller and Responder
func NewChannel[Req, Resp any]() (*Caller[Req, Resp], *Responder[Req, Resp]) {
	ch := &channel[Req, Resp]{
		calls: make(chan envelope[Req, Resp]),
		done:  make(chan struct{}),
	}
	return &Caller[Req, Resp]{ch: ch}, &Responder[Req, Resp]{ch: ch}
}

// Call sends req and blocks until the reply arrives. The context only bounds
// the wait for the responder to accept the request: once accepted, the call
// waits for the reply however long the handler takes.
func (c *Caller[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	env := envelope[Req, Resp]{
		ctx:   ctx,
		req:   req,
		reply: make(chan Resp, 1),
	}

	select {
	case c.ch.calls <- env:
	case <-c.ch.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	// An accepted request is always answered; the responder only checks
	// for shutdown between requests.
	return <-env.reply, nil
}

// Close shuts the channel down. Pending and future calls fail with
// ErrClosed; a request already accepted is still answered.
func (c *Caller[Req, Resp]) Close() {
	c.ch.close()
}

// ReplyRecv serves requests with handler until ctx is done or the channel
// is closed. Every received request gets exactly one reply.
func (r *Responder[Req, Resp]) ReplyRecv(ctx context.Context, handler Handler[Req, Resp]) error {
	for {
		select {
		case env := <-r.ch.calls:
			env.reply <- handler(env.ctx, env.req)
		case <-r.ch.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close shuts the channel down, see Caller.Close
func (r *Responder[Req, Resp]) Close() {
	r.ch.close()
}

func (ch *channel[Req, Resp]) close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
	})
}
