package storage

import (
	"context"
	"fmt"

	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/text"
)

// Client issues typed storage requests over a Caller. Engine failures are
// returned as hashlog.ErrorCode errors; channel failures as ipc errors.
type Client struct {
	caller *Caller
}

// NewClient creates a client on caller
func NewClient(caller *Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	reply, err := c.caller.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, reply.Err
	}
	return reply.Response, nil
}

func unexpected(req Request, resp Response) error {
	return fmt.Errorf("unexpected response %T to %T", resp, req)
}

// AppendKey stores value under key
func (c *Client) AppendKey(ctx context.Context, key text.Key, value text.Value) (hashlog.SuccessCode, error) {
	req := AppendKey{Key: key, Value: value}
	resp, err := c.call(ctx, req)
	if err != nil {
		return 0, err
	}
	r, ok := resp.(KeyAppended)
	if !ok {
		return 0, unexpected(req, resp)
	}
	return r.Code, nil
}

// Get reads the value stored under key
func (c *Client) Get(ctx context.Context, key text.Key) (text.Value, error) {
	req := Get{Key: key}
	resp, err := c.call(ctx, req)
	if err != nil {
		return text.Value{}, err
	}
	r, ok := resp.(Value)
	if !ok {
		return text.Value{}, unexpected(req, resp)
	}
	return r.Value, nil
}

// InvalidateKey soft-deletes key
func (c *Client) InvalidateKey(ctx context.Context, key text.Key) (hashlog.SuccessCode, error) {
	req := InvalidateKey{Key: key}
	resp, err := c.call(ctx, req)
	if err != nil {
		return 0, err
	}
	r, ok := resp.(KeyInvalidated)
	if !ok {
		return 0, unexpected(req, resp)
	}
	return r.Code, nil
}

// GarbageCollect compacts the log and returns the bytes reclaimed
func (c *Client) GarbageCollect(ctx context.Context) (uint64, error) {
	req := GarbageCollect{}
	resp, err := c.call(ctx, req)
	if err != nil {
		return 0, err
	}
	r, ok := resp.(GarbageCollected)
	if !ok {
		return 0, unexpected(req, resp)
	}
	return r.Reclaimed, nil
}
