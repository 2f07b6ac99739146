// Package client is the Go client of a flashstore server.
//
// Engine failures such as KeyNotFound come back as hashlog.ErrorCode errors
// and are never retried. Calls that fail because the server or its storage
// loop is unavailable are retried with backoff behind a circuit breaker.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpctransport "github.com/KevoDB/flashstore/pkg/grpc/transport"
	"github.com/KevoDB/flashstore/pkg/grpc/service"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/transport"
)

// ErrInvalidOptions indicates invalid client options
var ErrInvalidOptions = errors.New("invalid client options")

// ClientOptions configures a flashstore client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	RequestTimeout time.Duration // Default timeout for requests, retries included

	// Security options
	TLSEnabled bool   // Enable TLS
	CertFile   string // Client certificate file
	KeyFile    string // Client key file
	CAFile     string // CA certificate file

	// Retry options
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff
	BackoffFactor  float64       // Backoff multiplier
	RetryJitter    float64       // Random jitter factor

	// Circuit breaker options
	CircuitThreshold    int           // Consecutive unavailable calls before the circuit opens
	CircuitResetTimeout time.Duration // Time the circuit stays open

	// DialOptions are appended to the connection defaults
	DialOptions []grpc.DialOption
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:            "localhost:50051",
		RequestTimeout:      time.Second * 10,
		TLSEnabled:          false,
		MaxRetries:          3,
		InitialBackoff:      time.Millisecond * 100,
		MaxBackoff:          time.Second * 2,
		BackoffFactor:       1.5,
		RetryJitter:         0.2,
		CircuitThreshold:    5,
		CircuitResetTimeout: time.Second * 5,
	}
}

func (o ClientOptions) validate() error {
	if o.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidOptions)
	}
	if o.CircuitThreshold <= 0 {
		return fmt.Errorf("%w: circuit threshold must be positive", ErrInvalidOptions)
	}
	return nil
}

// Client represents a connection to a flashstore server. It is safe for
// concurrent use.
type Client struct {
	options ClientOptions
	conn    *grpc.ClientConn
	rpc     *service.StorageClient
	retry   transport.RetryPolicy
	breaker *transport.CircuitBreaker
}

// NewClient creates a new client with the given options. The connection is
// made by the first request.
func NewClient(options ClientOptions) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}

	conn, err := grpctransport.Dial(options.Endpoint, grpctransport.DialOptions{
		TLSEnabled: options.TLSEnabled,
		TLS: grpctransport.TLSConfig{
			CertFile: options.CertFile,
			KeyFile:  options.KeyFile,
			CAFile:   options.CAFile,
		},
		Extra: options.DialOptions,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		options: options,
		conn:    conn,
		rpc:     service.NewStorageClient(conn),
		retry: transport.RetryPolicy{
			MaxRetries:     options.MaxRetries,
			InitialBackoff: options.InitialBackoff,
			MaxBackoff:     options.MaxBackoff,
			BackoffFactor:  options.BackoffFactor,
			Jitter:         options.RetryJitter,
			Retryable:      IsUnavailable,
		},
		breaker: transport.NewCircuitBreaker(options.CircuitThreshold, options.CircuitResetTimeout).
			CountOnly(IsUnavailable),
	}, nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsUnavailable reports whether err means the server or its storage loop
// could not be reached
func IsUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// do runs fn under the request timeout, the circuit breaker and the retry
// policy
func (c *Client) do(ctx context.Context, fn transport.RetryableFunc) error {
	if c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}
	return transport.WithRetry(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, fn)
	})
}

// engineError returns code as an error, or nil for the zero code
func engineError(code hashlog.ErrorCode) error {
	if code == 0 {
		return nil
	}
	return code
}

// AppendKey stores value under key. An existing key is never overwritten.
func (c *Client) AppendKey(ctx context.Context, key, value string) (hashlog.SuccessCode, error) {
	var resp *service.AppendKeyResponse
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.rpc.AppendKey(ctx, &service.AppendKeyRequest{Key: key, Value: value})
		return err
	})
	if err != nil {
		return 0, err
	}
	return resp.Code, engineError(resp.Error)
}

// Get retrieves the value stored under key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var resp *service.GetResponse
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.rpc.Get(ctx, &service.GetRequest{Key: key})
		return err
	})
	if err != nil {
		return "", err
	}
	if err := engineError(resp.Error); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// InvalidateKey deletes key. Its space is reclaimed by GarbageCollect.
func (c *Client) InvalidateKey(ctx context.Context, key string) (hashlog.SuccessCode, error) {
	var resp *service.InvalidateKeyResponse
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.rpc.InvalidateKey(ctx, &service.InvalidateKeyRequest{Key: key})
		return err
	})
	if err != nil {
		return 0, err
	}
	return resp.Code, engineError(resp.Error)
}

// GarbageCollect compacts the log and returns the bytes reclaimed
func (c *Client) GarbageCollect(ctx context.Context) (uint64, error) {
	var resp *service.GarbageCollectResponse
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.rpc.GarbageCollect(ctx, &service.GarbageCollectRequest{})
		return err
	})
	if err != nil {
		return 0, err
	}
	return resp.Reclaimed, engineError(resp.Error)
}

// Stats returns the server statistics
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var resp *service.StatsResponse
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.rpc.Stats(ctx, &service.StatsRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// AppendWithCollect is AppendKey that runs one garbage collection and
// tries again when every region is full
func (c *Client) AppendWithCollect(ctx context.Context, key, value string) (hashlog.SuccessCode, error) {
	code, err := c.AppendKey(ctx, key, value)
	if !errors.Is(err, hashlog.ErrRegionFull) {
		return code, err
	}

	if _, err := c.GarbageCollect(ctx); err != nil {
		return 0, fmt.Errorf("garbage collection after %v: %w", hashlog.ErrRegionFull, err)
	}
	return c.AppendKey(ctx, key, value)
}
