// Package client is the Go client for a kvs server.
//
// A Client owns one TCP connection and performs one request/response
// exchange per call. Calls on the same Client are serialized; open several
// clients for parallelism.
package client

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/kvs/internal/codec"
)

// DefaultTimeout bounds a single exchange when no other deadline applies.
const DefaultTimeout = 5 * time.Second

// ErrKeyNotFound marks the error returned by Remove for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// ServerError carries the message of an Err response.
type ServerError struct {
	Message string
}

// Error returns the message the server sent, prefixed with "server error".
func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Options tune a Client.
type Options struct {
	Timeout time.Duration
}

// Option modifies Options.
type Option func(*Options)

// WithTimeout sets the per-exchange deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// Client is safe for concurrent use.
type Client struct {
	opts Options

	mu   sync.Mutex
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := Options{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &Client{
		opts: o,
		conn: conn,
		enc:  codec.NewEncoder(conn),
		dec:  codec.NewDecoder(conn),
	}, nil
}

// Get returns the value of key and whether it exists.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.do(ctx, codec.GetRequest(key))
	if err != nil {
		return "", false, err
	}
	return resp.Value, resp.Found, nil
}

// Set stores value under key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, codec.SetRequest(key, value))
	return err
}

// Remove deletes key. A missing key yields an error matching
// ErrKeyNotFound.
func (c *Client) Remove(ctx context.Context, key string) error {
	_, err := c.do(ctx, codec.RemoveRequest(key))
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) do(ctx context.Context, req codec.Request) (codec.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	if conn == nil {
		return codec.Response{}, errors.New("client is closed")
	}

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return codec.Response{}, errors.Wrap(err, "set deadline")
	}

	// Cancelling ctx interrupts a blocked exchange by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.enc.EncodeRequest(req); err != nil {
		return codec.Response{}, c.fail(ctx, req, err)
	}
	resp, err := c.dec.DecodeResponse()
	if err != nil {
		if err == io.EOF {
			err = errors.Wrap(io.ErrUnexpectedEOF, "server closed the connection")
		}
		return codec.Response{}, c.fail(ctx, req, err)
	}

	if resp.Status == codec.StatusErr {
		var err error = &ServerError{Message: resp.Message}
		if resp.Message == codec.KeyNotFound {
			err = errors.Mark(err, ErrKeyNotFound)
		}
		return resp, err
	}
	return resp, nil
}

// fail drops the connection after a broken exchange, since the stream may
// hold half a message. Callers hold mu.
func (c *Client) fail(ctx context.Context, req codec.Request, err error) error {
	_ = c.conn.Close()
	c.conn = nil
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrapf(ctxErr, "%s %q", req.Op, req.Key)
	}
	return errors.Wrapf(err, "%s %q", req.Op, req.Key)
}
