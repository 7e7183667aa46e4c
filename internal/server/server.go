// Package server exposes a storage.Engine over TCP.
//
// Every accepted connection becomes one job on a pool.Executor. The job
// reads a request, dispatches it to the engine, writes the response and
// repeats until the client hangs up, sends something unparseable, or the
// server shuts down. Requests on one connection are therefore handled in
// order. How many connections are served at once is up to the executor:
// the default shared-queue pool serves at most Config.Workers.
//
// Wire format:
//
//	client                                server
//	  │  {"op":"set","key":..,"value":..}   │
//	  │ ──────────────────────────────────▶ │  engine.Set
//	  │  {"status":"ok"}                    │
//	  │ ◀────────────────────────────────── │
//	  │  {"op":"get","key":..}              │
//	  │ ──────────────────────────────────▶ │  engine.Get
//	  │  {"status":"ok","found":true,..}    │
//	  │ ◀────────────────────────────────── │
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kvs/internal/codec"
	"github.com/dreamware/kvs/internal/pool"
	"github.com/dreamware/kvs/internal/storage"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Config controls the dispatcher.
type Config struct {
	// Executor runs the connection jobs. The server shuts it down in
	// Shutdown. When nil, a shared-queue pool is built from Workers and
	// QueueSize.
	Executor pool.Executor

	// Workers is the number of connections served concurrently by the
	// default pool. Zero or less means one per CPU.
	Workers int

	// QueueSize is the number of accepted connections that may wait for a
	// worker of the default pool. Zero means the same as Workers.
	QueueSize int

	Logger logrus.FieldLogger
}

// Server dispatches wire requests to an engine.
type Server struct {
	engine storage.Engine
	exec   pool.Executor
	log    logrus.FieldLogger

	shuttingDown atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New creates a server for engine. The default pool starts immediately.
func New(engine storage.Engine, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	exec := cfg.Executor
	if exec == nil {
		opts := []pool.Option{pool.WithLogger(log)}
		if cfg.QueueSize > 0 {
			opts = append(opts, pool.WithQueueSize(cfg.QueueSize))
		}
		exec = pool.New(cfg.Workers, opts...)
	}
	return &Server{
		engine: engine,
		exec:   exec,
		log:    log,
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the TCP address addr and serves it.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called or ln fails.
// It always returns a non-nil error; after Shutdown that is ErrServerClosed.
//
// Behavior:
//   - each connection is submitted to the executor
//   - a blocking Submit (full pool queue, bounded executor at its limit)
//     stops accepting until a connection finishes
//   - temporary accept errors are retried with backoff
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("accepting connections")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.WithError(err).WithField("retry_in", backoff).Warn("accept failed")
				time.Sleep(backoff)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		if err := s.exec.Submit(func() { s.serveConn(conn) }); err != nil {
			s.untrack(conn)
			_ = conn.Close()
			return ErrServerClosed
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// Addr returns the address the server is listening on, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Workers returns the goroutines currently owned by the executor.
func (s *Server) Workers() int {
	return s.exec.Workers()
}

// Shutdown stops the server gracefully.
//
// Behavior:
//   - the listener is closed, so Serve returns ErrServerClosed
//   - open connections get an expired read deadline: a request already
//     being handled completes and its response is written, then the
//     connection ends
//   - connections still queued are closed without being served
//   - Shutdown waits for the pool to drain; if ctx ends first, every
//     connection is closed forcibly and ctx.Err() is returned
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	now := time.Now()
	for c := range s.conns {
		_ = c.SetReadDeadline(now)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.exec.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("server stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		<-done
		s.log.WithError(ctx.Err()).Warn("server stopped forcibly")
		return ctx.Err()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// serveConn runs on a pool worker. A panic in the engine unwinds through
// the deferred close, so the client sees the connection drop.
func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()
	if s.shuttingDown.Load() {
		return
	}

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("connection accepted")

	dec := codec.NewDecoder(conn)
	enc := codec.NewEncoder(conn)
	for {
		req, err := dec.DecodeRequest()
		if err != nil {
			s.logReadError(log, err, enc)
			return
		}

		resp := s.Dispatch(req)
		if err := enc.EncodeResponse(resp); err != nil {
			log.WithError(err).Warn("could not write response")
			return
		}
	}
}

func (s *Server) logReadError(log logrus.FieldLogger, err error, enc *codec.Encoder) {
	var ne net.Error
	switch {
	case err == io.EOF:
		log.Debug("connection closed by client")
	case errors.As(err, &ne) && ne.Timeout() && s.shuttingDown.Load():
		log.Debug("connection closed for shutdown")
	case errors.Is(err, codec.ErrProtocol):
		log.WithError(err).Warn("malformed request, closing connection")
		_ = enc.EncodeResponse(codec.Err("malformed request"))
	default:
		log.WithError(err).Warn("could not read request")
	}
}

// Dispatch runs one request against the engine.
//
// Mapping:
//   - get of an absent key      -> OK with Found false
//   - remove of an absent key   -> Err("Key not found")
//   - any other engine error    -> Err(error text)
func (s *Server) Dispatch(req codec.Request) codec.Response {
	switch req.Op {
	case codec.OpGet:
		value, found, err := s.engine.Get(req.Key)
		if err != nil {
			return s.engineError(req, err)
		}
		return codec.OK(value, found)

	case codec.OpSet:
		if err := s.engine.Set(req.Key, req.Value); err != nil {
			return s.engineError(req, err)
		}
		return codec.OK("", false)

	case codec.OpRemove:
		err := s.engine.Remove(req.Key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			s.log.WithField("key", req.Key).Debug("remove of missing key")
			return codec.Err(codec.KeyNotFound)
		}
		if err != nil {
			return s.engineError(req, err)
		}
		return codec.OK("", false)

	default:
		return codec.Err("unknown operation " + string(req.Op))
	}
}

func (s *Server) engineError(req codec.Request, err error) codec.Response {
	s.log.WithError(err).WithFields(logrus.Fields{
		"op":  string(req.Op),
		"key": req.Key,
	}).Error("engine operation failed")
	return codec.Err(err.Error())
}
