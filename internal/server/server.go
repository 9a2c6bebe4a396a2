// Package server owns the listening socket: accept loop, per-connection
// read-handle-write cycle, connection deadlines.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gavinshark/gateway/internal/httpmsg"
)

// Handler produces the response for one parsed request. It must not return
// nil.
type Handler func(req *httpmsg.Request) *httpmsg.Response

// Server accepts connections and serves one request per connection.
type Server struct {
	addr          string
	handler       Handler
	clientTimeout time.Duration
	logger        *slog.Logger

	// acceptErrLog throttles accept-error logging; a broken listener must
	// not flood the sink while the loop keeps retrying.
	acceptErrLog *rate.Limiter

	mu       sync.Mutex
	ln       net.Listener
	running  bool
	loopDone chan struct{}
	handlers sync.WaitGroup
}

type Option func(*Server)

// WithClientTimeout bounds the whole client exchange (read + write). Zero
// disables the deadline.
func WithClientTimeout(d time.Duration) Option {
	return func(s *Server) { s.clientTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a server for the given port. Port 0 binds an ephemeral port;
// Addr reports the bound address after Start.
func New(port int, handler Handler, opts ...Option) *Server {
	s := &Server{
		addr:         fmt.Sprintf(":%d", port),
		handler:      handler,
		logger:       slog.Default(),
		acceptErrLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds the listener and launches the accept loop. Idempotent while
// running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.running = true
	s.loopDone = make(chan struct{})
	go s.acceptLoop(ln, s.loopDone)
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and waits for the accept loop to exit, then
// gives in-flight handlers up to grace to finish. Idempotent.
func (s *Server) Stop(grace time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.ln
	done := s.loopDone
	s.mu.Unlock()

	_ = ln.Close()
	<-done

	finished := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
		s.logger.Warn("shutdown grace elapsed with handlers in flight")
	}
	s.logger.Info("http server stopped")
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.acceptErrLog.Allow() {
				s.logger.Error("accept failed", "error", err)
			}
			continue
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads a single request, invokes the handler and writes the
// response. The connection is closed on return regardless of outcome.
func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	if s.clientTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.clientTimeout))
	}

	br := bufio.NewReader(conn)
	req, err := httpmsg.ReadRequest(br)
	if err != nil {
		if err == io.EOF {
			return
		}
		s.logger.Error("read request", "remote", conn.RemoteAddr().String(), "error", err)
		s.writeResponse(conn, httpmsg.NewError(500))
		return
	}

	resp := s.serve(req)
	s.writeResponse(conn, resp)
}

// serve invokes the handler with panic containment: a panicking handler
// yields a 500, not a dead connection and a crashed process.
func (s *Server) serve(req *httpmsg.Request) (resp *httpmsg.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", req.Method, "path", req.Path, "panic", r)
			resp = httpmsg.NewError(500)
		}
	}()
	resp = s.handler(req)
	if resp == nil {
		resp = httpmsg.NewError(500)
	}
	return resp
}

func (s *Server) writeResponse(conn net.Conn, resp *httpmsg.Response) {
	ensureFraming(resp)
	bw := bufio.NewWriter(conn)
	if err := resp.WriteTo(bw); err == nil {
		if err := bw.Flush(); err != nil {
			s.logger.Debug("write response", "error", err)
		}
	} else {
		s.logger.Debug("write response", "error", err)
	}
}

// ensureFraming guarantees the client can delimit the body. Bodies parsed
// from chunked or read-until-close upstreams are held decoded, so the
// response is re-framed with an explicit length, and the connection is
// announced as closing.
func ensureFraming(resp *httpmsg.Response) {
	if resp.Header.Has("Transfer-Encoding") {
		resp.Header.Del("Transfer-Encoding")
		resp.Header.Del("Content-Length")
	}
	if !resp.Header.Has("Content-Length") {
		resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	if !resp.Header.Has("Connection") {
		resp.Header.Set("Connection", "close")
	}
}
