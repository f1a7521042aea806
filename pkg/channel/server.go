package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennishilgert/stockade/pkg/logger"
)

var log = logger.NewLogger("stockade.channel")

var ErrServerClosed = errors.New("channel server closed")

type ServerOptions struct {
	// FrameTimeout bounds how long the remainder of a frame may take once
	// its first byte arrived.
	FrameTimeout time.Duration

	// IdleTimeout closes connections that send nothing for this long. Zero
	// keeps idle connections open.
	IdleTimeout time.Duration

	// HandlerTimeout bounds a single request handler.
	HandlerTimeout time.Duration
}

// DefaultServerOptions returns the options used when none are configured.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		FrameTimeout:   5 * time.Second,
		IdleTimeout:    0,
		HandlerTimeout: 5 * time.Minute,
	}
}

// Server accepts guest connections and serves each of them in its own
// goroutine. Within a connection at most one request is in flight: a request
// is answered before the next frame is read.
type Server struct {
	handler Handler
	opts    ServerOptions
	log     logger.Logger

	lock     sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	connSeq  atomic.Uint64
	served   atomic.Uint64
}

// NewServer creates a new Server.
func NewServer(handler Handler, opts ServerOptions, fields map[string]any) *Server {
	l := log
	if len(fields) > 0 {
		l = log.WithFields(fields)
	}
	return &Server{
		handler: handler,
		opts:    opts,
		log:     l,
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenUnix listens on a unix socket at path. A stale socket file left
// behind by a previous listener is replaced.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict socket %s: %w", path, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until the context is cancelled or Close is
// called. It always closes ln. Handlers run on a context that Close cancels.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.listener = ln
	s.lock.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	s.log.Debugf("serving guest channel on %s", ln.Addr())
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warnf("accept failed, retrying in %v: %v", backoff, err)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting, cancels running handlers, closes all live
// connections and waits for their goroutines to finish.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// Shutdown is Close with the wait for connection goroutines bounded by ctx.
// A handler that ignores its context is left behind once ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return s.wait(ctx)
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.lock.Unlock()

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return errors.Join(err, s.wait(ctx))
}

func (s *Server) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("guest connections still busy: %w", ctx.Err())
	}
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.conns)
}

// RequestsServed returns the number of requests answered so far.
func (s *Server) RequestsServed() uint64 {
	return s.served.Load()
}

func (s *Server) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.lock.Lock()
	delete(s.conns, conn)
	s.lock.Unlock()
	s.wg.Done()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	connLog := s.log.WithFields(map[string]any{"conn": s.connSeq.Add(1)})
	connLog.Debug("guest connected")
	ctx = logger.NewContext(ctx, connLog)

	for {
		body, err := s.readFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				connLog.Debug("guest closed the connection")
			case s.isClosed() || ctx.Err() != nil:
				connLog.Debug("connection closed on shutdown")
			default:
				connLog.Warnf("closing connection after read failure: %v", err)
			}
			return
		}
		msg, err := DecodeMessage(body)
		if err != nil {
			// the frame boundary is intact, so the stream can continue
			connLog.Warnf("dropping message: %v", err)
			continue
		}

		switch msg.Kind {
		case KindRequest:
			resp := s.dispatchRequest(ctx, connLog, msg)
			if err := s.writeMessage(conn, resp); err != nil {
				connLog.Warnf("closing connection after write failure: %v", err)
				return
			}
			s.served.Add(1)
		case KindNotification:
			s.dispatchNotification(ctx, connLog, msg)
		case KindResponse:
			connLog.Warnf("ignoring unexpected response %s from guest", msg.ID)
		}
	}
}

// readFrame waits up to IdleTimeout for the first byte of the next frame and
// up to FrameTimeout for the rest of it.
func (s *Server) readFrame(conn net.Conn) ([]byte, error) {
	var header [headerLength]byte

	if err := conn.SetReadDeadline(deadline(s.opts.IdleTimeout)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(conn, header[:1]); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(deadline(s.opts.FrameTimeout)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(conn, header[1:]); err != nil {
		return nil, fmt.Errorf("%w: partial header: %v", ErrTruncatedFrame, err)
	}
	return readBody(conn, binary.BigEndian.Uint32(header[:]))
}

func (s *Server) writeMessage(conn net.Conn, msg *Message) error {
	if err := conn.SetWriteDeadline(deadline(s.opts.FrameTimeout)); err != nil {
		return err
	}
	return WriteMessage(conn, msg)
}

func (s *Server) dispatchRequest(ctx context.Context, connLog logger.Logger, msg *Message) (resp *Message) {
	if s.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			connLog.Errorf("handler for %s panicked: %v", msg.Method, r)
			resp = NewErrorResponse(msg.ID, CodeInternal, "internal error")
		}
	}()

	result, err := s.handler.HandleRequest(ctx, msg.Method, msg.Params)
	if err != nil {
		var chErr *Error
		if errors.As(err, &chErr) {
			return NewErrorResponse(msg.ID, chErr.Code, chErr.Message)
		}
		connLog.Debugf("request %s (%s) failed: %v", msg.ID, msg.Method, err)
		return NewErrorResponse(msg.ID, CodeInternal, err.Error())
	}
	resp, err = NewResponse(msg.ID, result)
	if err != nil {
		connLog.Errorf("failed to encode result of %s: %v", msg.Method, err)
		return NewErrorResponse(msg.ID, CodeInternal, "failed to encode result")
	}
	return resp
}

func (s *Server) dispatchNotification(ctx context.Context, connLog logger.Logger, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			connLog.Errorf("notification handler for %s panicked: %v", msg.Method, r)
		}
	}()
	if err := s.handler.HandleNotification(ctx, msg.Method, msg.Params); err != nil {
		connLog.Warnf("notification %s failed: %v", msg.Method, err)
	}
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
