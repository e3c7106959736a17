package server

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edoras/edoras/pkg/protocol"
)

// SessionOptions tunes the I/O behaviour of a session
type SessionOptions struct {
	Decoder      protocol.Decoder
	ReadTimeout  time.Duration // time allowed to finish a message once its header is visible (0 = none)
	WriteTimeout time.Duration // time allowed for one Send (0 = none)
}

// Session represents one accepted connection. It is the only thing allowed to
// touch the connection's bytes.
//
// Probe and Receive belong to the session's read loop and must not be called
// from more than one goroutine. Send may be called from any goroutine.
type Session struct {
	id        uuid.UUID
	conn      net.Conn
	reader    *bufio.Reader
	opts      SessionOptions
	createdAt time.Time

	writeMu sync.Mutex // serializes Send

	mu     sync.RWMutex // protects user, bound and closed
	user   string
	bound  bool
	closed bool

	lastActivity atomic.Int64 // unix millis of the last inbound message

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewSession wraps conn in a new open, unauthenticated session
func NewSession(conn net.Conn, opts SessionOptions) *Session {
	now := time.Now()
	s := &Session{
		id:        uuid.New(),
		conn:      conn,
		reader:    bufio.NewReader(conn),
		opts:      opts,
		createdAt: now,
	}
	s.lastActivity.Store(now.UnixMilli())
	return s
}

// ID returns the session identifier
func (s *Session) ID() uuid.UUID {
	return s.id
}

// RemoteAddr returns the peer address
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// CreatedAt returns when the session was accepted
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActivity returns when the last message was received
func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

// User returns the bound username, if any
func (s *Session) User() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.bound
}

// BindUser binds the session to username. Only the first call succeeds;
// later calls leave the binding untouched and return false.
func (s *Session) BindUser(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return false
	}
	s.user = username
	s.bound = true
	return true
}

// Closed reports whether the session has been closed
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close marks the session closed. It performs no I/O and reports whether this
// call made the transition.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Shutdown closes the underlying transport. Only the first call has an effect.
func (s *Session) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.conn.Close()
	})
	return s.shutdownErr
}

// Send encodes msg onto the connection
func (s *Session) Send(msg *protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return &protocol.WriteError{Err: err}
		}
	}
	return protocol.Encode(s.conn, msg)
}

// Probe waits up to wait for the next message header without consuming it
func (s *Session) Probe(wait time.Duration) (protocol.Readiness, error) {
	if s.reader.Buffered() < protocol.HeaderSize {
		if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return protocol.ReadinessTransportError, err
		}
	}
	return protocol.PeekHeader(s.reader)
}

// Receive blocks until one full message is decoded or decoding fails
func (s *Session) Receive() (*protocol.Message, error) {
	var deadline time.Time
	if s.opts.ReadTimeout > 0 {
		deadline = time.Now().Add(s.opts.ReadTimeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, &protocol.ReadError{Stage: "deadline", Err: err}
	}

	msg, err := s.opts.Decoder.Decode(s.reader)
	if err != nil {
		return nil, err
	}
	s.lastActivity.Store(time.Now().UnixMilli())
	return msg, nil
}

// HealthCheck pings the peer. It returns false when the ping cannot be sent
// or when nothing has been received for longer than idle (0 disables that).
func (s *Session) HealthCheck(idle time.Duration) bool {
	if idle > 0 && time.Since(s.LastActivity()) > idle {
		return false
	}
	return s.Send(protocol.PingMessage) == nil
}
