// Package client is a small client for the edoras session protocol. It is
// used by the command line client, the load tester and the server's
// integration tests.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edoras/edoras/pkg/protocol"
	"github.com/edoras/edoras/pkg/wsbridge"
)

const (
	// DefaultTimeout bounds dialing and each request/reply exchange
	DefaultTimeout = 10 * time.Second

	defaultPort = "42428"
)

var (
	ErrClosed  = errors.New("connection closed")
	ErrTimeout = errors.New("timed out waiting for server")
)

// ServerError is an Error reply sent by the server
type ServerError struct {
	Code   protocol.ErrorCode
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", uint16(e.Code), e.Code, e.Reason)
}

// Ack is the server's acknowledgement of a Register or Login
type Ack struct {
	Username  string
	SessionID string
}

// Option configures a Connection
type Option func(*Connection)

// WithTimeout sets the dial and reply timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Connection) { c.timeout = d }
}

// WithLogger attaches a logger; the default discards everything
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithAutoPong controls whether server Pings are answered automatically.
// Disabling it lets tests simulate an unresponsive peer.
func WithAutoPong(enabled bool) Option {
	return func(c *Connection) { c.autoPong = enabled }
}

// Connection is one client session with the server. Requests are answered
// in order, so Register, Login and Ping must not be issued concurrently on
// the same Connection; they serialize on an internal lock.
type Connection struct {
	addr     string
	conn     net.Conn
	reader   *bufio.Reader
	decoder  protocol.Decoder
	timeout  time.Duration
	autoPong bool
	logger   zerolog.Logger

	writeMu sync.Mutex
	reqMu   sync.Mutex

	incoming chan *protocol.Message
	shutdown chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	wg        sync.WaitGroup

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	pingsAnswered atomic.Uint64
}

// Dial connects to addr. A bare host:port (or tcp://host:port) uses TCP;
// ws:// and wss:// URLs go through the server's WebSocket endpoint.
func Dial(addr string, opts ...Option) (*Connection, error) {
	c := newConnection(addr, opts...)

	conn, err := dial(addr, c.timeout)
	if err != nil {
		return nil, err
	}
	c.start(conn)
	c.logger.Debug().Str("addr", addr).Msg("connected")
	return c, nil
}

// NewConnection wraps an already established transport
func NewConnection(conn net.Conn, opts ...Option) *Connection {
	c := newConnection(conn.RemoteAddr().String(), opts...)
	c.start(conn)
	return c
}

func newConnection(addr string, opts ...Option) *Connection {
	c := &Connection{
		addr:     addr,
		decoder:  protocol.DefaultDecoder,
		timeout:  DefaultTimeout,
		autoPong: true,
		logger:   zerolog.Nop(),
		incoming: make(chan *protocol.Message, 16),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) start(conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})
	c.wg.Add(1)
	go c.readLoop()
}

func dial(addr string, timeout time.Duration) (net.Conn, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/ws"
		}
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		ws, _, err := dialer.Dial(u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", u.String(), err)
		}
		return wsbridge.New(ws, 0), nil
	default:
		hostPort := strings.TrimPrefix(addr, "tcp://")
		if _, _, err := net.SplitHostPort(hostPort); err != nil {
			hostPort = net.JoinHostPort(hostPort, defaultPort)
		}
		conn, err := net.DialTimeout("tcp", hostPort, timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", hostPort, err)
		}
		return conn, nil
	}
}

// Addr returns the address this connection was dialed with
func (c *Connection) Addr() string {
	return c.addr
}

// BytesSent returns the number of bytes written to the transport
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the transport
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// PingsAnswered returns how many server Pings were answered automatically
func (c *Connection) PingsAnswered() uint64 {
	return c.pingsAnswered.Load()
}

// Send writes one message
func (c *Connection) Send(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}

	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	w := &countingWriter{w: c.conn, counter: &c.bytesSent}
	if err := protocol.Encode(w, msg); err != nil {
		return err
	}
	c.logger.Trace().Stringer("type", msg.Type()).Msg("sent")
	return nil
}

// Receive returns the next message from the server that was not consumed
// by automatic Pong handling. A zero timeout waits forever.
func (c *Connection) Receive(timeout time.Duration) (*protocol.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, c.closedErr()
		}
		return msg, nil
	case <-expired:
		return nil, ErrTimeout
	}
}

// Register claims username for this session
func (c *Connection) Register(username string) (*Ack, error) {
	return c.authenticate(protocol.NewRegister(username))
}

// Login binds this session to an existing username
func (c *Connection) Login(username string) (*Ack, error) {
	return c.authenticate(protocol.NewLogin(username))
}

func (c *Connection) authenticate(req *protocol.Message) (*Ack, error) {
	reply, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}

	switch reply.Type() {
	case protocol.TypeOkay:
		ack := &Ack{}
		if f, ok := reply.Field(0); ok {
			ack.Username = string(f)
		}
		if f, ok := reply.Field(1); ok {
			ack.SessionID = string(f)
		}
		return ack, nil
	case protocol.TypeError:
		return nil, serverError(reply)
	default:
		return nil, fmt.Errorf("unexpected %s reply to %s", reply.Type(), req.Type())
	}
}

// Ping sends a Ping and waits for the Pong, returning the round trip time
func (c *Connection) Ping() (time.Duration, error) {
	start := time.Now()
	reply, err := c.roundTrip(protocol.PingMessage)
	if err != nil {
		return 0, err
	}
	if reply.Type() != protocol.TypePong {
		return 0, fmt.Errorf("unexpected %s reply to PING", reply.Type())
	}
	return time.Since(start), nil
}

func (c *Connection) roundTrip(req *protocol.Message) (*protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.Send(req); err != nil {
		return nil, err
	}

	// replies arrive in request order; unsolicited Pings are never replies
	deadline := time.Now().Add(c.timeout)
	for {
		wait := time.Until(deadline)
		if c.timeout <= 0 {
			wait = 0
		} else if wait <= 0 {
			return nil, ErrTimeout
		}
		msg, err := c.Receive(wait)
		if err != nil {
			return nil, err
		}
		if msg.Type() == protocol.TypePing {
			continue
		}
		return msg, nil
	}
}

// Disconnect tells the server the session is over and closes the transport
func (c *Connection) Disconnect() error {
	err := c.Send(protocol.DisconnectMessage)
	c.Close()
	return err
}

// Close closes the transport without notifying the server
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.conn.Close()
	})
	c.wg.Wait()
}

// Done is closed once the read loop has stopped
func (c *Connection) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	return done
}

// Err returns the error that stopped the read loop, if any
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *Connection) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.incoming)

	for {
		msg, err := c.decoder.Decode(c.reader)
		if err != nil {
			select {
			case <-c.shutdown:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Debug().Err(err).Msg("read failed")
				}
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
			}
			return
		}
		c.logger.Trace().Stringer("type", msg.Type()).Msg("received")

		if msg.Type() == protocol.TypePing && c.autoPong {
			if err := c.Send(protocol.PongMessage); err != nil {
				c.logger.Debug().Err(err).Msg("pong failed")
			} else {
				c.pingsAnswered.Add(1)
			}
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

func serverError(m *protocol.Message) error {
	code, reason, err := protocol.ParseErrorReply(m)
	if err != nil {
		return err
	}
	return &ServerError{Code: code, Reason: reason}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
