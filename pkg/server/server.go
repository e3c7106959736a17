package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/edoras/edoras/pkg/database"
	"github.com/edoras/edoras/pkg/logx"
	"github.com/edoras/edoras/pkg/protocol"
)

// Transport names recorded on connect
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

const limiterCleanupInterval = 3 * time.Minute

// Server accepts connections, runs a read loop and a health-check loop per
// session and drives teardown
type Server struct {
	cfg        ServerConfig
	registry   *Registry
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *Metrics
	promReg    *prometheus.Registry
	journal    Journal
	validator  UsernameValidator
	sessOpts   SessionOptions
	acceptSem  *semaphore.Weighted
	ipLimiter  *IPRateLimiter // nil when rate limiting is off

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	stopErr  error

	mu       sync.Mutex // guards stopping against wg.Add
	stopping bool
	wg       sync.WaitGroup

	startTime time.Time
}

// Option customizes a Server
type Option func(*Server)

// WithJournal makes the server record session events to j instead of
// opening cfg.JournalPath
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithPrometheus registers metrics with reg instead of a private registry
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *Server) { s.promReg = reg }
}

// WithValidator overrides the username policy from cfg
func WithValidator(v UsernameValidator) Option {
	return func(s *Server) { s.validator = v }
}

// New creates a server around registry. It opens the journal when
// cfg.JournalPath is set and no journal was supplied.
func New(cfg ServerConfig, registry *Registry, logger zerolog.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: registry,
		logger:   logx.Component(logger, "server"),
		sessOpts: SessionOptions{
			Decoder: protocol.Decoder{
				MaxFields:      uint32(cfg.MaxFields),
				MaxFieldLength: uint32(cfg.MaxFieldLength),
			},
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		acceptSem: semaphore.NewWeighted(int64(cfg.AcceptConcurrency)),
		ctx:       ctx,
		cancel:    cancel,
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.validator == nil {
		v, err := ValidatorForPolicy(cfg.UsernamePolicy, cfg.MaxUsernameLength)
		if err != nil {
			cancel()
			return nil, err
		}
		s.validator = v
	}

	if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
		s.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = NewMetrics(s.promReg)

	if s.journal == nil {
		if cfg.JournalPath != "" {
			db, err := database.Open(cfg.JournalPath, cfg.JournalFlushInterval, logx.Component(logger, "journal"))
			if err != nil {
				cancel()
				return nil, fmt.Errorf("failed to open journal: %w", err)
			}
			s.journal = db
		} else {
			s.journal = nopJournal{}
		}
	}

	if cfg.ConnectsPerSecond > 0 {
		s.ipLimiter = NewIPRateLimiter(rate.Limit(cfg.ConnectsPerSecond), cfg.ConnectBurst, s.logger)
	}

	s.dispatcher = NewDispatcher(registry, s.validator, logx.Component(logger, "handlers"), s.metrics, s.journal)
	return s, nil
}

// Registry returns the registry the server mutates
func (s *Server) Registry() *Registry {
	return s.registry
}

// Dispatcher returns the message dispatcher
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Addr returns the bound TCP address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the bound admin HTTP address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Start binds the listeners and starts accepting connections
func (s *Server) Start() error {
	addr := s.cfg.Addr()
	listener, err := listenTCP(s.ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()
	logListenBacklog(s.logger, listener.Addr().String())

	if s.cfg.HTTPPort != 0 {
		if err := s.startHTTP(); err != nil {
			s.listener.Close()
			return err
		}
	}

	if s.ipLimiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ipLimiter.cleanupLoop(limiterCleanupInterval, s.shutdown)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTP binds the admin listener and serves the router on it
func (s *Server) startHTTP() error {
	addr := s.cfg.HTTPAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening")
	return nil
}

// Stop closes the listeners, disconnects every session, waits for all loops
// to exit and closes the journal. Only the first call does anything.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		close(s.shutdown)
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
			}
			cancel()
		}

		for _, sess := range s.registry.Sessions() {
			s.dispatcher.Disconnect(sess, ReasonShutdown)
			sess.Shutdown()
		}

		s.wg.Wait()
		s.stopErr = s.journal.Close()
		s.logger.Info().Msg("Server stopped")
	})
	return s.stopErr
}

// track adds n goroutines to the shutdown wait group unless Stop has begun
func (s *Server) track(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}
	s.wg.Add(n)
	return true
}

// acceptLoop accepts connections. At most AcceptConcurrency connections are
// between Accept and having both session loops running at any time.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		if err := s.acceptSem.Acquire(s.ctx, 1); err != nil {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.acceptSem.Release(1)
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Accept error")
			// back off so a persistent failure such as EMFILE does not spin
			select {
			case <-s.shutdown:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.acceptSem.Release(1)
			s.admit(conn, TransportTCP)
		}()
	}
}

// ServeConn runs the session machinery on an already-established connection.
// The WebSocket endpoint uses it; tests use it with in-memory pipes.
func (s *Server) ServeConn(conn net.Conn, transport string) {
	if !s.track(1) {
		conn.Close()
		return
	}
	go func() {
		defer s.wg.Done()
		s.admit(conn, transport)
	}()
}

// admit turns a raw connection into a registered session and spawns its loops
func (s *Server) admit(conn net.Conn, transport string) {
	if s.ipLimiter != nil && !s.ipLimiter.Allow(conn.RemoteAddr()) {
		s.metrics.RecordRateLimited()
		s.journal.Record(database.Event{
			Kind:       database.EventRateLimited,
			RemoteAddr: conn.RemoteAddr().String(),
			Detail:     transport,
		})
		s.logger.Warn().Str("remote_addr", conn.RemoteAddr().String()).Msg("Connection rate limited")
		conn.Close()
		return
	}

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := NewSession(conn, s.sessOpts)
	s.registry.AddSession(sess)
	s.metrics.RecordSessionCreated()
	s.journal.Record(database.Event{
		Kind:       database.EventConnect,
		SessionID:  sess.ID().String(),
		RemoteAddr: remoteAddr(sess),
		Detail:     transport,
	})
	s.logger.Info().
		Str("session_id", sess.ID().String()).
		Str("remote_addr", remoteAddr(sess)).
		Str("transport", transport).
		Msg("Session connected")

	if !s.track(2) {
		s.dispatcher.Disconnect(sess, ReasonShutdown)
		sess.Shutdown()
		return
	}
	go s.readLoop(sess)
	go s.healthLoop(sess)
}

// readLoop probes for the next header and dispatches each decoded message
// until the session closes
func (s *Server) readLoop(sess *Session) {
	defer s.wg.Done()
	defer s.teardown(sess)

	for !sess.Closed() {
		readiness, err := sess.Probe(s.cfg.PollInterval)
		switch readiness {
		case protocol.ReadinessNotReady:
			continue
		case protocol.ReadinessTransportError:
			s.logger.Debug().Err(err).Str("session_id", sess.ID().String()).Msg("Probe failed")
			s.dispatcher.Disconnect(sess, ReasonPeerClosed)
			return
		}

		// on a mismatch Receive consumes the bad header and reports it
		msg, err := sess.Receive()
		if err != nil {
			s.handleReceiveError(sess, err)
			return
		}

		if err := s.dispatcher.Handle(sess, msg); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sess.ID().String()).Msg("Reply failed")
			s.dispatcher.Disconnect(sess, ReasonWriteError)
			return
		}
	}
}

// handleReceiveError classifies a failed decode and disconnects the session
func (s *Server) handleReceiveError(sess *Session, err error) {
	reason := ReasonDecodeError
	switch {
	case protocol.IsTimeout(err):
		reason = ReasonReadTimeout
	case isPeerClosed(err):
		reason = ReasonPeerClosed
	}

	if reason == ReasonPeerClosed {
		s.logger.Debug().Err(err).Str("session_id", sess.ID().String()).Msg("Peer closed connection")
	} else {
		kind := protocol.DecodeErrorKind(err)
		s.metrics.RecordDecodeError(kind)
		s.journal.Record(database.Event{
			Kind:       database.EventDecodeError,
			SessionID:  sess.ID().String(),
			RemoteAddr: remoteAddr(sess),
			Detail:     err.Error(),
		})
		s.logger.Warn().
			Err(err).
			Str("session_id", sess.ID().String()).
			Str("kind", kind).
			Msg("Decode error")
	}

	s.dispatcher.Disconnect(sess, reason)
}

// isPeerClosed reports a clean close between messages or a closed transport
func isPeerClosed(err error) bool {
	var readErr *protocol.ReadError
	if errors.As(err, &readErr) && readErr.Stage == "header" && errors.Is(err, io.EOF) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.ECONNRESET)
}

// healthLoop pings the peer every HealthInterval. A failed check goes
// through the same Disconnect path as a client Disconnect.
func (s *Server) healthLoop(sess *Session) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
		}

		if sess.Closed() {
			return
		}

		idle := s.cfg.IdleTimeout > 0 && time.Since(sess.LastActivity()) > s.cfg.IdleTimeout
		if sess.HealthCheck(s.cfg.IdleTimeout) {
			s.metrics.RecordMessageSent(protocol.TypePing.String())
			continue
		}

		detail := "ping_failed"
		if idle {
			detail = "idle"
		}
		s.metrics.RecordHealthFailure()
		s.journal.Record(database.Event{
			Kind:       database.EventHealthFailure,
			SessionID:  sess.ID().String(),
			RemoteAddr: remoteAddr(sess),
			Detail:     detail,
		})
		s.logger.Warn().
			Str("session_id", sess.ID().String()).
			Str("detail", detail).
			Msg("Health check failed")

		s.dispatcher.Disconnect(sess, ReasonHealthCheck)
		// wake the read loop instead of waiting out its poll
		sess.Shutdown()
		return
	}
}

// teardown releases the transport once the read loop is done with it
func (s *Server) teardown(sess *Session) {
	if err := sess.Shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug().Err(err).Str("session_id", sess.ID().String()).Msg("Transport close error")
	}
	s.logger.Debug().Str("session_id", sess.ID().String()).Msg("Transport released")
}

// listenTCP binds addr with SO_REUSEADDR set
func listenTCP(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlSocket}
	return lc.Listen(ctx, "tcp", addr)
}
