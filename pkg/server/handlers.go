package server

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/edoras/edoras/pkg/database"
	"github.com/edoras/edoras/pkg/protocol"
)

// Disconnect reasons
const (
	ReasonClient      = "client"
	ReasonPeerClosed  = "peer_closed"
	ReasonDecodeError = "decode_error"
	ReasonReadTimeout = "read_timeout"
	ReasonWriteError  = "write_error"
	ReasonHealthCheck = "health_check"
	ReasonShutdown    = "shutdown"
)

// Dispatcher interprets decoded messages against a session and the registry
type Dispatcher struct {
	registry *Registry
	validate UsernameValidator
	logger   zerolog.Logger
	metrics  *Metrics
	journal  Journal
}

// NewDispatcher creates a dispatcher. A nil validator means AnyUsername;
// metrics and journal may be nil.
func NewDispatcher(registry *Registry, validate UsernameValidator, logger zerolog.Logger, metrics *Metrics, journal Journal) *Dispatcher {
	if validate == nil {
		validate = AnyUsername
	}
	if journal == nil {
		journal = nopJournal{}
	}
	return &Dispatcher{
		registry: registry,
		validate: validate,
		logger:   logger,
		metrics:  metrics,
		journal:  journal,
	}
}

// Handle routes one message. Rejected requests get an Error reply and leave
// all state untouched. The returned error is always a send failure, which
// the caller should treat as a dead transport.
func (d *Dispatcher) Handle(sess *Session, msg *protocol.Message) error {
	start := time.Now()
	typeName := msg.Type().String()
	d.metrics.RecordMessageReceived(typeName)
	defer func() { d.metrics.RecordHandleDuration(typeName, time.Since(start)) }()

	switch msg.Type() {
	case protocol.TypeRegister:
		return d.handleRegister(sess, msg)
	case protocol.TypeLogin:
		return d.handleLogin(sess, msg)
	case protocol.TypePing:
		return d.send(sess, protocol.PongMessage)
	case protocol.TypeDisconnect:
		d.Disconnect(sess, ReasonClient)
		return nil
	default:
		// Pong, Okay, Error and Empty carry no server-side behavior
		return nil
	}
}

// handleRegister handles Register
func (d *Dispatcher) handleRegister(sess *Session, msg *protocol.Message) error {
	username, code, ok := d.usernameField(msg)
	if !ok {
		return d.reject(sess, msg, code, "")
	}

	err := d.registry.Register(sess, username)
	if err != nil {
		return d.rejectRegistryError(sess, msg, username, err)
	}

	d.metrics.RecordUserRegistered()
	d.journal.Record(database.Event{
		Kind:       database.EventRegister,
		SessionID:  sess.ID().String(),
		Username:   username,
		RemoteAddr: remoteAddr(sess),
	})
	d.logger.Info().
		Str("session_id", sess.ID().String()).
		Str("username", username).
		Msg("User registered")

	return d.send(sess, protocol.NewOkay(username, sess.ID().String()))
}

// handleLogin handles Login
func (d *Dispatcher) handleLogin(sess *Session, msg *protocol.Message) error {
	username, code, ok := d.usernameField(msg)
	if !ok {
		return d.reject(sess, msg, code, "")
	}

	previous, err := d.registry.Login(sess, username)
	if err != nil {
		return d.rejectRegistryError(sess, msg, username, err)
	}

	detail := ""
	event := d.logger.Info().
		Str("session_id", sess.ID().String()).
		Str("username", username)
	if previous.Valid && previous.UUID != sess.ID() {
		detail = "replaced " + previous.UUID.String()
		event = event.Str("replaced_session_id", previous.UUID.String())
	}
	event.Msg("User logged in")

	d.journal.Record(database.Event{
		Kind:       database.EventLogin,
		SessionID:  sess.ID().String(),
		Username:   username,
		RemoteAddr: remoteAddr(sess),
		Detail:     detail,
	})

	return d.send(sess, protocol.NewOkay(username, sess.ID().String()))
}

// usernameField extracts the single username field of a Register/Login
func (d *Dispatcher) usernameField(msg *protocol.Message) (string, protocol.ErrorCode, bool) {
	if msg.FieldCount() != 1 {
		return "", protocol.ErrCodeInvalidFormat, false
	}
	raw, _ := msg.Field(0)
	if !d.validate(raw) {
		return "", protocol.ErrCodeInvalidUsername, false
	}
	return string(raw), 0, true
}

// rejectRegistryError maps a registry error to an Error reply
func (d *Dispatcher) rejectRegistryError(sess *Session, msg *protocol.Message, username string, err error) error {
	switch {
	case errors.Is(err, ErrAlreadyAuthenticated):
		return d.reject(sess, msg, protocol.ErrCodeAlreadyAuthenticated, username)
	case errors.Is(err, ErrUsernameTaken):
		return d.reject(sess, msg, protocol.ErrCodeUsernameTaken, username)
	case errors.Is(err, ErrUnknownUser):
		return d.reject(sess, msg, protocol.ErrCodeUnknownUser, username)
	case errors.Is(err, ErrSessionGone):
		// torn down concurrently; there is nobody left to reply to
		d.logger.Debug().
			Str("session_id", sess.ID().String()).
			Str("type", msg.Type().String()).
			Msg("Request raced with disconnect")
		return nil
	default:
		d.logger.Error().Err(err).Str("session_id", sess.ID().String()).Msg("Registry failure")
		return d.reject(sess, msg, protocol.ErrCodeInternalError, username)
	}
}

// reject reports a precondition violation to the client without touching state
func (d *Dispatcher) reject(sess *Session, msg *protocol.Message, code protocol.ErrorCode, username string) error {
	reason := rejectionText(code)

	d.metrics.RecordRejection(code.String())
	d.journal.Record(database.Event{
		Kind:       database.EventRejected,
		SessionID:  sess.ID().String(),
		Username:   username,
		RemoteAddr: remoteAddr(sess),
		Detail:     msg.Type().String() + ": " + code.String(),
	})
	d.logger.Warn().
		Str("session_id", sess.ID().String()).
		Str("type", msg.Type().String()).
		Str("username", username).
		Uint16("code", uint16(code)).
		Msg("Request rejected")

	return d.send(sess, protocol.NewErrorReply(code, reason))
}

func rejectionText(code protocol.ErrorCode) string {
	switch code {
	case protocol.ErrCodeInvalidFormat:
		return "Invalid message format"
	case protocol.ErrCodeAlreadyAuthenticated:
		return "Session already has a user"
	case protocol.ErrCodeUsernameTaken:
		return "Username already registered"
	case protocol.ErrCodeUnknownUser:
		return "User not found"
	case protocol.ErrCodeInvalidUsername:
		return "Invalid username"
	default:
		return "Internal error"
	}
}

// Disconnect removes sess from the registry, clears its user's binding and
// closes it. Client Disconnect messages and server-side failures (health
// check, decode and transport errors) all end up here. Only the first call
// for a session is recorded.
func (d *Dispatcher) Disconnect(sess *Session, reason string) {
	username, removed := d.registry.Disconnect(sess)
	if !removed {
		return
	}

	d.metrics.RecordSessionDisconnected(reason)
	d.journal.Record(database.Event{
		Kind:       database.EventDisconnect,
		SessionID:  sess.ID().String(),
		Username:   username,
		RemoteAddr: remoteAddr(sess),
		Detail:     reason,
	})
	d.logger.Info().
		Str("session_id", sess.ID().String()).
		Str("username", username).
		Str("reason", reason).
		Dur("age", time.Since(sess.CreatedAt())).
		Msg("Session disconnected")
}

// send writes msg to the session and counts it
func (d *Dispatcher) send(sess *Session, msg *protocol.Message) error {
	if err := sess.Send(msg); err != nil {
		return err
	}
	d.metrics.RecordMessageSent(msg.Type().String())
	return nil
}

func remoteAddr(sess *Session) string {
	if addr := sess.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
