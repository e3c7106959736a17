package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyAuthenticated is returned when the session already has a username
	ErrAlreadyAuthenticated = errors.New("session is already bound to a user")
	// ErrUsernameTaken is returned when registering an existing username
	ErrUsernameTaken = errors.New("username already registered")
	// ErrUnknownUser is returned when logging in to a username that was never registered
	ErrUnknownUser = errors.New("user not found")
	// ErrSessionGone is returned when the session was already removed from the registry
	ErrSessionGone = errors.New("session is not registered")
)

// User is a registered identity
type User struct {
	Username  string
	SessionID uuid.NullUUID // bound session; invalid when the user is offline
}

// Online reports whether the user is bound to a session
func (u User) Online() bool {
	return u.SessionID.Valid
}

// RegistryStats is a point-in-time snapshot of registry sizes
type RegistryStats struct {
	Users       int `json:"users"`
	OnlineUsers int `json:"online_users"`
	Sessions    int `json:"sessions"`
}

// Registry maps usernames to users and session IDs to live sessions.
// Lock order is registry first, then session.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]*User
	sessions map[uuid.UUID]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[string]*User),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// AddSession inserts a session
func (r *Registry) AddSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID()] = sess
}

// Session returns a session by ID
func (r *Registry) Session(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Sessions returns all registered sessions
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// User returns a copy of the named user
func (r *Registry) User(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Stats returns current registry sizes
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Users:    len(r.users),
		Sessions: len(r.sessions),
	}
	for _, u := range r.users {
		if u.Online() {
			stats.OnlineUsers++
		}
	}
	return stats
}

// Register creates username and binds it to sess. The checks run under the
// read lock first and are repeated under the write lock before mutating.
func (r *Registry) Register(sess *Session, username string) error {
	if _, bound := sess.User(); bound {
		return ErrAlreadyAuthenticated
	}

	r.mu.RLock()
	_, exists := r.users[username]
	r.mu.RUnlock()
	if exists {
		return ErrUsernameTaken
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[username]; exists {
		return ErrUsernameTaken
	}
	if _, ok := r.sessions[sess.ID()]; !ok {
		return ErrSessionGone
	}
	if !sess.BindUser(username) {
		return ErrAlreadyAuthenticated
	}

	r.users[username] = &User{
		Username:  username,
		SessionID: uuid.NullUUID{UUID: sess.ID(), Valid: true},
	}
	return nil
}

// Login binds sess to an existing username, replacing any previous binding of
// that user. It returns the session the user was bound to before, if any.
// The evicted session is left open.
func (r *Registry) Login(sess *Session, username string) (uuid.NullUUID, error) {
	if _, bound := sess.User(); bound {
		return uuid.NullUUID{}, ErrAlreadyAuthenticated
	}

	r.mu.RLock()
	_, exists := r.users[username]
	r.mu.RUnlock()
	if !exists {
		return uuid.NullUUID{}, ErrUnknownUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, exists := r.users[username]
	if !exists {
		return uuid.NullUUID{}, ErrUnknownUser
	}
	if _, ok := r.sessions[sess.ID()]; !ok {
		return uuid.NullUUID{}, ErrSessionGone
	}
	if !sess.BindUser(username) {
		return uuid.NullUUID{}, ErrAlreadyAuthenticated
	}

	previous := u.SessionID
	u.SessionID = uuid.NullUUID{UUID: sess.ID(), Valid: true}
	return previous, nil
}

// Disconnect removes sess, clears its user's binding if that binding still
// points at sess, and closes the session. It is safe to call more than once;
// removed reports whether sess was still registered.
func (r *Registry) Disconnect(sess *Session) (username string, removed bool) {
	r.mu.Lock()
	_, removed = r.sessions[sess.ID()]
	delete(r.sessions, sess.ID())

	username, bound := sess.User()
	if bound {
		if u, ok := r.users[username]; ok && u.SessionID.Valid && u.SessionID.UUID == sess.ID() {
			u.SessionID = uuid.NullUUID{}
		}
	}
	r.mu.Unlock()

	sess.Close()
	return username, removed
}

// CloseAll disconnects every session and shuts down their transports
func (r *Registry) CloseAll() {
	for _, sess := range r.Sessions() {
		r.Disconnect(sess)
		sess.Shutdown()
	}
}
