package server

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edoras/edoras/pkg/database"
	"github.com/edoras/edoras/pkg/protocol"
)

var errMockWrite = errors.New("mock write failure")

// mockConn is a net.Conn backed by buffers. Reads drain readBuf; writes go
// to writeBuf unless failWrites is set.
type mockConn struct {
	mu         sync.Mutex
	readBuf    bytes.Buffer
	writeBuf   bytes.Buffer
	failWrites bool
	closed     bool
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.failWrites {
		return 0, errMockWrite
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) setFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// written decodes everything written so far and resets the buffer
func (m *mockConn) written(t *testing.T) []*protocol.Message {
	t.Helper()
	m.mu.Lock()
	data := append([]byte(nil), m.writeBuf.Bytes()...)
	m.writeBuf.Reset()
	m.mu.Unlock()

	r := bytes.NewReader(data)
	var msgs []*protocol.Message
	for r.Len() > 0 {
		msg, err := protocol.Decode(r)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:12345" }

// mockJournal records events in memory
type mockJournal struct {
	mu     sync.Mutex
	events []database.Event
	closed bool
}

func (j *mockJournal) Record(ev database.Event) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev.ID = int64(len(j.events) + 1)
	j.events = append(j.events, ev)
	return ev.ID
}

func (j *mockJournal) RecentEvents(limit int) ([]database.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]database.Event, 0, limit)
	for i := len(j.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.events[i])
	}
	return out, nil
}

func (j *mockJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *mockJournal) kinds() []database.EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	kinds := make([]database.EventKind, len(j.events))
	for i, ev := range j.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (j *mockJournal) count(kind database.EventKind) int {
	n := 0
	for _, k := range j.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// testSession creates a registered session on a mock connection
func testSession(r *Registry) (*Session, *mockConn) {
	conn := newMockConn()
	sess := NewSession(conn, SessionOptions{Decoder: protocol.DefaultDecoder})
	r.AddSession(sess)
	return sess, conn
}
