package server

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edoras/edoras/pkg/client"
	"github.com/edoras/edoras/pkg/database"
	"github.com/edoras/edoras/pkg/protocol"
)

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HealthInterval = time.Minute
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = 500 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *mockJournal) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	journal := &mockJournal{}
	srv, err := New(cfg, NewRegistry(), zerolog.Nop(), WithJournal(journal))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv, journal
}

func dialServer(t *testing.T, srv *Server, opts ...client.Option) *client.Connection {
	t.Helper()
	opts = append([]client.Option{client.WithTimeout(2 * time.Second)}, opts...)
	c, err := client.Dial(srv.Addr().String(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// failingWriteConn reads normally but every write fails
type failingWriteConn struct {
	net.Conn
}

func (failingWriteConn) Write([]byte) (int, error) {
	return 0, errMockWrite
}

// readUntilClosed reads until the server hangs up. A reset is as good as EOF
// when the server closes with unread input.
func readUntilClosed(conn net.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return io.ReadAll(conn)
}

func waitForSessions(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.Registry().Stats().Sessions == n
	}, 2*time.Second, 5*time.Millisecond, "expected %d sessions", n)
}

func TestSessionLifecycleOverTCP(t *testing.T) {
	srv, journal := startServer(t, nil)

	alice := dialServer(t, srv)
	ack, err := alice.Register("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", ack.Username)
	assert.NotEmpty(t, ack.SessionID)

	_, err = alice.Ping()
	require.NoError(t, err)

	// a second connection takes the name over
	other := dialServer(t, srv)
	ack2, err := other.Login("alice")
	require.NoError(t, err)
	assert.NotEqual(t, ack.SessionID, ack2.SessionID)

	u, ok := srv.Registry().User("alice")
	require.True(t, ok)
	assert.Equal(t, ack2.SessionID, u.SessionID.UUID.String())

	require.NoError(t, other.Disconnect())
	require.NoError(t, alice.Disconnect())
	waitForSessions(t, srv, 0)

	u, _ = srv.Registry().User("alice")
	assert.False(t, u.Online())
	assert.Equal(t, 2, journal.count(database.EventConnect))
	require.Eventually(t, func() bool {
		return journal.count(database.EventDisconnect) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRejectionKeepsSessionOpen(t *testing.T) {
	srv, _ := startServer(t, nil)

	a := dialServer(t, srv)
	_, err := a.Register("zoro")
	require.NoError(t, err)

	b := dialServer(t, srv)
	_, err = b.Register("zoro")
	var serverErr *client.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.ErrCodeUsernameTaken, serverErr.Code)

	_, err = b.Login("nobody")
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.ErrCodeUnknownUser, serverErr.Code)

	ack, err := b.Register("zoro2")
	require.NoError(t, err, "the rejected session is still usable")
	assert.Equal(t, "zoro2", ack.Username)
}

func TestGarbageHeaderClosesConnection(t *testing.T) {
	srv, journal := startServer(t, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	waitForSessions(t, srv, 1)

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	data, err := readUntilClosed(conn)
	assert.Empty(t, data, "server closes the connection without replying")
	assert.False(t, protocol.IsTimeout(err))

	waitForSessions(t, srv, 0)
	require.Eventually(t, func() bool {
		return journal.count(database.EventDecodeError) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestOversizedFieldCountClosesConnection(t *testing.T) {
	srv, _ := startServer(t, func(c *ServerConfig) { c.MaxFields = 2 })

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	msg := protocol.NewMessage(protocol.TypeRegister, []byte("a"), []byte("b"), []byte("c"))
	require.NoError(t, protocol.Encode(conn, msg))

	data, err := readUntilClosed(conn)
	assert.Empty(t, data)
	assert.False(t, protocol.IsTimeout(err))
	waitForSessions(t, srv, 0)
}

func TestHealthCheckDisconnectsIdlePeer(t *testing.T) {
	srv, journal := startServer(t, func(c *ServerConfig) {
		c.HealthInterval = 20 * time.Millisecond
		c.IdleTimeout = 100 * time.Millisecond
	})

	// never answers pings, so nothing refreshes the session's activity
	silent := dialServer(t, srv, client.WithAutoPong(false))
	_, err := silent.Register("sleepy")
	require.NoError(t, err)

	waitForSessions(t, srv, 0)
	u, _ := srv.Registry().User("sleepy")
	assert.False(t, u.Online())
	assert.GreaterOrEqual(t, journal.count(database.EventHealthFailure), 1)

	select {
	case <-silent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server never closed the transport")
	}
}

func TestHealthCheckKeepsResponsivePeer(t *testing.T) {
	srv, _ := startServer(t, func(c *ServerConfig) {
		c.HealthInterval = 20 * time.Millisecond
		c.IdleTimeout = 100 * time.Millisecond
	})

	c := dialServer(t, srv)
	_, err := c.Register("awake")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	assert.Greater(t, c.PingsAnswered(), uint64(0))
	u, _ := srv.Registry().User("awake")
	assert.True(t, u.Online())
}

func TestQuietPeerStaysRegisteredWithDefaults(t *testing.T) {
	srv, journal := startServer(t, func(c *ServerConfig) {
		*c = DefaultConfig()
		c.TCPPort = 0
		c.PollInterval = 10 * time.Millisecond
		c.HealthInterval = 20 * time.Millisecond
	})

	// reads the server's pings but never writes a byte after registering
	quiet := dialServer(t, srv, client.WithAutoPong(false))
	_, err := quiet.Register("quiet")
	require.NoError(t, err)

	// long enough for several health checks, short enough that the
	// client's unread pings still fit its receive buffer
	time.Sleep(200 * time.Millisecond)

	u, ok := srv.Registry().User("quiet")
	require.True(t, ok)
	assert.True(t, u.Online())
	assert.Equal(t, 1, srv.Registry().Stats().Sessions)
	assert.Zero(t, journal.count(database.EventHealthFailure))
}

func TestHealthCheckWriteFailure(t *testing.T) {
	srv, journal := startServer(t, func(c *ServerConfig) {
		c.HealthInterval = 20 * time.Millisecond
	})

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	srv.ServeConn(failingWriteConn{serverSide}, TransportTCP)

	require.Eventually(t, func() bool {
		return journal.count(database.EventHealthFailure) == 1
	}, 2*time.Second, 5*time.Millisecond)
	waitForSessions(t, srv, 0)

	_, err := clientSide.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "transport is closed after the failed check")
}

func TestConcurrentClients(t *testing.T) {
	// more clients than the burst a rate limiter would allow, all from one IP
	n := DefaultConfig().ConnectBurst + 10
	srv, _ := startServer(t, func(c *ServerConfig) { c.AcceptConcurrency = 4 })

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.Dial(srv.Addr().String(), client.WithTimeout(5*time.Second))
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			if _, err := c.Register(fmt.Sprintf("user-%d", i)); err != nil {
				errs <- err
				return
			}
			if _, err := c.Ping(); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, n, srv.Registry().Stats().Users)
}

func TestRateLimitedConnectionIsClosed(t *testing.T) {
	srv, journal := startServer(t, func(c *ServerConfig) {
		c.ConnectsPerSecond = 0.001
		c.ConnectBurst = 1
	})

	first := dialServer(t, srv)
	_, err := first.Register("first")
	require.NoError(t, err)

	second := dialServer(t, srv)
	_, err = second.Register("second")
	assert.Error(t, err, "the server hangs up before any session exists")

	require.Eventually(t, func() bool {
		return journal.count(database.EventRateLimited) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.Registry().Stats().Sessions)
}

func TestStopDisconnectsEveryone(t *testing.T) {
	srv, journal := startServer(t, nil)

	var conns []*client.Connection
	for i := 0; i < 3; i++ {
		c := dialServer(t, srv)
		_, err := c.Register(fmt.Sprintf("crew-%d", i))
		require.NoError(t, err)
		conns = append(conns, c)
	}

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop(), "second stop is a no-op")

	assert.Zero(t, srv.Registry().Stats().OnlineUsers)
	assert.Zero(t, srv.Registry().Stats().Sessions)
	assert.True(t, journal.closed)
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("client still connected after Stop")
		}
	}

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	// connections handed over after Stop are refused
	conn := newMockConn()
	srv.ServeConn(conn, TransportWebSocket)
	assert.True(t, conn.isClosed())
}
