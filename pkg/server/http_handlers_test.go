package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edoras/edoras/pkg/client"
	"github.com/edoras/edoras/pkg/database"
)

// adminServer builds a server that is not listening on TCP and serves its
// router through httptest
func adminServer(t *testing.T) (*Server, *mockJournal, *httptest.Server) {
	t.Helper()
	journal := &mockJournal{}
	srv, err := New(testConfig(), NewRegistry(), zerolog.Nop(), WithJournal(journal))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return srv, journal, ts
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, ts := adminServer(t)
	sess, _ := testSession(srv.Registry())
	require.NoError(t, srv.Registry().Register(sess, "franky"))

	var body struct {
		Status         string        `json:"status"`
		Registry       RegistryStats `json:"registry"`
		JournalEnabled bool          `json:"journal_enabled"`
		UsernamePolicy string        `json:"username_policy"`
	}
	resp := getJSON(t, ts.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, RegistryStats{Users: 1, OnlineUsers: 1, Sessions: 1}, body.Registry)
	assert.True(t, body.JournalEnabled)
	assert.Equal(t, PolicyAny, body.UsernamePolicy)
}

func TestEventsEndpoint(t *testing.T) {
	_, journal, ts := adminServer(t)
	for _, kind := range []database.EventKind{database.EventConnect, database.EventRegister, database.EventDisconnect} {
		journal.Record(database.Event{Kind: kind, SessionID: "s1"})
	}

	var body struct {
		Events []database.Event `json:"events"`
		Count  int              `json:"count"`
	}
	resp := getJSON(t, ts.URL+"/events?limit=2", &body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Events, 2)
	assert.Equal(t, database.EventDisconnect, body.Events[0].Kind, "newest first")
	assert.Equal(t, database.EventRegister, body.Events[1].Kind)
}

func TestEventsEndpointBadLimit(t *testing.T) {
	_, _, ts := adminServer(t)

	for _, limit := range []string{"abc", "0", "-3"} {
		resp := getJSON(t, ts.URL+"/events?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", limit)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, ts := adminServer(t)
	srv.metrics.RecordSessionCreated()
	srv.metrics.RecordDecodeError("invalid_header")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "edoras_active_sessions 1")
	assert.Contains(t, text, `edoras_decode_errors_total{kind="invalid_header"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestUnknownRouteIs404(t *testing.T) {
	_, _, ts := adminServer(t)

	resp := getJSON(t, ts.URL+"/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketSession(t *testing.T) {
	srv, journal, ts := adminServer(t)

	c, err := client.Dial("ws://"+strings.TrimPrefix(ts.URL, "http://"), client.WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer c.Close()

	ack, err := c.Register("brook")
	require.NoError(t, err)
	assert.Equal(t, "brook", ack.Username)

	_, err = c.Ping()
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	waitForSessions(t, srv, 0)

	events, _ := journal.RecentEvents(10)
	require.NotEmpty(t, events)
	var transports []string
	for _, ev := range events {
		if ev.Kind == database.EventConnect {
			transports = append(transports, ev.Detail)
		}
	}
	assert.Equal(t, []string{TransportWebSocket}, transports)
}
