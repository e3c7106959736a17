package database

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"), time.Hour, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, err := currentVersion(db.conn)
	require.NoError(t, err)

	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	db, err := Open(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	db.Record(Event{Kind: EventConnect, SessionID: "s1"})
	require.NoError(t, db.Close())

	db, err = Open(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	count, err := db.CountEvents(EventConnect)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "close should flush and reopen should keep rows")
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:", time.Hour, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	db.Record(Event{Kind: EventRegister, Username: "zoro"})
	require.NoError(t, db.Flush())

	count, err := db.CountEvents(EventRegister)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordBuffersUntilFlush(t *testing.T) {
	db := openTestDB(t)

	db.Record(Event{Kind: EventConnect, SessionID: "a", RemoteAddr: "127.0.0.1:5000"})
	db.Record(Event{Kind: EventRegister, SessionID: "a", Username: "nami"})
	assert.Equal(t, 2, db.WriteBuffer.Pending())

	count, err := db.CountEvents(EventConnect)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, db.Flush())
	assert.Equal(t, 0, db.WriteBuffer.Pending())

	count, err = db.CountEvents(EventConnect)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecentEventsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	ids := []int64{
		db.Record(Event{Kind: EventConnect, SessionID: "a"}),
		db.Record(Event{Kind: EventLogin, SessionID: "a", Username: "usopp"}),
		db.Record(Event{Kind: EventDisconnect, SessionID: "a", Username: "usopp", Detail: "client"}),
	}
	require.NoError(t, db.Flush())

	events, err := db.RecentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ids[2], events[0].ID)
	assert.Equal(t, EventDisconnect, events[0].Kind)
	assert.Equal(t, "client", events[0].Detail)
	assert.Equal(t, ids[1], events[1].ID)
	assert.NotZero(t, events[0].CreatedAt)
}

func TestSessionEvents(t *testing.T) {
	db := openTestDB(t)

	db.Record(Event{Kind: EventConnect, SessionID: "a"})
	db.Record(Event{Kind: EventConnect, SessionID: "b"})
	db.Record(Event{Kind: EventDecodeError, SessionID: "a", Detail: "invalid_header"})
	require.NoError(t, db.Flush())

	events, err := db.SessionEvents("a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventConnect, events[0].Kind)
	assert.Equal(t, EventDecodeError, events[1].Kind)

	none, err := db.SessionEvents("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFlushLoopWritesInBackground(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"), 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	db.Record(Event{Kind: EventHealthFailure, SessionID: "x"})

	assert.Eventually(t, func() bool {
		count, err := db.CountEvents(EventHealthFailure)
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentRecord(t *testing.T) {
	db := openTestDB(t)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				db.Record(Event{Kind: EventRejected, Detail: "username_taken"})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, db.Flush())

	count, err := db.CountEvents(EventRejected)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, count)
}

func TestCloseTwice(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"), time.Hour, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	// the buffer tolerates a second close; the sql handle does too
	assert.NotPanics(t, func() { db.WriteBuffer.Close() })
}
