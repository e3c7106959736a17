package server

import "github.com/edoras/edoras/pkg/database"

// Journal is the audit trail the server writes session events to.
// *database.DB implements it; tests substitute an in-memory fake.
type Journal interface {
	// Record queues an event and returns its ID
	Record(ev database.Event) int64

	// RecentEvents returns up to limit events, newest first
	RecentEvents(limit int) ([]database.Event, error)

	// Close flushes pending events
	Close() error
}

// nopJournal is used when no journal is configured
type nopJournal struct{}

func (nopJournal) Record(database.Event) int64 { return 0 }

func (nopJournal) RecentEvents(int) ([]database.Event, error) { return []database.Event{}, nil }

func (nopJournal) Close() error { return nil }
