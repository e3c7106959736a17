package database

import (
	"sync"
	"time"
)

// WriteBuffer batches journal inserts so connection handling never waits on SQLite
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending []Event

	flushMu sync.Mutex // one flush at a time keeps IDs in insert order

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWriteBuffer creates a write buffer and starts its flush loop
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make([]Event, 0, 64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Append queues an event
func (wb *WriteBuffer) Append(ev Event) {
	wb.mu.Lock()
	wb.pending = append(wb.pending, ev)
	wb.mu.Unlock()
}

// Pending returns the number of queued events
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wb.Flush(); err != nil {
				wb.db.logger.Error().Err(err).Msg("Journal flush failed")
			}
		case <-wb.shutdown:
			if err := wb.Flush(); err != nil {
				wb.db.logger.Error().Err(err).Msg("Final journal flush failed")
			}
			return
		}
	}
}

// Flush writes everything queued so far in a single transaction. On failure
// the batch is put back in front of anything queued meanwhile.
func (wb *WriteBuffer) Flush() error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]Event, 0, 64)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := wb.db.insertEvents(batch); err != nil {
		wb.mu.Lock()
		wb.pending = append(batch, wb.pending...)
		wb.mu.Unlock()
		return err
	}

	wb.db.logger.Debug().Int("events", len(batch)).Dur("took", time.Since(start)).Msg("Journal flushed")
	return nil
}

// Close stops the flush loop after a final flush
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}
