package database

import (
	"sync"
	"time"
)

// Snowflake layout: 41 bits timestamp | 10 bits worker | 12 bits sequence
const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// journalEpoch is the zero point of event IDs (2025-01-01 UTC)
var journalEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Snowflake hands out time-ordered 64-bit IDs
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastTime int64
	sequence int64
	now      func() int64
}

// NewSnowflake creates a generator; out-of-range worker IDs become 0
func NewSnowflake(epoch, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next ID. IDs are strictly increasing even if the wall
// clock steps backwards; the generator then keeps counting on the last time.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now < s.lastTime {
		now = s.lastTime
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// sequence exhausted for this millisecond
			for now <= s.lastTime {
				time.Sleep(100 * time.Microsecond)
				now = s.now()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now - s.epoch) << timestampShift) | (s.workerID << workerIDShift) | s.sequence
}
