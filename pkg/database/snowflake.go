package database

import (
	"sync/atomic"
	"time"
)

// Snowflake hands out time-ordered 64-bit ids for stored messages.
//
// Layout: 41 bits of milliseconds since epoch, 10 bits of worker id, 12 bits
// of per-millisecond sequence. Sorting by id sorts by insertion time.
type Snowflake struct {
	epoch    int64
	workerID int64
	clock    func() int64
	// upper bits: last millisecond handed out, lower sequenceBits: sequence
	state atomic.Int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// messageEpoch is 2024-01-01T00:00:00Z in milliseconds.
var messageEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// NewSnowflake returns a generator for the given epoch (unix millis) and
// worker id. Out-of-range worker ids fall back to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID,
		clock:    func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns an id strictly greater than every id previously returned by
// this generator. Safe for concurrent use.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		last := old >> sequenceBits
		seq := old & sequenceMask

		ms := s.clock()
		if ms < last {
			// Clock stepped backwards; keep counting on the last millisecond.
			ms = last
		}

		var next int64
		if ms == last {
			next = seq + 1
			if next > sequenceMask {
				ms = s.waitPast(last)
				next = 0
			}
		}

		if s.state.CompareAndSwap(old, ms<<sequenceBits|next) {
			return (ms-s.epoch)<<timestampShift | s.workerID<<workerIDShift | next
		}
	}
}

// waitPast spins until the clock moves beyond ms. Only reached when more
// than 4096 ids are requested within one millisecond.
func (s *Snowflake) waitPast(ms int64) int64 {
	for {
		if now := s.clock(); now > ms {
			return now
		}
	}
}
