package transfer

import (
	"sync"
	"time"
)

// minSlowSamples is the number of chunks averaged before slow chunks are reported.
const minSlowSamples = 3

// StatsSnapshot ...
type StatsSnapshot struct {
	Chunks       int64         `json:"chunks"`
	Bytes        int64         `json:"bytes"`
	AverageChunk time.Duration `json:"average_chunk"`
}

// Stats aggregates finished chunks of all sessions of an engine.
type Stats struct {
	mu     sync.Mutex
	chunks int64
	bytes  int64
	busy   time.Duration
}

func newStats() *Stats {
	return &Stats{}
}

func (s *Stats) record(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	s.bytes += n
	s.busy += d
}

func (s *Stats) average() time.Duration {
	if s.chunks == 0 {
		return 0
	}
	return s.busy / time.Duration(s.chunks)
}

// Snapshot ...
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{Chunks: s.chunks, Bytes: s.bytes, AverageChunk: s.average()}
}

// slow reports whether d exceeds the running average by more than threshold,
// and returns the average it compared against.
func (s *Stats) slow(d, threshold time.Duration) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := s.average()
	return s.chunks >= minSlowSamples && d > avg+threshold, avg
}
