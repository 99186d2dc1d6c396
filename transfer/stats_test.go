package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats(t *testing.T) {
	s := newStats()

	slow, _ := s.slow(time.Hour, time.Second)
	assert.False(t, slow)

	for _, d := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		s.record(d, 100)
	}

	assert.Equal(t, StatsSnapshot{Chunks: 3, Bytes: 300, AverageChunk: 2 * time.Second}, s.Snapshot())

	slow, avg := s.slow(5*time.Second, 2*time.Second)
	assert.True(t, slow)
	assert.Equal(t, 2*time.Second, avg)

	slow, _ = s.slow(4*time.Second, 2*time.Second)
	assert.False(t, slow)
}
