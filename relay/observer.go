package relay

import (
	"sync/atomic"

	"github.com/relaybox/relay/progress"
)

// finalGate forwards chunk progress but holds back the completion call, which
// the service reports once the transfer outcome is known.
type finalGate struct {
	reporter *progress.Reporter
	last     atomic.Int64
}

func newFinalGate(reporter *progress.Reporter) *finalGate {
	return &finalGate{reporter: reporter}
}

func (g *finalGate) OnBytes(sessionID string, moved, total int64) {
	g.last.Store(moved)
	if total >= 0 && moved >= total {
		return
	}
	g.reporter.OnBytes(sessionID, moved, total)
}

func (g *finalGate) moved() int64 {
	return g.last.Load()
}
