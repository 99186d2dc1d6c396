package transfer

// ProgressObserver receives byte counts after every chunk. total is -1 while
// the size is unknown; once a transfer of unknown size completes, the engine
// reports moved == total one last time.
type ProgressObserver interface {
	OnBytes(sessionID string, moved, total int64)
}

type nopObserver struct{}

func (nopObserver) OnBytes(string, int64, int64) {}

// NopObserver discards progress.
var NopObserver ProgressObserver = nopObserver{}
