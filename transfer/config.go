package transfer

import "time"

// MaxParts is the largest part count a multipart upload may have.
const MaxParts = 10000

// Config holds configuration for the transfer engine.
type Config struct {
	// ChunkSize is the number of bytes moved per chunk. Uploads raise it to
	// the store's minimum part size when it is smaller.
	// Default: 8 MiB
	ChunkSize int64

	// ChunkTimeout bounds every single chunk operation: a source read, a sink
	// write or a store call.
	// Default: 60 seconds
	ChunkTimeout time.Duration

	// MaxRetries is the number of retries of a chunk operation that failed
	// with a timeout, a transport error or store throttling.
	// Default: 3
	MaxRetries uint

	// InitialBackoff and MaxBackoff bound the exponential backoff between retries.
	// Default: 500ms and 10 seconds
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxFileSize rejects larger transfers. Zero disables the check.
	// Default: 4 GiB
	MaxFileSize int64

	// CleanupTimeout bounds aborting an upload or deleting an object after a failure.
	// Default: 30 seconds
	CleanupTimeout time.Duration

	// SlowChunkThreshold logs a warning for chunks that take this much longer
	// than the average.
	// Default: 30 seconds
	SlowChunkThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          8 * 1024 * 1024,
		ChunkTimeout:       60 * time.Second,
		MaxRetries:         3,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		MaxFileSize:        4 * 1024 * 1024 * 1024,
		CleanupTimeout:     30 * time.Second,
		SlowChunkThreshold: 30 * time.Second,
	}
}

// PartSize calculates the upload part size: at least chunkSize and minPart,
// and large enough that totalSize fits in MaxParts parts.
func PartSize(chunkSize, minPart, totalSize int64) int64 {
	return int64(partSize(uint64(max(chunkSize, 1)), uint64(max(minPart, 0)), totalSize))
}

func partSize(cs, min uint64, totalSize int64) uint64 {
	if cs < min {
		cs = min
	}

	if totalSize > 0 {
		total := uint64(totalSize)
		if total > cs*MaxParts {
			cs = (total + MaxParts - 1) / MaxParts
		}
	}

	return cs
}
