// Package identity derives the public id and the storage key of stored files.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/relaybox/relay/storage"
	"golang.org/x/crypto/blake2b"
)

const (
	// IDLength is the length of every id.
	IDLength = 16
	// KeyPrefix is the common prefix of all storage keys.
	KeyPrefix = "files/"
	// DefaultMaxAttempts bounds the derivations tried before giving up.
	DefaultMaxAttempts = 5

	alphabet  = "abcdefghijklmnopqrstuvwxyz234567"
	saltSize  = 16
	idBytes   = IDLength * 5 / 8
	keyLength = 32
)

var (
	// ErrIdentityExhausted is returned when every derivation attempt collided
	// with an existing object.
	ErrIdentityExhausted = errors.New("identity exhausted")
	// ErrInvalidID ...
	ErrInvalidID = errors.New("invalid id")

	encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)
)

// TimeProvider allows injecting time for testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now ...
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Input describes the file an identity is derived for.
type Input struct {
	Filename string
	MimeType string
	Size     int64
	// Seed ties the id to its origin, for example the transport's file reference.
	Seed string
}

// Identity ...
type Identity struct {
	ID         string
	StorageKey string
}

// Deriver computes ids with a keyed hash over the file name, size, upload
// time and a random salt. Ids don't reveal the content or its digest.
type Deriver struct {
	key         []byte
	checker     storage.Header
	salt        io.Reader
	clock       TimeProvider
	maxAttempts int
	logger      log.Logger
}

// Option ...
type Option func(d *Deriver)

// WithSaltReader replaces crypto/rand as the salt source.
func WithSaltReader(r io.Reader) Option {
	return func(d *Deriver) { d.salt = r }
}

// WithTimeProvider ...
func WithTimeProvider(tp TimeProvider) Option {
	return func(d *Deriver) { d.clock = tp }
}

// WithMaxAttempts ...
func WithMaxAttempts(n int) Option {
	return func(d *Deriver) { d.maxAttempts = n }
}

// NewDeriver creates a Deriver. An empty key is replaced with a random one,
// which makes ids unpredictable across restarts.
func NewDeriver(key []byte, checker storage.Header, logger log.Logger, opts ...Option) (*Deriver, error) {
	d := &Deriver{
		key:         key,
		checker:     checker,
		salt:        rand.Reader,
		clock:       DefaultTimeProvider{},
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	if len(d.key) == 0 {
		d.key = make([]byte, keyLength)
		if _, err := io.ReadFull(rand.Reader, d.key); err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
	}
	if len(d.key) > blake2b.Size {
		return nil, fmt.Errorf("identity key is longer than %d bytes", blake2b.Size)
	}
	return d, nil
}

// Derive returns a fresh identity whose storage key is not taken yet.
func (d *Deriver) Derive(ctx context.Context, in Input) (Identity, error) {
	uploadedAt := d.clock.Now()

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(d.salt, salt); err != nil {
			return Identity{}, fmt.Errorf("read salt: %w", err)
		}

		id, err := d.compute(in, uploadedAt, salt)
		if err != nil {
			return Identity{}, err
		}
		key := StorageKey(id)

		exists, err := storage.Exists(ctx, d.checker, key)
		if err != nil {
			return Identity{}, fmt.Errorf("check %s: %w", key, err)
		}
		if !exists {
			return Identity{ID: id, StorageKey: key}, nil
		}
		d.logger.Warnf("Identity collision on %s (attempt %d/%d)", key, attempt, d.maxAttempts)
	}

	return Identity{}, fmt.Errorf("%w after %d attempts", ErrIdentityExhausted, d.maxAttempts)
}

func (d *Deriver) compute(in Input, uploadedAt time.Time, salt []byte) (string, error) {
	h, err := blake2b.New256(d.key)
	if err != nil {
		return "", fmt.Errorf("create keyed hash: %w", err)
	}

	field := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	field(in.Filename)
	field(in.MimeType)
	field(in.Seed)

	var nums [16]byte
	binary.BigEndian.PutUint64(nums[:8], uint64(in.Size))
	binary.BigEndian.PutUint64(nums[8:], uint64(uploadedAt.UnixNano()))
	h.Write(nums[:])
	h.Write(salt)

	return encoding.EncodeToString(h.Sum(nil)[:idBytes]), nil
}

// StorageKey returns the object key of id, sharded by its first four characters.
func StorageKey(id string) string {
	return KeyPrefix + id[0:2] + "/" + id[2:4] + "/" + id
}

// ValidID reports whether id has the shape of a derived id.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// KeyForID validates id and returns its storage key.
func KeyForID(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return StorageKey(id), nil
}
