package rangeserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const bytesUnit = "bytes="

var (
	// ErrRangeNotSatisfiable is matched by every *RangeNotSatisfiableError.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	// ErrRangeNotSupported is returned for multi-range requests.
	ErrRangeNotSupported = errors.New("multiple ranges are not supported")
	// ErrMalformedRange ...
	ErrMalformedRange = errors.New("malformed range")
)

// RangeNotSatisfiableError carries the real size of the object so the
// response can advertise it.
type RangeNotSatisfiableError struct {
	Size int64
}

func (e *RangeNotSatisfiableError) Error() string {
	return fmt.Sprintf("range not satisfiable for size %d", e.Size)
}

// Is ...
func (e *RangeNotSatisfiableError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

// ByteRange is an inclusive byte interval of an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Length ...
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value of r.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// UnsatisfiedRange formats the Content-Range header value of a 416 response.
func UnsatisfiedRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// ParseRange parses a single byte range (start-end, start- or -suffix) against
// an object of size bytes. It returns nil when the header is absent, uses a
// unit other than bytes or ends before it starts, in which case the whole
// object is served.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	if len(header) < len(bytesUnit) || !strings.EqualFold(header[:len(bytesUnit)], bytesUnit) {
		return nil, nil
	}

	spec := strings.TrimSpace(header[len(bytesUnit):])
	if strings.Contains(spec, ",") {
		return nil, ErrRangeNotSupported
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		suffix, err := strconv.ParseInt(last, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		if size == 0 {
			return nil, &RangeNotSatisfiableError{Size: size}
		}
		return &ByteRange{Start: max(0, size-suffix), End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	end := size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		if end < start {
			return nil, nil
		}
	}
	if start >= size {
		return nil, &RangeNotSatisfiableError{Size: size}
	}
	return &ByteRange{Start: start, End: min(end, size-1)}, nil
}
