package rangeserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		size    int64
		want    *ByteRange
		wantErr error
	}{
		{name: "absent", header: "", size: 1000},
		{name: "other unit", header: "items=0-5", size: 1000},
		{name: "end before start is ignored", header: "bytes=500-400", size: 1000},
		{name: "start and end", header: "bytes=0-99", size: 1000, want: &ByteRange{Start: 0, End: 99}},
		{name: "open ended", header: "bytes=900-", size: 1000, want: &ByteRange{Start: 900, End: 999}},
		{name: "end past size is clamped", header: "bytes=500-5000", size: 1000, want: &ByteRange{Start: 500, End: 999}},
		{name: "suffix", header: "bytes=-100", size: 1000, want: &ByteRange{Start: 900, End: 999}},
		{name: "suffix longer than object", header: "bytes=-5000", size: 1000, want: &ByteRange{Start: 0, End: 999}},
		{name: "single byte", header: "bytes=0-0", size: 1000, want: &ByteRange{Start: 0, End: 0}},
		{name: "case and spaces", header: " Bytes= 10 - 19 ", size: 1000, want: &ByteRange{Start: 10, End: 19}},
		{name: "start beyond size", header: "bytes=2000-", size: 1000, wantErr: ErrRangeNotSatisfiable},
		{name: "start at size", header: "bytes=1000-1001", size: 1000, wantErr: ErrRangeNotSatisfiable},
		{name: "empty object", header: "bytes=0-", size: 0, wantErr: ErrRangeNotSatisfiable},
		{name: "suffix of empty object", header: "bytes=-10", size: 0, wantErr: ErrRangeNotSatisfiable},
		{name: "multiple ranges", header: "bytes=0-1,5-6", size: 1000, wantErr: ErrRangeNotSupported},
		{name: "no dash", header: "bytes=50", size: 1000, wantErr: ErrMalformedRange},
		{name: "garbage", header: "bytes=a-b", size: 1000, wantErr: ErrMalformedRange},
		{name: "zero suffix", header: "bytes=-0", size: 1000, wantErr: ErrMalformedRange},
		{name: "negative start", header: "bytes=--5", size: 1000, wantErr: ErrMalformedRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.size)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeNotSatisfiableErrorCarriesSize(t *testing.T) {
	_, err := ParseRange("bytes=2000-", 1000)

	var rangeErr *RangeNotSatisfiableError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, int64(1000), rangeErr.Size)
}

func TestByteRangeHeaders(t *testing.T) {
	r := ByteRange{Start: 0, End: 99}

	assert.Equal(t, int64(100), r.Length())
	assert.Equal(t, "bytes 0-99/1000", r.ContentRange(1000))
	assert.Equal(t, "bytes */1000", UnsatisfiedRange(1000))
}
