package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRange_NoHeaderMeansFullResource(t *testing.T) {
	br, err := ParseRange("", 1000)
	require.NoError(t, err)
	require.True(t, br.Full)
	require.EqualValues(t, 0, br.Start)
	require.EqualValues(t, 999, br.End)
}

func TestParseRange_NoHeaderUnknownSize(t *testing.T) {
	br, err := ParseRange("", 0)
	require.NoError(t, err)
	require.True(t, br.Full)
	require.EqualValues(t, 0, br.Start)
	require.EqualValues(t, -1, br.End)
}

func TestParseRange_FirstByte(t *testing.T) {
	br, err := ParseRange("bytes=0-0", 1000)
	require.NoError(t, err)
	require.False(t, br.Full)
	require.EqualValues(t, 0, br.Start)
	require.EqualValues(t, 0, br.End)
}

func TestParseRange_OpenEndedAtLastByte(t *testing.T) {
	br, err := ParseRange("bytes=999-", 1000)
	require.NoError(t, err)
	require.EqualValues(t, 999, br.Start)
	require.EqualValues(t, 999, br.End)
}

func TestParseRange_OpenEndedMidway(t *testing.T) {
	br, err := ParseRange("bytes=500-", 1000)
	require.NoError(t, err)
	require.EqualValues(t, 500, br.Start)
	require.EqualValues(t, 999, br.End)
}

func TestParseRange_EndBeyondTotalClamps(t *testing.T) {
	br, err := ParseRange("bytes=500-99999", 1000)
	require.NoError(t, err)
	require.EqualValues(t, 500, br.Start)
	require.EqualValues(t, 999, br.End)
}

func TestParseRange_SuffixRange(t *testing.T) {
	br, err := ParseRange("bytes=-500", 1000)
	require.NoError(t, err)
	require.EqualValues(t, 500, br.Start)
	require.EqualValues(t, 999, br.End)
}

func TestParseRange_SuffixLargerThanTotalClampsToZero(t *testing.T) {
	br, err := ParseRange("bytes=-5000", 1000)
	require.NoError(t, err)
	require.EqualValues(t, 0, br.Start)
	require.EqualValues(t, 999, br.End)
}

func TestParseRange_MultiRangeIsRejected(t *testing.T) {
	_, err := ParseRange("bytes=0-99,200-299", 1000)
	require.ErrorIs(t, err, ErrMultiRange)
}

func TestParseRange_StartAtOrBeyondTotalIsUnsatisfiable(t *testing.T) {
	_, err := ParseRange("bytes=1000-", 1000)
	require.ErrorIs(t, err, ErrUnsatisfiable)
}

func TestParseRange_StartAfterEndIsUnsatisfiable(t *testing.T) {
	_, err := ParseRange("bytes=500-100", 1000)
	require.ErrorIs(t, err, ErrUnsatisfiable)
}

func TestParseRange_MissingBytesPrefixIsMalformed(t *testing.T) {
	_, err := ParseRange("chunks=0-100", 1000)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRange_NoDashIsMalformed(t *testing.T) {
	_, err := ParseRange("bytes=500", 1000)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRange_EmptyRangeSpecIsMalformed(t *testing.T) {
	_, err := ParseRange("bytes=-", 1000)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRange_NonNumericIsMalformed(t *testing.T) {
	_, err := ParseRange("bytes=abc-def", 1000)
	require.ErrorIs(t, err, ErrMalformed)
}
