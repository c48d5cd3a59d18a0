package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_ValidPath(t *testing.T) {
	fp, err := Parse("/source1/media1/1080p")
	require.NoError(t, err)
	require.Equal(t, Fingerprint{SourceID: "source1", MediaID: "media1", Quality: "1080p"}, fp)
}

func TestParse_TrimsLeadingAndTrailingSlashes(t *testing.T) {
	fp, err := Parse("//source1/media1/1080p/")
	require.NoError(t, err)
	require.Equal(t, "source1", fp.SourceID)
}

func TestParse_WrongSegmentCount(t *testing.T) {
	_, err := Parse("/source1/media1")
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = Parse("/source1/media1/1080p/extra")
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestParse_EmptySegmentIsInvalid(t *testing.T) {
	_, err := Parse("/source1//1080p")
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestPath_RoundTripsThroughParse(t *testing.T) {
	fp := Fingerprint{SourceID: "source1", MediaID: "media1", Quality: "1080p"}
	parsed, err := Parse(fp.Path())
	require.NoError(t, err)
	require.Equal(t, fp, parsed)
}

// TestPath_EscapesUnsafeCharacters checks that characters meaningful to
// path splitting (spaces, embedded slashes) are percent-escaped so Path's
// output still parses back into exactly three segments; Parse itself does
// not unescape (that already happened upstream, at the HTTP layer), so the
// segments here remain in their escaped form.
func TestPath_EscapesUnsafeCharacters(t *testing.T) {
	fp := Fingerprint{SourceID: "source one", MediaID: "media/two", Quality: "1080p"}
	path := fp.Path()
	require.NotContains(t, path, " ")

	parsed, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "source%20one", parsed.SourceID)
	require.Equal(t, "media%2Ftwo", parsed.MediaID)
}

func TestString_IsHumanReadable(t *testing.T) {
	fp := Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}
	require.Equal(t, "s1/m1/1080p", fp.String())
}
