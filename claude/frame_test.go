package claude

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineFramer_SingleChunkMultipleLines(t *testing.T) {
	f := &LineFramer{}
	lines := f.Feed([]byte("{\"a\":1}\n{\"b\":2}\n"))
	require.Equal(t, []string{`{"a":1}`, `{"b":2}`}, lines)
}

func TestLineFramer_PartialLineAcrossFeeds(t *testing.T) {
	f := &LineFramer{}
	lines := f.Feed([]byte(`{"a":`))
	require.Empty(t, lines)

	lines = f.Feed([]byte("1}\n"))
	require.Equal(t, []string{`{"a":1}`}, lines)
}

func TestLineFramer_TrimsCRAndWhitespace(t *testing.T) {
	f := &LineFramer{}
	lines := f.Feed([]byte("  {\"a\":1}  \r\n"))
	require.Equal(t, []string{`{"a":1}`}, lines)
}

func TestLineFramer_DropsEmptyLines(t *testing.T) {
	f := &LineFramer{}
	lines := f.Feed([]byte("\n\n{\"a\":1}\n\n"))
	require.Equal(t, []string{`{"a":1}`}, lines)
}

func TestLineFramer_FlushEmitsResidual(t *testing.T) {
	f := &LineFramer{}
	lines := f.Feed([]byte(`{"a":1}`))
	require.Empty(t, lines, "no newline yet, nothing should be emitted")

	line, ok := f.Flush()
	require.True(t, ok)
	require.Equal(t, `{"a":1}`, line)

	// A second Flush with nothing left reports no residual.
	_, ok = f.Flush()
	require.False(t, ok)
}

func TestLineFramer_FlushOnWhitespaceOnlyResidualReportsNone(t *testing.T) {
	f := &LineFramer{}
	f.Feed([]byte("   \r"))
	_, ok := f.Flush()
	require.False(t, ok)
}

func TestLineFramer_ChunkBoundaryInsideMultiByteSequence(t *testing.T) {
	// A JSON line split mid-way through a multi-byte UTF-8 rune must still
	// reassemble correctly once the rest of the rune's bytes arrive.
	full := []byte(`{"text":"caf` + "é" + `"}` + "\n")
	f := &LineFramer{}
	var lines []string
	for i := 0; i < len(full); i++ {
		lines = append(lines, f.Feed(full[i:i+1])...)
	}
	require.Equal(t, []string{`{"text":"café"}`}, lines)
}
