package claude

import "bytes"

// LineFramer splits a byte stream into newline-delimited text frames,
// carrying partial-line state across Feed calls. It never parses JSON —
// that is the message classifier's job (classify.go).
//
// LineFramer is not safe for concurrent use; the transport's reader
// goroutine is its only caller.
type LineFramer struct {
	residual []byte
}

// Feed appends chunk to the residual buffer and returns zero or more
// complete lines found in it. Trailing '\r' and surrounding whitespace are
// trimmed from each line; empty lines are discarded rather than emitted.
func (f *LineFramer) Feed(chunk []byte) []string {
	f.residual = append(f.residual, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.residual, '\n')
		if idx < 0 {
			break
		}
		line := f.residual[:idx]
		f.residual = f.residual[idx+1:]
		if trimmed := trimFrame(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// Flush returns any non-empty residual left over after the source reached
// EOF, as the final frame. The second return value is false when there is
// no residual to emit.
func (f *LineFramer) Flush() (string, bool) {
	trimmed := trimFrame(f.residual)
	f.residual = nil
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

func trimFrame(b []byte) string {
	return string(bytes.TrimSpace(b))
}
