package claude

import "bytes"

// LineBuffer reassembles newline-delimited output that arrives in arbitrary
// chunks. Whatever follows the last newline is kept until the next Write.
type LineBuffer struct {
	pending []byte
}

// Write appends a chunk and returns every line it completed, without the
// trailing newline or carriage return. Blank lines are dropped.
func (b *LineBuffer) Write(chunk []byte) [][]byte {
	b.pending = append(b.pending, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(b.pending[:idx], "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		b.pending = b.pending[idx+1:]
	}

	// Drop the consumed prefix so the backing array does not grow forever.
	if len(b.pending) == 0 {
		b.pending = nil
	} else {
		b.pending = append([]byte(nil), b.pending...)
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the buffer.
func (b *LineBuffer) Flush() []byte {
	rest := bytes.TrimSpace(b.pending)
	b.pending = nil
	if len(rest) == 0 {
		return nil
	}
	return append([]byte(nil), rest...)
}

// Len reports how many bytes are waiting for a newline.
func (b *LineBuffer) Len() int {
	return len(b.pending)
}
