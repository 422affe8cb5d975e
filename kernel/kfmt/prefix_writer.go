package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// Sink receives the prefixed output. While nil, output is captured
	// by the same early buffer that Printf uses.
	Sink io.Writer

	// Prefix is written before the first byte of every line.
	Prefix []byte

	// midLine is set when the last write did not end with a line feed.
	midLine bool
}

// Write writes p to the sink, emitting the prefix whenever a new line
// begins. The returned byte count only includes bytes from p.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for i := 0; i < len(p); i++ {
		if p[i] != '\n' {
			continue
		}

		n, err := w.writeLine(p[lineStart : i+1])
		written += n
		if err != nil {
			return written, err
		}
		w.midLine = false
		lineStart = i + 1
	}

	if lineStart < len(p) {
		n, err := w.writeLine(p[lineStart:])
		written += n
		w.midLine = true
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *PrefixWriter) writeLine(line []byte) (int, error) {
	if !w.midLine {
		if _, err := w.sinkWrite(w.Prefix); err != nil {
			return 0, err
		}
	}

	return w.sinkWrite(line)
}

func (w *PrefixWriter) sinkWrite(p []byte) (int, error) {
	if w.Sink == nil {
		return earlyBuffer.Write(p)
	}

	return w.Sink.Write(p)
}
