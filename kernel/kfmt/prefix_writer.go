package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Subsystems use it to tag their log
// output, e.g. "[pmm] ".
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// NewPrefixWriter returns a PrefixWriter that tags every line with prefix
// and forwards it to the active output sink, or the early print buffer if
// no sink is set. It must only be written to through Fprintf.
func NewPrefixWriter(prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: activeSink{}, Prefix: []byte(prefix)}
}

// activeSink writes to the current output sink. Callers must hold printLock.
type activeSink struct{}

func (activeSink) Write(p []byte) (int, error) {
	write(outputSink, p)
	return len(p), nil
}

// Write writes p to the sink, emitting the prefix before the first byte of
// every line. The prefix bytes are not included in the returned count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				w.midLine = false
				break
			}
		}

		n, err := w.Sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}
		p = p[lineLen:]
	}

	return written, nil
}
