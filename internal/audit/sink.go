// Package audit records and streams session data. Recording failures are
// reported but never abort the session being recorded.
package audit

import "io"

// Direction labels which way a relayed chunk was flowing.
// The values double as asciinema v2 event types.
type Direction string

const (
	// DirectionInput is client → target (what the operator typed).
	DirectionInput Direction = "i"

	// DirectionOutput is target → client (what the operator saw).
	DirectionOutput Direction = "o"
)

// Sink consumes relayed session bytes. Implementations must be safe for
// concurrent use: the two directions of one session are written from
// separate goroutines.
type Sink interface {
	WriteSessionBytes(sessionID string, direction Direction, data []byte) error
}

// SinkWriter adapts one (session, direction) pair of a Sink to io.Writer
// so it can be wired into the relay bridge as a tap.
func SinkWriter(s Sink, sessionID string, direction Direction) io.Writer {
	return &sinkWriter{sink: s, sessionID: sessionID, direction: direction}
}

type sinkWriter struct {
	sink      Sink
	sessionID string
	direction Direction
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	if err := w.sink.WriteSessionBytes(w.sessionID, w.direction, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// MultiSink fans session bytes out to several sinks. Every sink is
// attempted even when an earlier one fails; the first error is returned.
type MultiSink []Sink

// WriteSessionBytes implements Sink.
func (m MultiSink) WriteSessionBytes(sessionID string, direction Direction, data []byte) error {
	var first error
	for _, s := range m {
		if err := s.WriteSessionBytes(sessionID, direction, data); err != nil && first == nil {
			first = err
		}
	}
	return first
}
