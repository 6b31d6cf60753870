package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// header is the asciinema v2 .cast file header (first line, JSON).
type header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// event is a single asciinema v2 event: [time, type, data].
type event [3]interface{}

// Recorder writes one session to an asciinema v2 .cast file. Output
// frames are always recorded; input frames only when recordInput is set,
// since typed input can contain passwords echoed off.
//
// The header line is written with the first event (or at Close for an
// empty session) rather than at creation: a recorder exists before the
// client's pty-req arrives, and SetSize lets the real terminal
// dimensions land in the header.
//
// Implements Sink. Safe for concurrent use.
type Recorder struct {
	mu            sync.Mutex
	f             *os.File
	enc           *json.Encoder
	startTime     time.Time
	recordInput   bool
	closed        bool
	title         string
	width, height int
	headerWritten bool
}

// NopSink discards all data — used when recording is not required so the
// relay needs no nil checks.
type NopSink struct{}

// WriteSessionBytes implements Sink.
func (NopSink) WriteSessionBytes(string, Direction, []byte) error { return nil }

// NewRecorder creates a Recorder writing to storagePath/<sessionID>.cast.
// The directory is created if it does not exist. Width and height come
// from the client's pty request — zero means not yet known; unset
// dimensions are recorded as 80x24.
func NewRecorder(storagePath, sessionID string, width, height int, recordInput bool) (*Recorder, error) {
	if storagePath == "" {
		return nil, fmt.Errorf("audit: storage path is empty")
	}

	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create storage dir: %w", err)
	}

	path := filepath.Join(storagePath, sessionID+".cast")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audit: create cast file %s: %w", path, err)
	}

	return &Recorder{
		f:           f,
		enc:         json.NewEncoder(f),
		startTime:   time.Now(),
		recordInput: recordInput,
		title:       sessionID,
		width:       width,
		height:      height,
	}, nil
}

// SetSize records the client terminal dimensions for the header.
// Effective until the header has been written with the first event;
// later calls are ignored.
func (r *Recorder) SetSize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headerWritten || r.closed {
		return
	}
	if width > 0 {
		r.width = width
	}
	if height > 0 {
		r.height = height
	}
}

// writeHeader emits the header line. Caller holds r.mu.
func (r *Recorder) writeHeader() error {
	w, h := r.width, r.height
	if w <= 0 {
		w = 80
	}
	if h <= 0 {
		h = 24
	}
	r.headerWritten = true
	return r.enc.Encode(header{
		Version:   2,
		Width:     w,
		Height:    h,
		Timestamp: r.startTime.Unix(),
		Title:     r.title,
		Env:       map[string]string{"TERM": "xterm-256color"},
	})
}

// WriteSessionBytes implements Sink: frames become timestamped events.
func (r *Recorder) WriteSessionBytes(_ string, direction Direction, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if direction == DirectionInput && !r.recordInput {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("audit: recorder already closed")
	}
	if !r.headerWritten {
		if err := r.writeHeader(); err != nil {
			return fmt.Errorf("audit: write cast header: %w", err)
		}
	}
	elapsed := time.Since(r.startTime).Seconds()
	return r.enc.Encode(event{elapsed, string(direction), string(data)})
}

// Close flushes and closes the underlying file. A session with no
// recorded events still gets its header so the file stays well-formed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if !r.headerWritten {
		r.writeHeader()
	}
	r.closed = true
	return r.f.Close()
}

// Path returns the path to the .cast file.
func (r *Recorder) Path() string {
	return r.f.Name()
}
