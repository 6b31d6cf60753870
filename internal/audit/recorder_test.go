package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestRecorder(t *testing.T, recordInput bool) *Recorder {
	t.Helper()
	r, err := NewRecorder(t.TempDir(), "session-1", 120, 40, recordInput)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// castLines reads the .cast file and returns its non-empty lines.
func castLines(t *testing.T, r *Recorder) []string {
	t.Helper()
	require.NoError(t, r.Close())
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	return lines
}

// =============================================================================
// NewRecorder
// =============================================================================

func TestNewRecorder_CreatesCastFile(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, "abc-123", 0, 0, false)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, filepath.Join(dir, "abc-123.cast"), r.Path())
	_, err = os.Stat(r.Path())
	assert.NoError(t, err)
}

func TestNewRecorder_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "sessions")
	r, err := NewRecorder(dir, "s", 0, 0, false)
	require.NoError(t, err)
	r.Close()

	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestNewRecorder_EmptyStoragePathRejected(t *testing.T) {
	_, err := NewRecorder("", "s", 0, 0, false)
	assert.Error(t, err)
}

func TestNewRecorder_HeaderIsValidAsciicastV2(t *testing.T) {
	r := newTestRecorder(t, false)
	lines := castLines(t, r)
	require.NotEmpty(t, lines)

	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &h))
	assert.EqualValues(t, 2, h["version"])
	assert.EqualValues(t, 120, h["width"])
	assert.EqualValues(t, 40, h["height"])
}

func TestRecorder_SetSizeBeforeFirstEventShapesHeader(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), "s", 0, 0, false)
	require.NoError(t, err)

	// The pty-req arrives after the recorder exists; its dimensions must
	// still land in the header.
	r.SetSize(132, 43)
	require.NoError(t, r.WriteSessionBytes("s", DirectionOutput, []byte("x")))

	lines := castLines(t, r)
	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &h))
	assert.EqualValues(t, 132, h["width"])
	assert.EqualValues(t, 43, h["height"])
}

func TestRecorder_SetSizeAfterHeaderWrittenIgnored(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), "s", 100, 30, false)
	require.NoError(t, err)

	require.NoError(t, r.WriteSessionBytes("s", DirectionOutput, []byte("x")))
	r.SetSize(10, 10)

	lines := castLines(t, r)
	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &h))
	assert.EqualValues(t, 100, h["width"])
	assert.EqualValues(t, 30, h["height"])
}

func TestNewRecorder_ZeroDimensionsDefaultTo80x24(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), "s", 0, 0, false)
	require.NoError(t, err)
	lines := castLines(t, r)

	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &h))
	assert.EqualValues(t, 80, h["width"])
	assert.EqualValues(t, 24, h["height"])
}

// =============================================================================
// WriteSessionBytes
// =============================================================================

func TestRecorder_OutputEventWritten(t *testing.T) {
	r := newTestRecorder(t, false)
	require.NoError(t, r.WriteSessionBytes("session-1", DirectionOutput, []byte("hello\r\n")))

	lines := castLines(t, r)
	require.Len(t, lines, 2, "header plus one event")

	var ev []any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	require.Len(t, ev, 3)
	assert.Equal(t, "o", ev[1])
	assert.Equal(t, "hello\r\n", ev[2])
}

func TestRecorder_InputSkippedByDefault(t *testing.T) {
	r := newTestRecorder(t, false)
	require.NoError(t, r.WriteSessionBytes("session-1", DirectionInput, []byte("secret password")))

	lines := castLines(t, r)
	assert.Len(t, lines, 1, "input frames must not be recorded unless enabled")
}

func TestRecorder_InputRecordedWhenEnabled(t *testing.T) {
	r := newTestRecorder(t, true)
	require.NoError(t, r.WriteSessionBytes("session-1", DirectionInput, []byte("ls\r")))

	lines := castLines(t, r)
	require.Len(t, lines, 2)

	var ev []any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, "i", ev[1])
}

func TestRecorder_EmptyFrameIgnored(t *testing.T) {
	r := newTestRecorder(t, true)
	require.NoError(t, r.WriteSessionBytes("session-1", DirectionOutput, nil))
	assert.Len(t, castLines(t, r), 1)
}

func TestRecorder_TimestampsMonotonic(t *testing.T) {
	r := newTestRecorder(t, false)
	require.NoError(t, r.WriteSessionBytes("s", DirectionOutput, []byte("a")))
	require.NoError(t, r.WriteSessionBytes("s", DirectionOutput, []byte("b")))

	lines := castLines(t, r)
	require.Len(t, lines, 3)

	var first, second []any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &second))
	assert.GreaterOrEqual(t, second[0].(float64), first[0].(float64))
}

func TestRecorder_WriteAfterCloseFails(t *testing.T) {
	r := newTestRecorder(t, false)
	require.NoError(t, r.Close())
	err := r.WriteSessionBytes("s", DirectionOutput, []byte("late"))
	assert.Error(t, err)
}

func TestRecorder_CloseIdempotent(t *testing.T) {
	r := newTestRecorder(t, false)
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

// =============================================================================
// NopSink / SinkWriter / MultiSink
// =============================================================================

func TestNopSink_Discards(t *testing.T) {
	assert.NoError(t, NopSink{}.WriteSessionBytes("s", DirectionOutput, []byte("x")))
}

// captureSink records calls for assertions.
type captureSink struct {
	sessions   []string
	directions []Direction
	frames     [][]byte
	err        error
}

func (c *captureSink) WriteSessionBytes(sessionID string, direction Direction, data []byte) error {
	c.sessions = append(c.sessions, sessionID)
	c.directions = append(c.directions, direction)
	c.frames = append(c.frames, append([]byte(nil), data...))
	return c.err
}

func TestSinkWriter_AdaptsWriterCalls(t *testing.T) {
	sink := &captureSink{}
	w := SinkWriter(sink, "session-9", DirectionInput)

	n, err := w.Write([]byte("typed"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, sink.frames, 1)
	assert.Equal(t, "session-9", sink.sessions[0])
	assert.Equal(t, DirectionInput, sink.directions[0])
	assert.Equal(t, []byte("typed"), sink.frames[0])
}

func TestSinkWriter_PropagatesSinkError(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	w := SinkWriter(sink, "s", DirectionOutput)
	_, err := w.Write([]byte("x"))
	assert.Error(t, err)
}

func TestMultiSink_FansOut(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	m := MultiSink{first, second}

	require.NoError(t, m.WriteSessionBytes("s", DirectionOutput, []byte("data")))
	assert.Len(t, first.frames, 1)
	assert.Len(t, second.frames, 1)
}

func TestMultiSink_FirstErrorReportedOthersStillWritten(t *testing.T) {
	failing := &captureSink{err: errors.New("broken")}
	healthy := &captureSink{}
	m := MultiSink{failing, healthy}

	err := m.WriteSessionBytes("s", DirectionOutput, []byte("data"))
	assert.Error(t, err)
	assert.Len(t, healthy.frames, 1, "one broken sink must not starve the others")
}
