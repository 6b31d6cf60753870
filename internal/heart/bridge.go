// Package heart relays channel data between the inbound client and the
// outbound target session — the data plane of one bastion session.
package heart

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Bridge manages bidirectional data flow between the SSH client and the
// target server session.
//
// It operates on io.ReadWriter instead of ssh.Channel so audit taps,
// command interception and tests can be injected without changing the
// Bridge structure.
//
// A close or error on either stream promptly terminates the other: the
// first direction to finish (and an external context cancellation) fires
// both close hooks, which unblocks the remaining copies. Nothing relies
// on socket finalizers.
type Bridge struct {
	client       io.ReadWriter  // client side (ssh.Channel)
	targetStdin  io.WriteCloser // stdin of the target session
	targetStdout io.Reader      // stdout of the target session
	targetStderr io.Reader      // stderr of the target session

	// closeClient and closeTarget tear down the respective sides. Either
	// may be nil. Invoked exactly once, together.
	closeClient func()
	closeTarget func()

	// inTap and outTap observe relayed bytes for the audit sink.
	// inTap sees client → target, outTap sees target → client.
	// A tap error is reported through onTapError but never stops the relay.
	inTap      io.Writer
	outTap     io.Writer
	onTapError func(direction string, err error)

	// detachInput makes Run return once both output directions drain,
	// without joining the client → stdin copy.
	detachInput bool

	bytesIn  atomic.Int64 // client → target
	bytesOut atomic.Int64 // target → client (stdout + stderr)

	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClosers registers teardown hooks for the client and target sides.
func WithClosers(closeClient, closeTarget func()) Option {
	return func(b *Bridge) {
		b.closeClient = closeClient
		b.closeTarget = closeTarget
	}
}

// WithTaps wires audit observers into the two directions. onTapError may
// be nil; tap failures are reported there and otherwise ignored — a broken
// recorder must not abort the session.
func WithTaps(inTap, outTap io.Writer, onTapError func(direction string, err error)) Option {
	return func(b *Bridge) {
		b.inTap = inTap
		b.outTap = outTap
		b.onTapError = onTapError
	}
}

// WithDetachedInput makes Run return as soon as both target output
// streams drain instead of also joining the client → stdin copy. Exec
// channels need this: a client may hold stdin open past command exit,
// and the exit status must still go out before the channel closes. The
// detached copy keeps running until the caller closes the client side;
// bytes it relays after Run returns are not counted.
func WithDetachedInput() Option {
	return func(b *Bridge) {
		b.detachInput = true
	}
}

// NewBridge creates a bridge between the client channel and the pipes of
// the target session.
func NewBridge(client io.ReadWriter, stdin io.WriteCloser, stdout, stderr io.Reader, opts ...Option) *Bridge {
	b := &Bridge{
		client:       client,
		targetStdin:  stdin,
		targetStdout: stdout,
		targetStderr: stderr,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run starts the relay and blocks until all directions are done or ctx is
// cancelled. Three copies run concurrently:
//
//   - target stdout → client
//   - target stderr → client
//   - client → target stdin
//
// The first one to finish closes both sides so the others unblock. With
// WithDetachedInput, draining the output directions alone completes the
// run — the target ending its side must not leave the session hanging on
// a client that never closes stdin.
func (b *Bridge) Run(ctx context.Context) {
	var out sync.WaitGroup
	out.Add(2)

	inDone := make(chan struct{})
	done := make(chan struct{})

	// External shutdown: closing both sides unblocks every copy.
	go func() {
		select {
		case <-ctx.Done():
			b.shutdown()
		case <-done:
		}
	}()

	// Direction: target stdout → client.
	go func() {
		defer out.Done()
		n, _ := io.Copy(b.client, b.tapped(b.targetStdout, b.outTap, "out"))
		b.bytesOut.Add(n)
		b.shutdown()
	}()

	// Direction: target stderr → client. When the client is an
	// ssh.Channel its dedicated stderr stream is used.
	go func() {
		defer out.Done()
		var w io.Writer = b.client
		if ch, ok := b.client.(ssh.Channel); ok {
			w = ch.Stderr()
		}
		n, _ := io.Copy(w, b.tapped(b.targetStderr, b.outTap, "out"))
		b.bytesOut.Add(n)
	}()

	// Direction: client → target stdin. Closing stdin signals EOF to the
	// target without tearing down the whole SSH channel; the full
	// teardown follows from shutdown().
	go func() {
		defer close(inDone)
		n, _ := io.Copy(b.targetStdin, b.tapped(b.client, b.inTap, "in"))
		b.bytesIn.Add(n)
		b.targetStdin.Close()
		b.shutdown()
	}()

	out.Wait()
	if !b.detachInput {
		<-inDone
	}
	close(done)
}

// BytesIn returns the number of bytes relayed client → target.
func (b *Bridge) BytesIn() int64 { return b.bytesIn.Load() }

// BytesOut returns the number of bytes relayed target → client.
func (b *Bridge) BytesOut() int64 { return b.bytesOut.Load() }

// shutdown fires both close hooks exactly once.
func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		if b.closeClient != nil {
			b.closeClient()
		}
		if b.closeTarget != nil {
			b.closeTarget()
		}
	})
}

// tapped wraps r so every read chunk is also offered to tap.
func (b *Bridge) tapped(r io.Reader, tap io.Writer, direction string) io.Reader {
	if tap == nil {
		return r
	}
	return &tapReader{r: r, tap: tap, direction: direction, onErr: b.onTapError}
}

// tapReader mirrors io.TeeReader but swallows tap errors: auditing is
// best-effort relative to the session itself.
type tapReader struct {
	r         io.Reader
	tap       io.Writer
	direction string
	onErr     func(string, error)
	failed    bool
}

func (t *tapReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 && !t.failed {
		if _, werr := t.tap.Write(p[:n]); werr != nil {
			t.failed = true
			if t.onErr != nil {
				t.onErr(t.direction, werr)
			}
		}
	}
	return n, err
}
