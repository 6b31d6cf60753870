package audit

import (
	"fmt"
	"io"
	"log"
	"sync"
)

const (
	// DefaultMaxObservers is the default cap when StreamerConfig.MaxObservers is zero.
	DefaultMaxObservers = 10

	// observerChanSize is the per-observer channel buffer. Frames are
	// dropped when the channel is full — the session is never slowed down
	// by an observer.
	observerChanSize = 64

	// replayBufSize is the size of the ring buffer sent to observers
	// joining mid-session so they have immediate context.
	replayBufSize = 4 * 1024
)

// StreamerConfig holds tunable parameters for a Streamer.
type StreamerConfig struct {
	// MaxObservers is the maximum number of concurrent observers per
	// session. 0 means DefaultMaxObservers.
	MaxObservers int
}

// Streamer broadcasts one session's output to zero or more live
// observers. It implements Sink and only forwards the output direction —
// observers see what the operator sees, not what they type.
//
// Each observer gets its own goroutine and buffered channel so a slow
// observer never blocks the session; frames are dropped instead of queued
// indefinitely. Observers joining mid-session first receive the last 4 KB
// of output as a replay.
//
// Safe for concurrent use.
type Streamer struct {
	mu           sync.RWMutex
	observers    map[uint64]*observer
	nextID       uint64
	maxObservers int

	// replayBuf is a ring buffer of the last replayBufSize bytes.
	replayBuf []byte
	replayPos int
	replayLen int
}

// observer holds the per-observer state.
type observer struct {
	id   uint64
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewStreamer creates a Streamer with the given config.
func NewStreamer(cfg StreamerConfig) *Streamer {
	max := cfg.MaxObservers
	if max <= 0 {
		max = DefaultMaxObservers
	}
	return &Streamer{
		observers:    make(map[uint64]*observer),
		maxObservers: max,
		replayBuf:    make([]byte, replayBufSize),
	}
}

// WriteSessionBytes implements Sink. Fans each output frame out to all
// current observers asynchronously; never blocks.
func (s *Streamer) WriteSessionBytes(_ string, direction Direction, data []byte) error {
	if direction != DirectionOutput || len(data) == 0 {
		return nil
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	s.mu.Lock()
	s.appendReplay(frame)
	for _, obs := range s.observers {
		select {
		case obs.ch <- frame:
		default:
			// Observer channel full — drop frame, keep the session moving.
			log.Printf("[AUDIT] observer %d too slow, frame dropped", obs.id)
		}
	}
	s.mu.Unlock()

	return nil
}

// Subscribe registers w as a new observer. The observer immediately
// receives a replay of the last 4 KB of session output, then live frames.
//
// Returns an unsubscribe function — the caller must call it when the
// observer disconnects to release resources. Errors when the observer
// limit has been reached.
func (s *Streamer) Subscribe(w io.Writer) (unsubscribe func(), err error) {
	s.mu.Lock()

	if len(s.observers) >= s.maxObservers {
		s.mu.Unlock()
		return nil, fmt.Errorf("audit: observer limit reached (%d)", s.maxObservers)
	}

	id := s.nextID
	s.nextID++

	obs := &observer{
		id:   id,
		ch:   make(chan []byte, observerChanSize),
		done: make(chan struct{}),
	}

	// Snapshot the replay buffer while holding the lock.
	replay := s.replaySnapshot()

	s.observers[id] = obs
	count := len(s.observers)
	s.mu.Unlock()

	log.Printf("[AUDIT] observer %d subscribed (%d/%d)", id, count, s.maxObservers)

	go func() {
		if len(replay) > 0 {
			if _, err := w.Write(replay); err != nil {
				log.Printf("[AUDIT] observer %d replay write error: %v", id, err)
				obs.close()
				return
			}
		}

		for {
			select {
			case frame := <-obs.ch:
				if _, err := w.Write(frame); err != nil {
					log.Printf("[AUDIT] observer %d write error: %v", id, err)
					return
				}
			case <-obs.done:
				return
			}
		}
	}()

	unsubscribe = func() {
		obs.close()
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
		log.Printf("[AUDIT] observer %d unsubscribed", id)
	}

	return unsubscribe, nil
}

// ObserverCount returns the number of currently active observers.
func (s *Streamer) ObserverCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

// Close unsubscribes all observers. Called when the session ends.
func (s *Streamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, obs := range s.observers {
		obs.close()
		delete(s.observers, id)
	}
	return nil
}

// appendReplay writes p into the ring buffer. Must be called with s.mu held.
func (s *Streamer) appendReplay(p []byte) {
	for _, b := range p {
		s.replayBuf[s.replayPos] = b
		s.replayPos = (s.replayPos + 1) % replayBufSize
		if s.replayLen < replayBufSize {
			s.replayLen++
		}
	}
}

// replaySnapshot returns a copy of the current replay buffer contents in
// chronological order. Must be called with s.mu held.
func (s *Streamer) replaySnapshot() []byte {
	if s.replayLen == 0 {
		return nil
	}
	out := make([]byte, s.replayLen)
	if s.replayLen < replayBufSize {
		copy(out, s.replayBuf[:s.replayLen])
	} else {
		n := copy(out, s.replayBuf[s.replayPos:])
		copy(out[n:], s.replayBuf[:s.replayPos])
	}
	return out
}

// close signals the observer goroutine to stop. Idempotent.
func (o *observer) close() {
	o.once.Do(func() { close(o.done) })
}
