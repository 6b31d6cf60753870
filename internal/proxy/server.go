package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"gatewarden/internal/audit"
	"gatewarden/internal/auth"
	"gatewarden/internal/policy"
	"gatewarden/internal/rbac"
)

const serverVersion = "SSH-2.0-Gatewarden_1.0"

// LimitsConfig holds configurable resource limits for the server.
// Zero value means no limit.
//
// Example config.yaml:
//
//	limits:
//	  max_connections: 100
//	  max_channels_per_conn: 10
type LimitsConfig struct {
	// MaxConnections is the maximum number of concurrent SSH connections
	// across all clients. Enforced by a semaphore — no race condition possible.
	// Recommended production value: 100–500 depending on server capacity.
	MaxConnections int

	// MaxChannelsPerConn is the maximum number of concurrent channels
	// within a single SSH connection. Each shell or exec request opens
	// a new channel.
	// Recommended production value: 10.
	MaxChannelsPerConn int
}

// SecurityConfig carries the command policy applied to relayed sessions.
type SecurityConfig struct {
	// Blocklist holds lowercase substrings; an interactive command line or
	// exec command containing any of them is refused.
	Blocklist []string

	// BlockDisconnects terminates the session on a blocked command instead
	// of suppressing the command and keeping the session open.
	BlockDisconnects bool
}

// AuditConfig controls session recording.
type AuditConfig struct {
	// StoragePath is the directory for asciicast recordings. Required when
	// any grant carries record-required.
	StoragePath string

	// RecordInput additionally captures client keystrokes in recordings.
	// Off by default: input may contain typed passwords.
	RecordInput bool
}

// Options bundles the tunables of a Server so the constructor signature
// stays stable as knobs are added.
type Options struct {
	Limits           LimitsConfig
	Security         SecurityConfig
	Audit            AuditConfig
	HandshakeTimeout time.Duration
	MaxAuthTries     int

	// ExtraSink, when set, receives session bytes in addition to per-session
	// recorders. Used to plug in a live Streamer.
	ExtraSink audit.Sink
}

// Server is a running instance of the Gatewarden bastion. It terminates
// inbound SSH sessions, authenticates and authorizes them, and proxies
// permitted sessions to target servers via TargetClient. Each accepted
// connection is driven by its own Broker.
type Server struct {
	addr          string
	hostKey       ssh.Signer
	authenticator *auth.Authenticator
	authorizer    *rbac.Authorizer
	store         policy.Store

	limits           LimitsConfig
	blocklist        []string
	blockDisconnects bool
	auditPath        string
	recordInput      bool
	handshakeTimeout time.Duration
	maxAuthTries     int
	extraSink        audit.Sink

	listener net.Listener
	wg       sync.WaitGroup

	// connSem is a buffered channel used as a semaphore to enforce
	// MaxConnections. A buffered channel of capacity N guarantees that at
	// most N goroutines hold a slot simultaneously — no atomic counters
	// needed. nil when MaxConnections is 0 (no limit configured).
	connSem chan struct{}

	// ready is closed by Start() once the listener is bound and accepting.
	// Tests and callers can block on <-s.Ready() to avoid polling.
	ready chan struct{}
}

// NewServer initialises the bastion server. Accepts a pre-parsed host key
// (ssh.Signer) so the caller can source it from a file, a database, or
// generate it in-memory for tests.
func NewServer(
	addr string,
	hostKey ssh.Signer,
	authenticator *auth.Authenticator,
	authorizer *rbac.Authorizer,
	store policy.Store,
	opts Options,
) (*Server, error) {
	if hostKey == nil {
		return nil, fmt.Errorf("host key is required")
	}
	if authenticator == nil || authorizer == nil || store == nil {
		return nil, fmt.Errorf("authenticator, authorizer and store are required")
	}

	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.MaxAuthTries == 0 {
		opts.MaxAuthTries = 5
	}

	s := &Server{
		addr:             addr,
		hostKey:          hostKey,
		authenticator:    authenticator,
		authorizer:       authorizer,
		store:            store,
		limits:           opts.Limits,
		blocklist:        opts.Security.Blocklist,
		blockDisconnects: opts.Security.BlockDisconnects,
		auditPath:        opts.Audit.StoragePath,
		recordInput:      opts.Audit.RecordInput,
		handshakeTimeout: opts.HandshakeTimeout,
		maxAuthTries:     opts.MaxAuthTries,
		extraSink:        opts.ExtraSink,
		ready:            make(chan struct{}),
	}

	// Initialise the connection semaphore only when a limit is configured.
	// A nil semaphore means "no limit" — checked before every acquire.
	if opts.Limits.MaxConnections > 0 {
		s.connSem = make(chan struct{}, opts.Limits.MaxConnections)
	}

	return s, nil
}

// Start begins accepting connections and blocks until the context is
// cancelled.
//
// Graceful shutdown: the listener is closed first (no new connections),
// then the server waits for all active sessions to finish naturally.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", s.addr, err)
	}
	log.Printf("[SSH] Gatewarden bastion listening on %s (max_connections=%d, max_channels_per_conn=%d)",
		s.addr, s.limits.MaxConnections, s.limits.MaxChannelsPerConn)

	// Signal that the listener is ready — unblocks Ready() waiters.
	// Closing a channel broadcasts to all receivers without race conditions.
	close(s.ready)

	go func() {
		<-ctx.Done()
		log.Printf("[SSH] Context cancelled — initiating graceful shutdown")
		s.listener.Close()
	}()

	for {
		nConn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Println("[SSH] Waiting for active sessions to finish...")
				s.wg.Wait()
				log.Println("[SSH] All sessions closed. Server stopped.")
				return nil
			}
			log.Printf("[SSH] Accept error: %v", err)
			continue
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				log.Printf("[LIMIT] Connection rejected from %s: limit reached (%d/%d)",
					nConn.RemoteAddr(), len(s.connSem), cap(s.connSem))
				nConn.Close()
				continue
			}
		}

		broker := newBroker(s, nConn)
		log.Printf("[SESSION] %s accepted from %s", broker.id, nConn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connSem != nil {
				defer func() { <-s.connSem }()
			}
			broker.handle(ctx)
		}()
	}
}

// Addr returns the bound listener address. Valid only after Ready().
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// activeConns returns the current number of open connections.
// Reads directly from the semaphore length — no separate counter needed.
func (s *Server) activeConns() int {
	if s.connSem == nil {
		return 0
	}
	return len(s.connSem)
}

// Ready returns a channel that is closed once the listener is bound and
// accepting connections. Use it in tests to avoid polling:
//
//	<-srv.Ready()  // blocks until Start() has bound the port
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}
