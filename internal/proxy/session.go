package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"gatewarden/internal/audit"
	"gatewarden/internal/command"
	"gatewarden/internal/heart"
	"gatewarden/internal/policy"
	"gatewarden/internal/rbac"
)

// recordFlushTimeout bounds the session-record write at teardown so a
// slow policy store cannot hold the connection goroutine hostage.
const recordFlushTimeout = 5 * time.Second

// Broker owns the lifecycle of one bastion session: inbound handshake,
// authentication, authorization, outbound connect and relay. One broker
// per accepted TCP connection, driven from its own goroutine; a broker's
// failure never affects its siblings.
type Broker struct {
	id   string
	srv  *Server
	conn net.Conn

	machine  Machine
	identity *policy.Identity
	selector string
	decision *rbac.Decision
	recorder *audit.Recorder

	// viaPublicKey marks a connection whose last accepted auth callback
	// was a public key. The guard counter for it is reset only once the
	// handshake completes — the callback alone also answers signatureless
	// key queries, which prove nothing.
	viaPublicKey bool

	record   policy.SessionRecord
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// newBroker creates a broker for one accepted connection.
func newBroker(srv *Server, conn net.Conn) *Broker {
	id := uuid.NewString()
	return &Broker{
		id:   id,
		srv:  srv,
		conn: conn,
		record: policy.SessionRecord{
			ID:         id,
			RemoteAddr: conn.RemoteAddr().String(),
			StartedAt:  time.Now().UTC(),
		},
	}
}

// fail moves the machine to StateFailed, tolerating a machine already in
// a terminal state (a late failure after clean close is just logged).
func (b *Broker) fail(reason string) {
	if !b.machine.Current().Terminal() {
		b.machine.Advance(StateFailed)
	}
	log.Printf("[SESSION] %s failed: %s", b.id, reason)
}

// handle runs the session to completion. ctx is the server's lifetime —
// its cancellation tears down the relay on shutdown.
func (b *Broker) handle(ctx context.Context) {
	defer b.conn.Close()

	outcome := policy.OutcomeError
	defer func() { b.finalize(outcome) }()

	if err := b.machine.Advance(StateHandshaking); err != nil {
		b.fail(err.Error())
		return
	}

	// Shutdown watcher: closing the raw conn unblocks the handshake, the
	// channel loop and every request loop above it. Without it an idle
	// authenticated client would pin this goroutine past ctx cancellation
	// and stall the server's graceful drain.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			b.conn.Close()
		case <-watchDone:
		}
	}()

	// The handshake and authentication phases carry a deadline so a
	// client that connects and stalls cannot pin a goroutine forever.
	if b.srv.handshakeTimeout > 0 {
		b.conn.SetDeadline(time.Now().Add(b.srv.handshakeTimeout))
	}

	sconn, chans, reqs, err := ssh.NewServerConn(b.conn, b.serverConfig(ctx))
	if err != nil {
		// Either a protocol failure or the client ran out of auth
		// attempts. The distinction is already logged by the
		// authenticator; here only the session outcome differs.
		if b.machine.Current() == StateAuthenticating {
			outcome = policy.OutcomeDenied
			b.fail(fmt.Sprintf("authentication failed from %s: %v", b.conn.RemoteAddr(), err))
		} else {
			b.fail((&ProtocolError{Err: err}).Error())
		}
		return
	}
	defer sconn.Close()
	b.conn.SetDeadline(time.Time{})

	log.Printf("[SSH] Connected: session=%s user=%q addr=%s client=%s",
		b.id, sconn.User(), sconn.RemoteAddr(), sconn.ClientVersion())
	go ssh.DiscardRequests(reqs)

	b.record.Identity = b.identity.Username
	if b.viaPublicKey {
		// The signature has been verified by now; only here does a
		// public-key login count as a guard success.
		b.srv.authenticator.ConfirmSuccess(b.identity.Username, b.conn.RemoteAddr())
	}

	if err := b.machine.Advance(StateAuthorizing); err != nil {
		b.fail(err.Error())
		return
	}

	decision, err := b.srv.authorizer.Authorize(ctx, b.identity, b.selector)
	switch {
	case errors.Is(err, rbac.ErrDenied):
		outcome = policy.OutcomeDenied
		b.fail(fmt.Sprintf("authorization denied: user=%q selector=%q", b.identity.Username, b.selector))
		rejectAll(chans, ssh.Prohibited, "access denied")
		return
	case err != nil:
		b.fail(fmt.Sprintf("authorization unavailable: %v", err))
		rejectAll(chans, ssh.ConnectionFailed, "connection failed")
		return
	}
	b.decision = decision
	b.record.Target = decision.Target.Name

	if err := b.machine.Advance(StateConnecting); err != nil {
		b.fail(err.Error())
		return
	}

	target, err := DialTarget(decision.Target, nil)
	if err != nil {
		// Backend trouble, not the caller's credential: the client only
		// sees "connection failed".
		b.fail(fmt.Sprintf("target unreachable: %v", err))
		rejectAll(chans, ssh.ConnectionFailed, "connection failed")
		return
	}
	defer target.Close()
	log.Printf("[PROXY] Connected to target %s for session %s", target.Addr(), b.id)

	sink, closeSink := b.buildSink()
	defer closeSink()

	// Per-connection channel semaphore, mirroring the connection-level one.
	var chanSem chan struct{}
	if b.srv.limits.MaxChannelsPerConn > 0 {
		chanSem = make(chan struct{}, b.srv.limits.MaxChannelsPerConn)
	}

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			log.Printf("[SSH] Rejected channel of type %q", newChannel.ChannelType())
			continue
		}

		if chanSem != nil {
			select {
			case chanSem <- struct{}{}:
			default:
				log.Printf("[LIMIT] Channel rejected for session %s: limit reached (%d/%d)",
					b.id, len(chanSem), cap(chanSem))
				newChannel.Reject(ssh.ResourceShortage, "too many channels")
				continue
			}
		}

		clientChan, clientReqs, err := newChannel.Accept()
		if err != nil {
			log.Printf("[SSH] Failed to accept session channel: %v", err)
			if chanSem != nil {
				<-chanSem
			}
			continue
		}

		targetSession, err := target.NewSession()
		if err != nil {
			log.Printf("[PROXY] Failed to open target session: %v", err)
			clientChan.Close()
			if chanSem != nil {
				<-chanSem
			}
			continue
		}

		// First channel takes the session into Relaying; later channels
		// join an already-relaying session.
		if b.machine.Current() == StateConnecting {
			if err := b.machine.Advance(StateRelaying); err != nil {
				b.fail(err.Error())
				clientChan.Close()
				targetSession.Close()
				if chanSem != nil {
					<-chanSem
				}
				return
			}
		}

		b.srv.wg.Add(1)
		go func() {
			defer b.srv.wg.Done()
			if chanSem != nil {
				defer func() { <-chanSem }()
			}
			b.handleChannel(ctx, clientChan, clientReqs, targetSession, sink)
		}()
	}

	if b.machine.Current() == StateRelaying {
		if err := b.machine.Advance(StateClosed); err == nil {
			outcome = policy.OutcomeEstablished
		}
	} else if !b.machine.Current().Terminal() {
		// Handshake and auth succeeded but the client never opened a
		// channel that reached the target.
		outcome = policy.OutcomeDenied
		b.fail("no relayed channel")
	}
}

// serverConfig builds the per-connection ssh.ServerConfig. Credentials
// are validated by the shared Authenticator; the broker only stashes the
// resolved identity and the requested target selector.
//
// The SSH username carries both: "alice:web-1" authenticates the identity
// "alice" and requests the target "web-1".
func (b *Broker) serverConfig(ctx context.Context) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: serverVersion,
		MaxAuthTries:  b.srv.maxAuthTries,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			b.noteAuthAttempt()
			username, selector := splitLogin(meta.User())
			id, err := b.srv.authenticator.AuthenticatePassword(ctx, username, password, meta.RemoteAddr())
			if err != nil {
				return nil, errDenied
			}
			b.identity, b.selector = id, selector
			b.viaPublicKey = false
			return nil, nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			b.noteAuthAttempt()
			username, selector := splitLogin(meta.User())
			id, err := b.srv.authenticator.AuthenticatePublicKey(ctx, username, key, meta.RemoteAddr())
			if err != nil {
				return nil, errDenied
			}
			b.identity, b.selector = id, selector
			b.viaPublicKey = true
			return nil, nil
		},
	}
	cfg.AddHostKey(b.srv.hostKey)
	return cfg
}

// errDenied is the one error every failed authentication maps to on the
// wire. Lockouts, unknown users, backend outages and wrong credentials
// are distinguished in logs only — never to the client.
var errDenied = errors.New("access denied")

// noteAuthAttempt advances Handshaking -> Authenticating on the first
// credential offer. Auth callbacks run synchronously inside
// ssh.NewServerConn, on the broker's own goroutine.
func (b *Broker) noteAuthAttempt() {
	if b.machine.Current() == StateHandshaking {
		b.machine.Advance(StateAuthenticating)
	}
}

// splitLogin splits "identity:selector" from the SSH username. A login
// without a selector authenticates but cannot be authorized for any
// target.
func splitLogin(user string) (identity, selector string) {
	if i := strings.IndexByte(user, ':'); i >= 0 {
		return user[:i], user[i+1:]
	}
	return user, ""
}

// buildSink assembles the audit sink for this session: a .cast recorder
// when the decision requires recording, plus the server-wide sink (live
// streamer) when one is configured. Recorder setup failure is reported
// but does not abort the session.
//
// The recorder is created before any pty-req has arrived, so its header
// dimensions are filled in later via SetSize when the client requests a
// terminal.
func (b *Broker) buildSink() (audit.Sink, func()) {
	var sinks audit.MultiSink

	if b.decision.RecordRequired {
		rec, err := audit.NewRecorder(b.srv.auditPath, b.id, 0, 0, b.srv.recordInput)
		if err != nil {
			log.Printf("[AUDIT] Recorder unavailable for session %s: %v", b.id, err)
		} else {
			log.Printf("[AUDIT] Recording session %s to %s", b.id, rec.Path())
			b.recorder = rec
			sinks = append(sinks, rec)
			if b.srv.extraSink != nil {
				sinks = append(sinks, b.srv.extraSink)
			}
			return sinks, func() { rec.Close() }
		}
	}

	if b.srv.extraSink != nil {
		sinks = append(sinks, b.srv.extraSink)
	}
	if len(sinks) == 0 {
		return audit.NopSink{}, func() {}
	}
	return sinks, func() {}
}

// ptyRequest holds the PTY parameters sent by the client, stored until
// "shell" or "exec" arrives so they can be forwarded to the target.
type ptyRequest struct {
	Term        string
	Width       uint32
	Height      uint32
	PixelWidth  uint32
	PixelHeight uint32
	Modes       string
}

// windowChangeRequest is the terminal resize signal. Without propagating
// it, TUI applications on the target render incorrectly.
type windowChangeRequest struct {
	Width       uint32
	Height      uint32
	PixelWidth  uint32
	PixelHeight uint32
}

// handleChannel negotiates PTY/shell/exec requests on one session channel
// and runs the relay between the client channel and the target session.
func (b *Broker) handleChannel(
	ctx context.Context,
	clientChan ssh.Channel,
	clientReqs <-chan *ssh.Request,
	targetSession *ssh.Session,
	sink audit.Sink,
) {
	defer clientChan.Close()
	defer targetSession.Close()

	targetStdin, err := targetSession.StdinPipe()
	if err != nil {
		log.Printf("[SESSION] Failed to get target stdin pipe: %v", err)
		return
	}
	targetStdout, err := targetSession.StdoutPipe()
	if err != nil {
		log.Printf("[SESSION] Failed to get target stdout pipe: %v", err)
		return
	}
	targetStderr, err := targetSession.StderrPipe()
	if err != nil {
		log.Printf("[SESSION] Failed to get target stderr pipe: %v", err)
		return
	}

	var ptyReq ptyRequest
	var hasPTY bool

	for req := range clientReqs {
		switch req.Type {

		case "pty-req":
			if err := ssh.Unmarshal(req.Payload, &ptyReq); err != nil {
				log.Printf("[SESSION] Failed to parse pty-req: %v", err)
				req.Reply(false, nil)
				continue
			}
			hasPTY = true
			if b.recorder != nil {
				b.recorder.SetSize(int(ptyReq.Width), int(ptyReq.Height))
			}
			req.Reply(true, nil)

		case "window-change":
			var winch windowChangeRequest
			if err := ssh.Unmarshal(req.Payload, &winch); err != nil {
				req.Reply(false, nil)
				continue
			}
			if err := targetSession.WindowChange(int(winch.Height), int(winch.Width)); err != nil {
				log.Printf("[SESSION] Failed to propagate window-change: %v", err)
			}
			req.Reply(true, nil)

		case "shell":
			req.Reply(true, nil)

			if hasPTY {
				if err := targetSession.RequestPty(
					ptyReq.Term,
					int(ptyReq.Height),
					int(ptyReq.Width),
					ssh.TerminalModes{},
				); err != nil {
					log.Printf("[SESSION] RequestPty failed: %v", err)
					io.WriteString(clientChan, "terminal setup failed\r\n")
					return
				}
			}

			if err := targetSession.Shell(); err != nil {
				log.Printf("[SESSION] Failed to start shell on target: %v", err)
				io.WriteString(clientChan, "connection failed\r\n")
				return
			}

			b.relay(ctx, clientChan, targetStdin, targetStdout, targetStderr, sink, true)

			if err := targetSession.Wait(); err != nil {
				log.Printf("[SESSION] Shell exited: %v", err)
			}
			return

		case "exec":
			var execPayload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &execPayload); err != nil {
				req.Reply(false, nil)
				continue
			}

			if blocked, reason := b.commandRules().Inspect(execPayload.Command); blocked {
				log.Printf("[SESSION] exec denied for session %s: %s", b.id, reason)
				req.Reply(true, nil)
				io.WriteString(clientChan, "access denied\r\n")
				clientChan.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{1}))
				return
			}
			req.Reply(true, nil)
			log.Printf("[SESSION] exec for session %s: %q", b.id, execPayload.Command)

			if err := targetSession.Start(execPayload.Command); err != nil {
				log.Printf("[SESSION] Failed to exec %q: %v", execPayload.Command, err)
				return
			}

			b.relay(ctx, clientChan, targetStdin, targetStdout, targetStderr, sink, false)

			waitErr := targetSession.Wait()
			if waitErr != nil {
				log.Printf("[SESSION] Exec %q exited: %v", execPayload.Command, waitErr)
			}
			forwardExitStatus(clientChan, waitErr)
			return

		case "env":
			// Environment is not forwarded to the target.
			req.Reply(true, nil)

		default:
			req.Reply(false, nil)
		}
	}
}

// relay wires the bridge for one channel: audit taps, the command
// interceptor for interactive sessions, close propagation, byte counters.
func (b *Broker) relay(
	ctx context.Context,
	clientChan ssh.Channel,
	targetStdin io.WriteCloser,
	targetStdout, targetStderr io.Reader,
	sink audit.Sink,
	interactive bool,
) {
	stdin := targetStdin
	rules := b.commandRules()
	if interactive && (!rules.AllowExec || len(rules.Blocklist) > 0) {
		stdin = &interceptedWriteCloser{
			Writer: command.NewInterceptor(targetStdin, clientChan, rules),
			Closer: targetStdin,
		}
	}

	closeClient := func() { clientChan.Close() }
	opts := []heart.Option{
		heart.WithTaps(
			audit.SinkWriter(sink, b.id, audit.DirectionInput),
			audit.SinkWriter(sink, b.id, audit.DirectionOutput),
			func(direction string, err error) {
				log.Printf("[AUDIT] Tap error on session %s (%s): %v", b.id, direction, err)
			},
		),
	}
	if !interactive {
		// Exec: the relay is over once the command's output drains, even
		// when the client holds stdin open. The client channel stays open
		// so the exit status can still be delivered; handleChannel closes
		// it last, which also unblocks the detached stdin copy.
		closeClient = nil
		opts = append(opts, heart.WithDetachedInput())
	}
	opts = append(opts, heart.WithClosers(
		closeClient,
		func() { targetStdin.Close() },
	))

	bridge := heart.NewBridge(clientChan, stdin, targetStdout, targetStderr, opts...)
	bridge.Run(ctx)

	b.bytesIn.Add(bridge.BytesIn())
	b.bytesOut.Add(bridge.BytesOut())
}

// commandRules derives the per-session command policy from the
// authorization decision and server configuration.
func (b *Broker) commandRules() command.Rules {
	return command.Rules{
		AllowExec:  b.decision != nil && b.decision.CanExec(),
		Blocklist:  b.srv.blocklist,
		Disconnect: b.srv.blockDisconnects,
	}
}

// finalize stamps and persists the session record exactly once.
func (b *Broker) finalize(outcome policy.Outcome) {
	b.record.EndedAt = time.Now().UTC()
	b.record.Outcome = outcome
	b.record.BytesIn = b.bytesIn.Load()
	b.record.BytesOut = b.bytesOut.Load()

	ctx, cancel := context.WithTimeout(context.Background(), recordFlushTimeout)
	defer cancel()
	if err := b.srv.store.AppendSessionRecord(ctx, b.record); err != nil {
		log.Printf("[SESSION] Failed to persist record for session %s: %v", b.id, err)
	}
	log.Printf("[SESSION] %s finished: outcome=%s in=%dB out=%dB",
		b.id, outcome, b.record.BytesIn, b.record.BytesOut)
}

// rejectAll drains the channel queue, rejecting every pending channel
// with one uniform reason.
func rejectAll(chans <-chan ssh.NewChannel, reason ssh.RejectionReason, message string) {
	for newChannel := range chans {
		newChannel.Reject(reason, message)
	}
}

// forwardExitStatus relays the target's exit code to the client when the
// target session ended with a code; transport errors map to status 1.
func forwardExitStatus(clientChan ssh.Channel, waitErr error) {
	status := uint32(0)
	if waitErr != nil {
		status = 1
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			status = uint32(exitErr.ExitStatus())
		}
	}
	clientChan.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

// interceptedWriteCloser pairs the interceptor's Writer with the original
// stdin Closer so the bridge can still signal EOF to the target.
type interceptedWriteCloser struct {
	io.Writer
	io.Closer
}
