package proxy

import (
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"gatewarden/internal/policy"
)

// targetDialTimeout bounds the outbound TCP+SSH handshake so an
// unreachable target fails fast instead of hanging the session.
const targetDialTimeout = 10 * time.Second

// TargetClient manages a single outbound SSH connection to one target.
//
// One TargetClient is created per inbound connection after authorization
// and shared across all channels opened within it; each channel gets its
// own *ssh.Session via NewSession.
//
// Authentication uses the target-scoped credentials stored in the policy
// record — never the caller's own credential.
type TargetClient struct {
	target *policy.Target
	conn   *ssh.Client
}

// DialTarget establishes the SSH connection to the target. Every failure
// is wrapped in ErrTargetUnreachable: to the inbound caller all of
// DNS failure, TCP refusal and target-side auth rejection are the same
// "connection failed".
func DialTarget(target *policy.Target, clientAgent agent.Agent) (*TargetClient, error) {
	// Build the config before touching the network so a misconfigured
	// target fails without a dial.
	if _, err := clientConfigFor(target, clientAgent); err != nil {
		return nil, err
	}

	netConn, err := net.DialTimeout("tcp", target.Addr(), targetDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTargetUnreachable, target.Addr(), err)
	}
	return DialTargetConn(target, netConn, clientAgent)
}

// DialTargetConn establishes the SSH connection over an existing
// net.Conn — a pre-wired test connection or a tunnelled transport. The
// conn is closed on handshake failure.
func DialTargetConn(target *policy.Target, netConn net.Conn, clientAgent agent.Agent) (*TargetClient, error) {
	cfg, err := clientConfigFor(target, clientAgent)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	// ssh.Dial bounds only the TCP dial with the config timeout; the
	// handshake needs its own deadline so a stalled target fails fast.
	if cfg.Timeout > 0 {
		netConn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, target.Addr(), cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrTargetUnreachable, target.Addr(), err)
	}
	netConn.SetDeadline(time.Time{})
	return &TargetClient{target: target, conn: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// NewSession opens a new SSH session (channel) on the existing
// connection. The caller closes it when the channel ends.
func (c *TargetClient) NewSession() (*ssh.Session, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("proxy: target client not connected")
	}
	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("proxy: open session on %s: %w", c.target.Addr(), err)
	}
	return sess, nil
}

// Close terminates the SSH connection to the target. All sessions opened
// via NewSession are closed as a side effect.
func (c *TargetClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Addr returns the target address (host:port).
func (c *TargetClient) Addr() string { return c.target.Addr() }

// clientConfigFor builds the ssh.ClientConfig from the target record.
func clientConfigFor(target *policy.Target, clientAgent agent.Agent) (*ssh.ClientConfig, error) {
	methods, err := buildAuthMethods(target, clientAgent)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no credentials configured for target %s", ErrTargetUnreachable, target.Name)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if target.HostPublicKey != "" {
		pinned, _, _, _, err := ssh.ParseAuthorizedKey([]byte(target.HostPublicKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid pinned host key for %s: %v", ErrTargetUnreachable, target.Name, err)
		}
		hostKeyCallback = ssh.FixedHostKey(pinned)
	} else {
		log.Printf("[PROXY] Target %s has no pinned host key, host key not verified", target.Name)
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         targetDialTimeout,
	}, nil
}

// buildAuthMethods constructs the list of SSH auth methods from the
// target record. Order matters — the client tries each in sequence.
//
// Priority: agent forwarding (key never touches the bastion), stored
// private key, password.
func buildAuthMethods(target *policy.Target, clientAgent agent.Agent) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if clientAgent != nil {
		methods = append(methods, ssh.PublicKeysCallback(clientAgent.Signers))
	}

	if target.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key for target %s: %v", ErrTargetUnreachable, target.Name, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if target.Password != "" {
		methods = append(methods, ssh.Password(target.Password))
	}

	return methods, nil
}
