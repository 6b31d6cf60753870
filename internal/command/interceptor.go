package command

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// ErrBlocked is returned by Interceptor.Write when a blocked command
// should terminate the session. The relay treats it as a close signal.
var ErrBlocked = errors.New("command: session blocked by policy")

// Rules is the per-session command policy derived from the authorization
// decision and configuration.
type Rules struct {
	// AllowExec mirrors the exec action of the session's grants. When
	// false every non-empty command line is blocked while the interactive
	// session itself stays permitted.
	AllowExec bool

	// Blocklist is a list of lowercase substrings that are always denied,
	// regardless of AllowExec.
	Blocklist []string

	// Disconnect ends the session on a blocked command instead of
	// returning an error message to the client.
	Disconnect bool
}

// Inspect decides whether a decoded visible command line may proceed.
func (r Rules) Inspect(visible string) (blocked bool, reason string) {
	line := strings.TrimSpace(strings.ToLower(visible))
	if line == "" {
		return false, ""
	}
	if !r.AllowExec {
		return true, "exec not permitted on this target"
	}
	for _, bad := range r.Blocklist {
		if bad != "" && strings.Contains(line, bad) {
			return true, fmt.Sprintf("%q is not allowed", bad)
		}
	}
	return false, ""
}

// Interceptor sits between the client and the target's stdin in PTY
// sessions. Bytes are forwarded immediately so echo and line editing work
// normally, while a shadow buffer tracks the typed line; on Enter the
// shadow buffer is decoded and inspected before the Enter byte is
// forwarded. A blocked line never reaches the target.
//
// Not safe for concurrent use — one instance per session direction.
type Interceptor struct {
	target io.Writer // target stdin
	client io.Writer // client stdout, for block messages
	rules  Rules
	buf    []byte // shadow buffer of the current line
}

// NewInterceptor creates an interceptor forwarding to target and
// reporting blocks to client.
func NewInterceptor(target, client io.Writer, rules Rules) *Interceptor {
	return &Interceptor{target: target, client: client, rules: rules}
}

// Write implements io.Writer over the client → target byte stream.
func (in *Interceptor) Write(p []byte) (int, error) {
	for _, b := range p {
		switch b {
		case '\r', '\n':
			if err := in.inspectAndForward(b); err != nil {
				return 0, err
			}

		case 0x03: // ctrl+c aborts the current line
			if _, err := in.target.Write([]byte{b}); err != nil {
				return 0, err
			}
			in.buf = in.buf[:0]

		case 0x7f, '\b':
			if _, err := in.target.Write([]byte{b}); err != nil {
				return 0, err
			}
			if len(in.buf) > 0 {
				in.buf = in.buf[:len(in.buf)-1]
			}

		default:
			// Forward immediately so the target echoes normally; the
			// shadow buffer keeps the raw bytes for inspection on Enter.
			if _, err := in.target.Write([]byte{b}); err != nil {
				return 0, err
			}
			in.buf = append(in.buf, b)
		}
	}
	return len(p), nil
}

// inspectAndForward decodes the shadow buffer and forwards Enter only
// when the line passes the rules.
func (in *Interceptor) inspectAndForward(enter byte) error {
	line := in.buf
	in.buf = nil

	if len(line) == 0 {
		_, err := in.target.Write([]byte{enter})
		return err
	}

	decoded := Decode(line)
	blocked, reason := in.rules.Inspect(decoded.Visible)
	if decoded.Obfuscated {
		log.Printf("[FILTER] obfuscated input: raw=%q visible=%q", line, decoded.Visible)
	}
	if !blocked {
		_, err := in.target.Write([]byte{enter})
		return err
	}

	log.Printf("[FILTER] blocked command %q: %s", decoded.Visible, reason)
	msg := fmt.Sprintf("\r\ngatewarden: command blocked by policy: %s\r\n", reason)
	if _, err := in.client.Write([]byte(msg)); err != nil {
		return err
	}
	if in.rules.Disconnect {
		return ErrBlocked
	}
	// Forward Enter alone so the target shows a fresh prompt. The typed
	// bytes already reached the target's line editor; a ctrl+u erases
	// them there before Enter lands.
	if _, err := in.target.Write([]byte{0x15}); err != nil {
		return err
	}
	_, err := in.target.Write([]byte{enter})
	return err
}
