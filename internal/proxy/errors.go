package proxy

import (
	"errors"
	"fmt"
)

// ErrTargetUnreachable means the outbound connection to the target could
// not be established or authenticated. Fatal to the session; the caller's
// own credential is never implicated — the client only ever sees
// "connection failed".
var ErrTargetUnreachable = errors.New("proxy: target unreachable")

// ProtocolError is a malformed or unsupported SSH exchange on the inbound
// side. Fatal to the session, never retried.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("proxy: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
