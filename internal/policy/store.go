package policy

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested record definitively does
// not exist. It is a real answer, never a substitute for a backend error.
var ErrNotFound = errors.New("policy: not found")

// ErrUnavailable is returned when the backing store cannot answer at all
// (connection lost, query failed). Callers must treat it as transient and
// must never interpret it as "denied".
var ErrUnavailable = errors.New("policy: store unavailable")

// Unavailable wraps a backend error so that errors.Is(err, ErrUnavailable)
// holds while the original cause stays in the chain.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Store is the Policy Store Adapter consumed by the bastion core.
//
// Implementations must be safe for concurrent use. Every method either
// returns real data, ErrNotFound, or an error wrapping ErrUnavailable —
// never empty data meaning "denied".
type Store interface {
	// GetIdentity resolves an identity by its unique username.
	GetIdentity(ctx context.Context, username string) (*Identity, error)

	// RolesFor returns the roles assigned to the identity. Role names
	// on the identity that no longer resolve are skipped, not errors.
	RolesFor(ctx context.Context, identity *Identity) ([]Role, error)

	// GrantsFor returns the permission grants of a single role.
	GrantsFor(ctx context.Context, role string) ([]Grant, error)

	// GetTarget resolves a target by its unique name.
	GetTarget(ctx context.Context, name string) (*Target, error)

	// AppendSessionRecord persists a finalized session record.
	AppendSessionRecord(ctx context.Context, rec SessionRecord) error
}
