// Package auth validates inbound credentials against the policy store,
// gated by the credential guard.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"gatewarden/internal/guard"
	"gatewarden/internal/policy"
)

// ErrDenied is a definitive credential rejection. Unknown user, disabled
// user and wrong credential all collapse into this one error so an
// attacker cannot enumerate valid usernames.
var ErrDenied = errors.New("auth: access denied")

// ErrUnavailable means the policy store could not answer. Distinct from
// ErrDenied so operators can tell a backend outage from a bad credential.
var ErrUnavailable = errors.New("auth: backend unavailable")

// LockedError is returned while the guard has the key locked out.
// The attempt never reaches the policy store.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: locked out, retry after %s", e.RetryAfter)
}

// dummyHash is a bcrypt hash of a random string. Verified against when the
// identity is unknown or has no password so that the failure path costs
// the same as a real comparison.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Authenticator validates password and public-key proofs.
//
// Order of checks is fixed: guard first (a locked key costs no store
// lookup), then identity resolution, then proof verification. Failures
// feed back into the guard; success resets it.
type Authenticator struct {
	store policy.Store
	guard *guard.Guard
}

// New creates an Authenticator over the given store and guard.
func New(store policy.Store, g *guard.Guard) *Authenticator {
	return &Authenticator{store: store, guard: g}
}

// AuthenticatePassword verifies a password proof for username arriving
// from addr. Returns the resolved identity on success.
func (a *Authenticator) AuthenticatePassword(ctx context.Context, username string, password []byte, addr net.Addr) (*policy.Identity, error) {
	return a.authenticate(ctx, username, addr, func(id *policy.Identity) bool {
		hash := []byte(id.PasswordHash)
		if len(hash) == 0 {
			// Keep timing uniform with the real comparison.
			bcrypt.CompareHashAndPassword(dummyHash, password)
			return false
		}
		return bcrypt.CompareHashAndPassword(hash, password) == nil
	})
}

// AuthenticatePublicKey verifies that key is in the identity's authorized
// set. The server callback fires for signatureless key *queries* as well
// as for the final signed attempt, and the two are indistinguishable from
// inside the callback — so this check is side-effect free: it never feeds
// the guard. A query that reset or incremented the failure counter would
// let anyone holding a victim's public key defeat the lockout. The caller
// confirms via ConfirmSuccess once the handshake has actually completed.
//
// A key the SSH layer accepts has proven possession of the private key;
// only membership in the authorized set is checked here.
func (a *Authenticator) AuthenticatePublicKey(ctx context.Context, username string, key ssh.PublicKey, addr net.Addr) (*policy.Identity, error) {
	gkey := a.guard.Key(username, addr)
	if st := a.guard.Allowed(gkey); st.Locked {
		log.Printf("[GUARD] Locked out: user=%q net=%s retry_after=%s", username, addr, st.RetryAfter)
		return nil, &LockedError{RetryAfter: st.RetryAfter}
	}

	id, err := a.lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	if id == nil || id.Disabled || !keyAuthorized(id, key, username) {
		log.Printf("[AUTH] Public key rejected for user %q from %s", username, addr)
		return nil, ErrDenied
	}

	log.Printf("[AUTH] Public key accepted for user %q from %s", username, addr)
	return id, nil
}

// ConfirmSuccess resets the guard counter for the key. Called once the
// SSH handshake has fully completed on a public-key login — the point at
// which a signature has actually been verified.
func (a *Authenticator) ConfirmSuccess(username string, addr net.Addr) {
	a.guard.RecordSuccess(a.guard.Key(username, addr))
}

// keyAuthorized reports whether key appears in the identity's
// authorized_keys lines.
func keyAuthorized(id *policy.Identity, key ssh.PublicKey, username string) bool {
	marshaled := key.Marshal()
	for _, line := range id.AuthorizedKeys {
		authorized, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			log.Printf("[AUTH] Skipping unparseable authorized key for %q", username)
			continue
		}
		if bytes.Equal(authorized.Marshal(), marshaled) {
			return true
		}
	}
	return false
}

// authenticate runs the guard/lookup/verify/feedback sequence for
// password proofs. Unlike the public-key callback, a password callback
// only ever fires with a real secret attached, so failure and success
// feed the guard directly.
func (a *Authenticator) authenticate(ctx context.Context, username string, addr net.Addr, verify func(*policy.Identity) bool) (*policy.Identity, error) {
	key := a.guard.Key(username, addr)

	if st := a.guard.Allowed(key); st.Locked {
		log.Printf("[GUARD] Locked out: user=%q net=%s retry_after=%s", username, addr, st.RetryAfter)
		return nil, &LockedError{RetryAfter: st.RetryAfter}
	}

	id, err := a.lookup(ctx, username)
	if err != nil {
		return nil, err
	}

	// Unknown, disabled and wrong-credential all take the same path so the
	// externally observable outcome is identical. The verifier still runs
	// for unknown identities to keep the timing uniform.
	ok := false
	if id != nil && !id.Disabled {
		ok = verify(id)
	} else {
		verify(&policy.Identity{})
	}
	if !ok {
		st := a.guard.RecordFailure(key)
		log.Printf("[AUTH] Access denied for user %q from %s (attempts=%d)", username, addr, st.Attempts)
		if st.Locked {
			return nil, &LockedError{RetryAfter: st.RetryAfter}
		}
		return nil, ErrDenied
	}

	a.guard.RecordSuccess(key)
	log.Printf("[AUTH] Authenticated user %q from %s", username, addr)
	return id, nil
}

// lookup resolves an identity. A missing row comes back as (nil, nil) so
// the caller can keep the unknown-user path indistinguishable from a
// wrong credential; a backend outage is not a failed attempt and must
// never punish the key.
func (a *Authenticator) lookup(ctx context.Context, username string) (*policy.Identity, error) {
	id, err := a.store.GetIdentity(ctx, username)
	switch {
	case errors.Is(err, policy.ErrNotFound):
		return nil, nil
	case err != nil:
		log.Printf("[AUTH] Policy store unavailable during auth for %q: %v", username, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}
