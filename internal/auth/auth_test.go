package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"gatewarden/internal/guard"
	"gatewarden/internal/policy"
)

// =============================================================================
// Helpers
// =============================================================================

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func generateKeypair(t *testing.T) (ssh.PublicKey, ssh.Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub, signer
}

func authorizedKeyLine(t *testing.T, key ssh.PublicKey) string {
	t.Helper()
	return string(ssh.MarshalAuthorizedKey(key))
}

func seededStore(t *testing.T, password string) *policy.MemoryStore {
	t.Helper()
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{
		ID:           "alice",
		Username:     "alice",
		PasswordHash: hashPassword(t, password),
		Roles:        []string{"ops"},
	})
	return store
}

func newTestAuthenticator(store policy.Store) *Authenticator {
	return New(store, guard.New(guard.Config{Threshold: 3, BaseLockout: time.Minute, Window: time.Hour}))
}

// failingStore returns a backend error from every lookup, simulating a
// policy store outage.
type failingStore struct {
	policy.Store
	calls int
}

func (s *failingStore) GetIdentity(context.Context, string) (*policy.Identity, error) {
	s.calls++
	return nil, policy.Unavailable(errors.New("connection refused"))
}

var testAddr = &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 50000}

// =============================================================================
// AuthenticatePassword
// =============================================================================

func TestAuthenticatePassword_ValidCredentials(t *testing.T) {
	a := newTestAuthenticator(seededStore(t, "secret"))
	id, err := a.AuthenticatePassword(context.Background(), "alice", []byte("secret"), testAddr)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, []string{"ops"}, id.Roles)
}

func TestAuthenticatePassword_WrongPassword(t *testing.T) {
	a := newTestAuthenticator(seededStore(t, "secret"))
	id, err := a.AuthenticatePassword(context.Background(), "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Nil(t, id)
}

func TestAuthenticatePassword_UnknownUserSameErrorAsWrongPassword(t *testing.T) {
	a := newTestAuthenticator(seededStore(t, "secret"))

	_, errUnknown := a.AuthenticatePassword(context.Background(), "nobody", []byte("secret"), testAddr)
	_, errWrong := a.AuthenticatePassword(context.Background(), "alice", []byte("wrong"), testAddr)

	assert.ErrorIs(t, errUnknown, ErrDenied)
	assert.ErrorIs(t, errWrong, ErrDenied)
	assert.Equal(t, errUnknown.Error(), errWrong.Error(), "unknown user must be indistinguishable from wrong password")
}

func TestAuthenticatePassword_DisabledIdentityDenied(t *testing.T) {
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{
		Username:     "alice",
		PasswordHash: hashPassword(t, "secret"),
		Disabled:     true,
	})
	a := newTestAuthenticator(store)

	_, err := a.AuthenticatePassword(context.Background(), "alice", []byte("secret"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthenticatePassword_NoHashMeansPasswordAuthDisabled(t *testing.T) {
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{Username: "alice"})
	a := newTestAuthenticator(store)

	_, err := a.AuthenticatePassword(context.Background(), "alice", []byte(""), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthenticatePassword_StoreOutageIsNotDenial(t *testing.T) {
	a := newTestAuthenticator(&failingStore{})
	_, err := a.AuthenticatePassword(context.Background(), "alice", []byte("secret"), testAddr)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrDenied)
}

// =============================================================================
// AuthenticatePublicKey
// =============================================================================

func TestAuthenticatePublicKey_AuthorizedKeyAccepted(t *testing.T) {
	pub, _ := generateKeypair(t)
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{
		Username:       "alice",
		AuthorizedKeys: []string{authorizedKeyLine(t, pub)},
	})
	a := newTestAuthenticator(store)

	id, err := a.AuthenticatePublicKey(context.Background(), "alice", pub, testAddr)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
}

func TestAuthenticatePublicKey_UnknownKeyDenied(t *testing.T) {
	authorized, _ := generateKeypair(t)
	offered, _ := generateKeypair(t)
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{
		Username:       "alice",
		AuthorizedKeys: []string{authorizedKeyLine(t, authorized)},
	})
	a := newTestAuthenticator(store)

	_, err := a.AuthenticatePublicKey(context.Background(), "alice", offered, testAddr)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthenticatePublicKey_SecondOfSeveralKeysMatches(t *testing.T) {
	first, _ := generateKeypair(t)
	second, _ := generateKeypair(t)
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{
		Username: "alice",
		AuthorizedKeys: []string{
			authorizedKeyLine(t, first),
			authorizedKeyLine(t, second),
		},
	})
	a := newTestAuthenticator(store)

	_, err := a.AuthenticatePublicKey(context.Background(), "alice", second, testAddr)
	assert.NoError(t, err)
}

func TestAuthenticatePublicKey_UnparseableLineSkipped(t *testing.T) {
	pub, _ := generateKeypair(t)
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{
		Username: "alice",
		AuthorizedKeys: []string{
			"not an authorized_keys line",
			authorizedKeyLine(t, pub),
		},
	})
	a := newTestAuthenticator(store)

	_, err := a.AuthenticatePublicKey(context.Background(), "alice", pub, testAddr)
	assert.NoError(t, err)
}

func TestAuthenticatePublicKey_EmptyAuthorizedSetDenied(t *testing.T) {
	pub, _ := generateKeypair(t)
	store := policy.NewMemoryStore()
	store.SetIdentity(policy.Identity{Username: "alice"})
	a := newTestAuthenticator(store)

	_, err := a.AuthenticatePublicKey(context.Background(), "alice", pub, testAddr)
	assert.ErrorIs(t, err, ErrDenied)
}

// =============================================================================
// Guard integration
// =============================================================================

func TestAuthenticate_LockoutAfterThreshold(t *testing.T) {
	a := newTestAuthenticator(seededStore(t, "secret"))
	ctx := context.Background()

	_, err := a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
	_, err = a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)

	// Third failure reaches the threshold and locks the key.
	_, err = a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Greater(t, locked.RetryAfter, time.Duration(0))
}

func TestAuthenticate_LockedAttemptSkipsStore(t *testing.T) {
	store := seededStore(t, "secret")
	counting := &countingStore{Store: store}
	a := newTestAuthenticator(counting)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	}
	callsBefore := counting.calls

	// Locked out: even the correct password must fail without a lookup.
	_, err := a.AuthenticatePassword(ctx, "alice", []byte("secret"), testAddr)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, callsBefore, counting.calls, "locked attempt must not reach the policy store")
}

func TestAuthenticate_SuccessResetsCounter(t *testing.T) {
	a := newTestAuthenticator(seededStore(t, "secret"))
	ctx := context.Background()

	a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	_, err := a.AuthenticatePassword(ctx, "alice", []byte("secret"), testAddr)
	require.NoError(t, err)

	// Counter is back at zero: two more failures stay below the threshold.
	_, err = a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
	_, err = a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthenticate_OutageDoesNotPunishKey(t *testing.T) {
	failing := &failingStore{}
	a := newTestAuthenticator(failing)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := a.AuthenticatePassword(ctx, "alice", []byte("secret"), testAddr)
		assert.ErrorIs(t, err, ErrUnavailable, "attempt %d", i)
	}
	assert.Equal(t, 10, failing.calls, "outage must never escalate into a lockout")
}

func TestAuthenticatePublicKey_MatchDoesNotResetFailureWindow(t *testing.T) {
	pub, _ := generateKeypair(t)
	store := seededStore(t, "secret")
	store.SetIdentity(policy.Identity{
		Username:       "alice",
		PasswordHash:   hashPassword(t, "secret"),
		AuthorizedKeys: []string{authorizedKeyLine(t, pub)},
	})
	a := newTestAuthenticator(store)
	ctx := context.Background()

	a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)

	// A public-key callback also answers signatureless queries: a match
	// must not touch the counter, or a query between guesses would keep
	// the key unlocked forever.
	_, err := a.AuthenticatePublicKey(ctx, "alice", pub, testAddr)
	require.NoError(t, err)

	_, err = a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	var locked *LockedError
	require.ErrorAs(t, err, &locked, "the third password failure still locks the key")
}

func TestAuthenticatePublicKey_RejectionDoesNotCountTowardLockout(t *testing.T) {
	authorized, _ := generateKeypair(t)
	offered, _ := generateKeypair(t)
	store := seededStore(t, "secret")
	store.SetIdentity(policy.Identity{
		Username:       "alice",
		PasswordHash:   hashPassword(t, "secret"),
		AuthorizedKeys: []string{authorizedKeyLine(t, authorized)},
	})
	a := newTestAuthenticator(store)
	ctx := context.Background()

	// Queries with an unauthorized key prove nothing about the caller.
	for i := 0; i < 5; i++ {
		_, err := a.AuthenticatePublicKey(ctx, "alice", offered, testAddr)
		assert.ErrorIs(t, err, ErrDenied)
	}

	_, err := a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied, "the counter starts at zero — no lockout from key queries")
}

func TestAuthenticatePublicKey_LockedKeyRefusedWithoutLookup(t *testing.T) {
	pub, _ := generateKeypair(t)
	store := seededStore(t, "secret")
	store.SetIdentity(policy.Identity{
		Username:       "alice",
		PasswordHash:   hashPassword(t, "secret"),
		AuthorizedKeys: []string{authorizedKeyLine(t, pub)},
	})
	counting := &countingStore{Store: store}
	a := newTestAuthenticator(counting)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	}
	callsBefore := counting.calls

	_, err := a.AuthenticatePublicKey(ctx, "alice", pub, testAddr)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, callsBefore, counting.calls)
}

func TestConfirmSuccess_ResetsCounter(t *testing.T) {
	a := newTestAuthenticator(seededStore(t, "secret"))
	ctx := context.Background()

	a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	a.ConfirmSuccess("alice", testAddr)

	// Counter is back at zero: two more failures stay below the threshold.
	_, err := a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
	_, err = a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthenticate_DifferentSourceNetworksLockIndependently(t *testing.T) {
	a := newTestAuthenticator(seededStore(t, "secret"))
	ctx := context.Background()
	otherAddr := &net.TCPAddr{IP: net.ParseIP("198.51.100.9"), Port: 2000}

	for i := 0; i < 3; i++ {
		a.AuthenticatePassword(ctx, "alice", []byte("wrong"), testAddr)
	}

	// Same identity from another network is still only denied, not locked.
	_, err := a.AuthenticatePassword(ctx, "alice", []byte("wrong"), otherAddr)
	assert.ErrorIs(t, err, ErrDenied)
}

// countingStore counts GetIdentity calls to observe guard short-circuits.
type countingStore struct {
	policy.Store
	calls int
}

func (s *countingStore) GetIdentity(ctx context.Context, username string) (*policy.Identity, error) {
	s.calls++
	return s.Store.GetIdentity(ctx, username)
}
