// Package guard tracks failed authentication attempts and imposes
// exponential lockouts per (identity, source network) key.
//
// Counting by source network rather than raw address aggregates
// distributed guessing from one operator subnet while keeping the
// window short enough that legitimate shared-NAT users recover.
package guard

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"
)

const shardCount = 64

// Config holds the tunable lockout policy. All values come from config.yaml.
type Config struct {
	// Threshold is the number of failures within Window after which
	// further attempts are locked out.
	Threshold int

	// Window is the sliding window in which failures are counted.
	// A key with no failures for a full Window starts from zero.
	Window time.Duration

	// BaseLockout is the lockout imposed when Threshold is first reached.
	// Each further failure doubles it, capped at MaxLockout.
	BaseLockout time.Duration

	// MaxLockout caps the exponential growth.
	MaxLockout time.Duration

	// IPv4PrefixLen and IPv6PrefixLen define the source-network size used
	// in counting keys. Defaults: /24 and /64.
	IPv4PrefixLen int
	IPv6PrefixLen int
}

// DefaultConfig mirrors the defaults in internal/config.
func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		Window:        15 * time.Minute,
		BaseLockout:   30 * time.Second,
		MaxLockout:    15 * time.Minute,
		IPv4PrefixLen: 24,
		IPv6PrefixLen: 64,
	}
}

// State is the lockout state returned by RecordFailure and Allowed.
type State struct {
	// Locked is true when the key must not attempt authentication.
	Locked bool

	// RetryAfter is how long until the lockout expires. Zero when not locked.
	RetryAfter time.Duration

	// Attempts is the failure count inside the current window.
	Attempts int
}

// record is the per-key counter. All fields are guarded by the owning
// shard's mutex.
type record struct {
	attempts     int
	firstFailure time.Time
	lockedUntil  time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Guard is the credential guard. Keys are sharded so that unrelated
// identities and networks never contend on one lock; check-then-increment
// for a single key is atomic under its shard mutex.
//
// State is purely in-memory and decays with the window — durability
// across restarts is a policy-store concern, not the guard's.
type Guard struct {
	cfg    Config
	now    func() time.Time
	shards [shardCount]*shard
}

// New creates a Guard with the given config. Zero fields fall back to
// DefaultConfig values.
func New(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BaseLockout <= 0 {
		cfg.BaseLockout = def.BaseLockout
	}
	if cfg.MaxLockout <= 0 {
		cfg.MaxLockout = def.MaxLockout
		// A defaulted cap must never undercut an explicit base lockout.
		if cfg.BaseLockout > cfg.MaxLockout {
			cfg.MaxLockout = cfg.BaseLockout
		}
	}
	if cfg.IPv4PrefixLen <= 0 || cfg.IPv4PrefixLen > 32 {
		cfg.IPv4PrefixLen = def.IPv4PrefixLen
	}
	if cfg.IPv6PrefixLen <= 0 || cfg.IPv6PrefixLen > 128 {
		cfg.IPv6PrefixLen = def.IPv6PrefixLen
	}

	g := &Guard{cfg: cfg, now: time.Now}
	for i := range g.shards {
		g.shards[i] = &shard{records: make(map[string]*record)}
	}
	return g
}

// Key builds the composite counting key for an identity and source address.
// The address is truncated to its configured network prefix; a non-IP
// address (unix socket, test pipe) falls back to the raw string.
func (g *Guard) Key(identity string, addr net.Addr) string {
	return identity + "|" + g.sourceNetwork(addr)
}

func (g *Guard) sourceNetwork(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(g.cfg.IPv4PrefixLen, 32))
		return fmt.Sprintf("%s/%d", masked, g.cfg.IPv4PrefixLen)
	}
	masked := ip.Mask(net.CIDRMask(g.cfg.IPv6PrefixLen, 128))
	return fmt.Sprintf("%s/%d", masked, g.cfg.IPv6PrefixLen)
}

func (g *Guard) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return g.shards[h.Sum32()%shardCount]
}

// Allowed reports whether the key may attempt authentication right now.
// Keys under lockout return Locked with a positive RetryAfter — the caller
// must fail the attempt without touching the policy store.
func (g *Guard) Allowed(key string) State {
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return State{}
	}
	now := g.now()
	g.expire(sh, key, rec, now)
	if _, still := sh.records[key]; !still {
		return State{}
	}
	if rec.lockedUntil.After(now) {
		return State{Locked: true, RetryAfter: rec.lockedUntil.Sub(now), Attempts: rec.attempts}
	}
	return State{Attempts: rec.attempts}
}

// RecordFailure counts one failed attempt for the key and returns the
// resulting state. Once the window holds Threshold failures the key is
// locked for BaseLockout * 2^(failures-threshold), capped at MaxLockout —
// the duration never decreases while failures keep coming.
func (g *Guard) RecordFailure(key string) State {
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := g.now()
	rec, ok := sh.records[key]
	if ok {
		g.expire(sh, key, rec, now)
		if _, still := sh.records[key]; !still {
			ok = false
		}
	}
	if !ok {
		rec = &record{firstFailure: now}
		sh.records[key] = rec
	}

	rec.attempts++
	if rec.attempts < g.cfg.Threshold {
		return State{Attempts: rec.attempts}
	}

	excess := rec.attempts - g.cfg.Threshold
	lockout := g.cfg.BaseLockout
	for i := 0; i < excess; i++ {
		lockout *= 2
		if lockout >= g.cfg.MaxLockout {
			lockout = g.cfg.MaxLockout
			break
		}
	}
	if lockout > g.cfg.MaxLockout {
		lockout = g.cfg.MaxLockout
	}
	rec.lockedUntil = now.Add(lockout)

	return State{Locked: true, RetryAfter: lockout, Attempts: rec.attempts}
}

// RecordSuccess clears the counter for the key. A successful
// authentication always resets the failure count to zero.
func (g *Guard) RecordSuccess(key string) {
	sh := g.shardFor(key)
	sh.mu.Lock()
	delete(sh.records, key)
	sh.mu.Unlock()
}

// expire drops the record when the counting window has fully elapsed and
// no lockout is pending. Must be called with the shard mutex held.
func (g *Guard) expire(sh *shard, key string, rec *record, now time.Time) {
	if rec.lockedUntil.After(now) {
		return
	}
	if now.Sub(rec.firstFailure) > g.cfg.Window {
		delete(sh.records, key)
	}
}
