package policy

import (
	"fmt"
	"time"
)

// Action is a single operation a grant may allow on a target.
type Action string

const (
	// ActionConnect allows opening an interactive session on the target.
	// Without it no session is established at all.
	ActionConnect Action = "connect"

	// ActionExec allows running commands on the target — both explicit
	// "exec" channel requests and command lines typed into a shell.
	ActionExec Action = "exec"

	// ActionRecord marks the session as record-required: every relayed
	// byte is streamed to the audit sink.
	ActionRecord Action = "record-required"
)

// ParseAction validates a raw config/database string as an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionConnect, ActionExec, ActionRecord:
		return Action(s), nil
	}
	return "", fmt.Errorf("policy: unknown action %q", s)
}

// ActionSet is the effective set of actions for a decision.
// The zero value is an empty set ready for use with Add.
type ActionSet map[Action]bool

// NewActionSet builds a set from a list of actions.
func NewActionSet(actions ...Action) ActionSet {
	s := make(ActionSet, len(actions))
	for _, a := range actions {
		s[a] = true
	}
	return s
}

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool { return s[a] }

// Union adds every action from other into s.
func (s ActionSet) Union(other []Action) {
	for _, a := range other {
		s[a] = true
	}
}

// Identity is a human operator allowed to authenticate to the bastion.
//
// Identities are never hard-deleted while session records reference
// them — Disabled soft-removes them from authentication instead.
type Identity struct {
	ID             string
	Username       string
	PasswordHash   string   // bcrypt hash; empty means password auth disabled
	AuthorizedKeys []string // OpenSSH authorized_keys lines
	Disabled       bool
	Roles          []string // role names assigned to this identity
}

// Grant pairs a target selector with the actions it allows.
//
// Selector syntax (deterministic, total):
//
//	"web-1"     exact target name
//	"tag:web"   every target carrying the tag "web"
//	"*"         every target
type Grant struct {
	Selector string
	Actions  []Action
}

// Role is the unit of RBAC composition: a named, ordered list of grants.
// An identity may hold multiple roles; effective permissions are the union.
type Role struct {
	Name   string
	Grants []Grant
}

// Target is a downstream machine reachable only through the bastion.
// The bastion authenticates to it with target-scoped credentials —
// never with the caller's own credential.
type Target struct {
	Name     string
	Hostname string
	Port     int
	User     string // target-side login account

	// Exactly one of Password / PrivateKey is normally set.
	Password   string
	PrivateKey string // PEM-encoded private key

	// HostPublicKey pins the target's host key (authorized_keys format).
	// Empty means the target key is not verified.
	HostPublicKey string

	Tags     []string
	Disabled bool
}

// Addr returns the dialable "host:port" address of the target.
func (t *Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Hostname, t.Port)
}

// HasTag reports whether the target carries the given tag.
func (t *Target) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeEstablished Outcome = "established"
	OutcomeDenied      Outcome = "denied"
	OutcomeError       Outcome = "error"
)

// SessionRecord is the immutable audit record of one bastion session.
// Created at connection accept, finalized exactly once at teardown.
type SessionRecord struct {
	ID         string
	Identity   string
	Target     string
	RemoteAddr string
	StartedAt  time.Time
	EndedAt    time.Time
	Outcome    Outcome
	BytesIn    int64 // client → target
	BytesOut   int64 // target → client
}
