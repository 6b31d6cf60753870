// Package rbac resolves role → grant → target bindings into a permit or
// deny decision for one authenticated identity and one requested target.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gatewarden/internal/policy"
)

// ErrDenied means no grant of any role held by the identity matches the
// requested target with a connect action. Non-retryable.
var ErrDenied = errors.New("rbac: access denied")

// ErrUnavailable means the policy store could not answer. Never treated
// as permit, never collapsed into ErrDenied.
var ErrUnavailable = errors.New("rbac: authorization unavailable")

// Decision is a permit: the resolved target, the union of allowed actions
// across all matching grants, and whether the session must be recorded.
type Decision struct {
	Target         *policy.Target
	Actions        policy.ActionSet
	RecordRequired bool
}

// CanExec reports whether the decision allows running commands.
func (d *Decision) CanExec() bool { return d.Actions.Has(policy.ActionExec) }

// Authorizer computes permitted action sets from the policy store.
type Authorizer struct {
	store policy.Store
}

// New creates an Authorizer over the given store.
func New(store policy.Store) *Authorizer {
	return &Authorizer{store: store}
}

// Authorize decides whether identity may reach the target named by
// selector, and with which actions.
//
// The identity's roles are gathered, every grant whose selector matches
// the target contributes its actions to the union, and the decision is
// permit iff the union contains connect. When any matching grant carries
// record-required the whole session is recorded — the stricter flag wins.
func (a *Authorizer) Authorize(ctx context.Context, identity *policy.Identity, selector string) (*Decision, error) {
	target, err := a.store.GetTarget(ctx, selector)
	switch {
	case errors.Is(err, policy.ErrNotFound):
		// An unknown target is indistinguishable from a forbidden one.
		log.Printf("[RBAC] Denied: user=%q target=%q (unknown target)", identity.Username, selector)
		return nil, ErrDenied
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if target.Disabled {
		log.Printf("[RBAC] Denied: user=%q target=%q (target disabled)", identity.Username, target.Name)
		return nil, ErrDenied
	}

	roles, err := a.store.RolesFor(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	actions := policy.NewActionSet()
	for _, role := range roles {
		for _, grant := range role.Grants {
			if Matches(grant.Selector, target) {
				actions.Union(grant.Actions)
			}
		}
	}

	if !actions.Has(policy.ActionConnect) {
		log.Printf("[RBAC] Denied: user=%q target=%q (no connect grant)", identity.Username, target.Name)
		return nil, ErrDenied
	}

	d := &Decision{
		Target:         target,
		Actions:        actions,
		RecordRequired: actions.Has(policy.ActionRecord),
	}
	log.Printf("[RBAC] Permit: user=%q target=%q exec=%v record=%v",
		identity.Username, target.Name, d.CanExec(), d.RecordRequired)
	return d, nil
}

// Matches reports whether a grant selector matches a target. Matching is
// deterministic and total: every (selector, target) pair either matches
// or does not.
//
//	"*"        matches every target
//	"tag:web"  matches targets tagged "web"
//	"web-1"    matches the target named exactly "web-1"
func Matches(selector string, target *policy.Target) bool {
	if selector == "*" {
		return true
	}
	if tag, ok := strings.CutPrefix(selector, "tag:"); ok {
		return target.HasTag(tag)
	}
	return selector == target.Name
}
