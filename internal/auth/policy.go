package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// scopePolicy is the default Rego module evaluated for every scope check.
// It encodes the public-pull / admin-grant / explicit-grant invariant from
// §3 and §9: a repository's own is_public flag and the caller's is_admin
// flag are folded into the input rather than expressed as SQL triggers, so
// the policy holds regardless of row insertion order.
const scopePolicy = `
package registry.authz

default allow = false

allow {
	input.action == "pull"
	input.repository_public == true
}

allow {
	input.user_admin == true
}

allow {
	input.grant_pull == true
	input.action == "pull"
}

allow {
	input.grant_push == true
	input.action == "push"
}

allow {
	input.grant_delete == true
	input.action == "delete"
}
`

// PolicyEngine evaluates repository-scope authorization decisions through
// OPA, repurposed here from its usual vulnerability/signature-gate role
// into the registry's access-control engine (§4.6).
type PolicyEngine struct {
	mu     sync.RWMutex
	module string
}

// NewPolicyEngine constructs an engine with the default scope policy.
func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{module: scopePolicy}
}

// Input is the fact set a scope decision is evaluated against.
type Input struct {
	Action           string `json:"action"`
	RepositoryPublic bool   `json:"repository_public"`
	UserAdmin        bool   `json:"user_admin"`
	GrantPull        bool   `json:"grant_pull"`
	GrantPush        bool   `json:"grant_push"`
	GrantDelete      bool   `json:"grant_delete"`
}

// Allow evaluates the policy against in and reports whether the action is
// permitted.
func (p *PolicyEngine) Allow(ctx context.Context, in Input) (bool, error) {
	p.mu.RLock()
	module := p.module
	p.mu.RUnlock()

	query, err := rego.New(
		rego.Query("data.registry.authz.allow"),
		rego.Module("authz.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return false, fmt.Errorf("auth: preparing policy: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("auth: evaluating policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}
