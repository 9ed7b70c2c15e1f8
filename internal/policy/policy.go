// Package policy decides whether a NIP-46 request is allowed, denied, or
// needs operator approval. Policy is declarative data: one map lookup per
// decision, no hard-coded method lists.
package policy

import (
	"fmt"
	"strconv"

	"github.com/frostr-org/igloo-server/internal/codec"
	"github.com/frostr-org/igloo-server/internal/session"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow  Decision = "allow"
	Deny   Decision = "deny"
	Prompt Decision = "prompt"
)

// Result carries the decision plus the human-readable reason for denials,
// which the queue surfaces to the operator UI.
type Result struct {
	Decision Decision
	Reason   string
	// Kind is the parsed event kind for sign_event requests; -1 otherwise.
	Kind int
}

// Evaluate applies the session policy to a request.
//
// sign_event is gated solely by the kinds map: an explicit false denies, an
// explicit true (or "*": true without an explicit false) allows, and an
// absent entry prompts. Every other method consults the methods map.
func Evaluate(p session.Policy, method string, params []string) Result {
	if method == "sign_event" {
		return evaluateSignEvent(p, params)
	}

	allowed, known := p.Methods[method]
	switch {
	case known && allowed:
		return Result{Decision: Allow, Kind: -1}
	case known:
		return Result{
			Decision: Deny,
			Reason:   fmt.Sprintf("%s not allowed by policy", method),
			Kind:     -1,
		}
	default:
		return Result{Decision: Prompt, Kind: -1}
	}
}

func evaluateSignEvent(p session.Policy, params []string) Result {
	if len(params) == 0 {
		return Result{Decision: Deny, Reason: "unparseable event template", Kind: -1}
	}
	tmpl, err := codec.ParseEventTemplate(params[0])
	if err != nil {
		return Result{Decision: Deny, Reason: "unparseable event template", Kind: -1}
	}

	kindKey := strconv.Itoa(tmpl.Kind)

	// An explicit per-kind false overrides a wildcard allow, so an
	// allow-all-kinds session can still carry targeted blocks.
	if allowed, known := p.Kinds[kindKey]; known {
		if allowed {
			return Result{Decision: Allow, Kind: tmpl.Kind}
		}
		return Result{
			Decision: Deny,
			Reason:   fmt.Sprintf("sign_event kind %d not allowed by policy", tmpl.Kind),
			Kind:     tmpl.Kind,
		}
	}
	if p.Kinds["*"] {
		return Result{Decision: Allow, Kind: tmpl.Kind}
	}
	return Result{Decision: Prompt, Kind: tmpl.Kind}
}
