// Package session holds the per-client NIP-46 session state: status,
// display profile, authorization policy, and activity tracking. The
// in-memory store is the request-path authority; rows are mirrored to the
// database asynchronously.
package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a client session.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	// StatusRevoked is a transient tombstone; revoked sessions are deleted,
	// never persisted.
	StatusRevoked Status = "revoked"
)

// recentLimit bounds the recency-ordered kind/method sets kept for the UI.
const recentLimit = 10

var cpkRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NormalizeKey trims and lowercases a client pubkey and rejects anything
// that is not 64 lowercase hex chars afterwards.
func NormalizeKey(cpk string) (string, error) {
	cpk = strings.ToLower(strings.TrimSpace(cpk))
	if !cpkRe.MatchString(cpk) {
		return "", fmt.Errorf("invalid client pubkey %q", cpk)
	}
	return cpk, nil
}

// Profile is untrusted display metadata supplied by the client.
type Profile struct {
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Image string `json:"image,omitempty"`
}

// Policy is the per-session authorization map. A missing key means
// "unknown" and prompts the operator. The "*" key under Kinds means any
// kind; explicit per-kind entries override it only when set to false.
type Policy struct {
	Methods map[string]bool `json:"methods"`
	Kinds   map[string]bool `json:"kinds"`
}

// NewPolicy returns an empty policy with allocated maps.
func NewPolicy() Policy {
	return Policy{Methods: map[string]bool{}, Kinds: map[string]bool{}}
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	out := NewPolicy()
	for k, v := range p.Methods {
		out.Methods[k] = v
	}
	for k, v := range p.Kinds {
		out.Kinds[k] = v
	}
	return out
}

// Equal reports whether two policies grant exactly the same entries.
func (p Policy) Equal(o Policy) bool {
	if len(p.Methods) != len(o.Methods) || len(p.Kinds) != len(o.Kinds) {
		return false
	}
	for k, v := range p.Methods {
		if ov, ok := o.Methods[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range p.Kinds {
		if ov, ok := o.Kinds[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Session is one client connection keyed by its pubkey.
type Session struct {
	Pubkey    string  `json:"pubkey"`
	Status    Status  `json:"status"`
	Profile   Profile `json:"profile"`
	Policy    Policy  `json:"policy"`
	// Requested is the policy the client asked for in its connect URI.
	// Informational only; never auto-granted.
	Requested *Policy  `json:"requested,omitempty"`
	Relays    []string `json:"relays"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	RecentKinds   []int    `json:"recent_kinds"`
	RecentMethods []string `json:"recent_methods"`
}

// clone returns a deep copy so callers never alias store-owned state.
func (s *Session) clone() *Session {
	out := *s
	out.Policy = s.Policy.Clone()
	if s.Requested != nil {
		r := s.Requested.Clone()
		out.Requested = &r
	}
	out.Relays = append([]string(nil), s.Relays...)
	out.RecentKinds = append([]int(nil), s.RecentKinds...)
	out.RecentMethods = append([]string(nil), s.RecentMethods...)
	return &out
}

// touchKind records a kind at the front of the recency set.
func (s *Session) touchKind(kind int) {
	out := []int{kind}
	for _, k := range s.RecentKinds {
		if k != kind && len(out) < recentLimit {
			out = append(out, k)
		}
	}
	s.RecentKinds = out
}

// touchMethod records a method at the front of the recency set.
func (s *Session) touchMethod(method string) {
	out := []string{method}
	for _, m := range s.RecentMethods {
		if m != method && len(out) < recentLimit {
			out = append(out, m)
		}
	}
	s.RecentMethods = out
}

// mergeRelays unions new relay URLs into the session's set, preserving order.
func (s *Session) mergeRelays(relays []string) {
	seen := make(map[string]struct{}, len(s.Relays))
	for _, r := range s.Relays {
		seen[r] = struct{}{}
	}
	for _, r := range relays {
		if _, ok := seen[r]; !ok && r != "" {
			s.Relays = append(s.Relays, r)
			seen[r] = struct{}{}
		}
	}
}
