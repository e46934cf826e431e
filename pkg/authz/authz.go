// Package authz decides whether a verified peer identity is allowed to
// proceed. Policies are addressed by name: a session configured with an
// authorization identity hands that name plus the peer's distinguished
// name to the policy and gets back an allow/deny decision.
package authz

import (
	"context"
	"fmt"
	"path"
	"sync"
)

// Policy is an external authorization decision function. policyID is the
// identity the session was configured with; peerName is the distinguished
// name extracted from the peer's certificate.
type Policy interface {
	Allowed(ctx context.Context, policyID, peerName string) (bool, error)
}

// MatchFormat selects how a rule pattern is compared against a peer name.
type MatchFormat string

const (
	// MatchExact compares the pattern and peer name byte for byte.
	MatchExact MatchFormat = "exact"
	// MatchGlob interprets the pattern with path.Match wildcards.
	MatchGlob MatchFormat = "glob"
)

// Rule is one entry in a static rule list.
type Rule struct {
	// Match is the pattern compared against the peer name.
	Match string `yaml:"match"`
	// Allow is the decision when the pattern matches.
	Allow bool `yaml:"allow"`
	// Format defaults to MatchExact.
	Format MatchFormat `yaml:"format,omitempty"`
}

// RuleList is a Policy backed by an in-memory ordered rule list. The first
// matching rule decides; a peer matching no rule gets the default policy.
// Rule updates and lookups may run concurrently.
type RuleList struct {
	mu           sync.RWMutex
	rules        []Rule
	defaultAllow bool
}

// NewRuleList builds a rule-list policy. defaultAllow is the decision for
// peers no rule matches.
func NewRuleList(rules []Rule, defaultAllow bool) (*RuleList, error) {
	for i, r := range rules {
		switch r.Format {
		case MatchExact, MatchGlob, "":
		default:
			return nil, fmt.Errorf("rule %d: unknown match format %q", i, r.Format)
		}
		if r.Format == MatchGlob {
			if _, err := path.Match(r.Match, ""); err != nil {
				return nil, fmt.Errorf("rule %d: bad glob pattern %q: %w", i, r.Match, err)
			}
		}
	}
	return &RuleList{
		rules:        append([]Rule(nil), rules...),
		defaultAllow: defaultAllow,
	}, nil
}

// Allowed implements Policy. The policy ID is accepted for interface
// symmetry; a rule list is a single named policy.
func (l *RuleList) Allowed(_ context.Context, _, peerName string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, r := range l.rules {
		matched := false
		switch r.Format {
		case MatchGlob:
			ok, err := path.Match(r.Match, peerName)
			if err != nil {
				return false, fmt.Errorf("glob pattern %q: %w", r.Match, err)
			}
			matched = ok
		default:
			matched = r.Match == peerName
		}
		if matched {
			return r.Allow, nil
		}
	}
	return l.defaultAllow, nil
}

// Replace swaps the rule set atomically.
func (l *RuleList) Replace(rules []Rule, defaultAllow bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = append([]Rule(nil), rules...)
	l.defaultAllow = defaultAllow
}
