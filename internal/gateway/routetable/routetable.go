package routetable

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
)

// AuthLevel is the authentication a rule demands before forwarding.
type AuthLevel string

const (
	AuthNone AuthLevel = "none"
	AuthUser AuthLevel = "user"
)

// ErrNoRoute is returned when no rule matches the request path.
var ErrNoRoute = errors.New("no route matches path")

// Rule maps a path prefix to a backend target.
type Rule struct {
	PathPrefix string    `json:"path_prefix"`
	Target     string    `json:"target"`
	Auth       AuthLevel `json:"auth"`
}

// Table is an immutable routing snapshot. Build a new one and swap it via
// Holder; never mutate a table that handlers may be reading.
type Table struct {
	rules []Rule
}

// New validates the rules and builds a snapshot with rules ordered most
// specific first so Match can return the first hit.
func New(rules []Rule) (*Table, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("route table needs at least one rule")
	}

	seen := make(map[string]struct{}, len(rules))
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)

	for i, r := range sorted {
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return nil, fmt.Errorf("rule %d: path prefix %q must start with /", i, r.PathPrefix)
		}
		if _, dup := seen[r.PathPrefix]; dup {
			return nil, fmt.Errorf("duplicate path prefix %q", r.PathPrefix)
		}
		seen[r.PathPrefix] = struct{}{}

		u, err := url.Parse(r.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("rule %q: target %q is not an absolute URL", r.PathPrefix, r.Target)
		}

		switch r.Auth {
		case AuthNone, AuthUser:
		case "":
			sorted[i].Auth = AuthNone
		default:
			return nil, fmt.Errorf("rule %q: unknown auth level %q", r.PathPrefix, r.Auth)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	return &Table{rules: sorted}, nil
}

// Match returns the longest-prefix rule for path. Prefixes match on segment
// boundaries: /api/reports matches /api/reports and /api/reports/42 but not
// /api/reportsx.
func (t *Table) Match(path string) (Rule, error) {
	for _, r := range t.rules {
		if matchesPrefix(path, r.PathPrefix) {
			return r, nil
		}
	}
	return Rule{}, ErrNoRoute
}

// Rules returns a copy of the rules in match order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// LoadFile reads a JSON rule list from disk and builds a table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}
	return New(rules)
}
