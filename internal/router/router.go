package router

import (
	"sort"
	"strings"
)

// MatchType selects how a route pattern is compared against a request path.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchPrefix
)

func (m MatchType) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	}
	return "unknown"
}

// Route maps a path pattern to an ordered backend pool. Lower priority wins.
type Route struct {
	PathPattern string
	MatchType   MatchType
	Backends    []string
	Priority    int
}

// Table is a priority-ordered route matcher. A table is rebuilt wholesale on
// reload and never mutated once published; Add/Clear are not safe for
// concurrent use with Match.
type Table struct {
	routes []Route
}

func New(routes []Route) *Table {
	t := &Table{}
	for _, r := range routes {
		t.Add(r)
	}
	return t
}

// Add appends the route and restores ascending priority order. The stable
// sort keeps insertion order among equal priorities.
func (t *Table) Add(r Route) {
	t.routes = append(t.routes, r)
	sort.SliceStable(t.routes, func(i, j int) bool {
		return t.routes[i].Priority < t.routes[j].Priority
	})
}

func (t *Table) Clear() {
	t.routes = nil
}

// Routes returns the table in match-attempt order.
func (t *Table) Routes() []Route {
	return t.routes
}

// Match returns the first route matching path, or nil. Matching is
// byte-for-byte: no trailing-slash collapsing, percent-decoding, or case
// folding.
func (t *Table) Match(path string) *Route {
	for i := range t.routes {
		if matches(path, &t.routes[i]) {
			return &t.routes[i]
		}
	}
	return nil
}

func matches(path string, r *Route) bool {
	switch r.MatchType {
	case MatchExact:
		return path == r.PathPattern
	case MatchPrefix:
		return strings.HasPrefix(path, r.PathPattern)
	}
	return false
}
