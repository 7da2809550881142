// Package route implements the route table of spec.md §4.5 (C5):
// longest-prefix match from path to route descriptor, ties broken by
// configuration order. Grounded on spec.md §4.5 directly; the ordered,
// immutable-after-publication slice idiom mirrors
// nabbar-golib/httpserver/pool/list.go (an ordered, config-driven list
// of server descriptors).
package route

import "strings"

// Kind distinguishes a static file route from a reverse-proxy route.
type Kind uint8

const (
	KindStatic Kind = iota
	KindProxy
)

// Auth names the authentication method required by a route.
type Auth uint8

const (
	AuthNone Auth = iota
	AuthOAuth
)

// Descriptor is an immutable route record (spec.md §3). Never mutated
// after publication into a Table.
type Descriptor struct {
	Kind        Kind
	PathPrefix  string
	TargetHost  string
	TargetPort  int
	LocalPath   string
	Auth        Auth
	Charset     string

	// AppKey, AppSecret and AllowedURLs configure the OAuth verifier for
	// routes with Auth == AuthOAuth (spec.md §6). Empty for AuthNone routes.
	AppKey      string
	AppSecret   string
	AllowedURLs []string
}

// Table is a read-only, ordered sequence of routes, valid for the
// lifetime of one configuration snapshot (spec.md §4.5: "valid for the
// lifetime of the current configuration snapshot").
type Table struct {
	routes []Descriptor
}

// NewTable builds a Table from routes, preserving configuration order.
func NewTable(routes []Descriptor) *Table {
	cp := make([]Descriptor, len(routes))
	copy(cp, routes)
	return &Table{routes: cp}
}

// Lookup returns the route whose PathPrefix is the longest prefix match
// of path, with ties broken by earliest configuration order (spec.md
// §4.5). Returns ok=false when no configured prefix matches path
// (always the case for an empty table); a "/" route, when present,
// matches every path.
func (t *Table) Lookup(path string) (Descriptor, bool) {
	bestLen := -1
	var best Descriptor
	found := false

	for _, r := range t.routes {
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if len(r.PathPrefix) > bestLen {
			bestLen = len(r.PathPrefix)
			best = r
			found = true
		}
	}

	return best, found
}

// Len returns the number of configured routes.
func (t *Table) Len() int { return len(t.routes) }

// Routes returns the underlying ordered slice (read-only use only; the
// caller must not mutate it).
func (t *Table) Routes() []Descriptor { return t.routes }
