package appservice

import (
	"regexp"
	"strings"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// Handler processes one routed request and produces the response to
// relay back to the caller.
type Handler func(rc *RequestContext) (*Response, error)

// MatchKind selects how a route pattern is compared against paths.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchPrefix
	MatchRegex
)

// Route is one registered pattern to handler mapping.
type Route struct {
	Pattern string
	Kind    MatchKind
	Handler Handler

	re *regexp.Regexp
}

// Matches reports whether the route matches the given path.
func (r *Route) Matches(path string) bool {
	switch r.Kind {
	case MatchExact:
		return path == r.Pattern
	case MatchPrefix:
		return strings.HasPrefix(path, r.Pattern)
	case MatchRegex:
		return r.re.MatchString(path)
	}
	return false
}

// RouteRegistry maps request paths to handlers. Routes match in
// registration order, so more specific routes register first.
type RouteRegistry struct {
	routes   []Route
	fallback Handler
}

// NewRouteRegistry creates an empty registry.
func NewRouteRegistry() *RouteRegistry {
	return &RouteRegistry{}
}

// Exact registers a handler for an exact path match.
func (rr *RouteRegistry) Exact(path string, h Handler) *RouteRegistry {
	rr.routes = append(rr.routes, Route{Pattern: path, Kind: MatchExact, Handler: h})
	return rr
}

// Prefix registers a handler for paths starting with the given prefix.
func (rr *RouteRegistry) Prefix(prefix string, h Handler) *RouteRegistry {
	rr.routes = append(rr.routes, Route{Pattern: prefix, Kind: MatchPrefix, Handler: h})
	return rr
}

// Regex registers a handler for paths matching a pattern. The pattern
// is compiled at registration; an invalid pattern is a programmer
// error and panics at startup.
func (rr *RouteRegistry) Regex(pattern string, h Handler) *RouteRegistry {
	rr.routes = append(rr.routes, Route{
		Pattern: pattern,
		Kind:    MatchRegex,
		Handler: h,
		re:      regexp.MustCompile(pattern),
	})
	return rr
}

// Fallback sets the handler used when no route matches.
func (rr *RouteRegistry) Fallback(h Handler) *RouteRegistry {
	rr.fallback = h
	return rr
}

// Match returns the first handler whose route matches the path, or nil.
func (rr *RouteRegistry) Match(path string) Handler {
	for i := range rr.routes {
		if rr.routes[i].Matches(path) {
			return rr.routes[i].Handler
		}
	}
	return nil
}

// MatchOrFallback returns a matching handler, the fallback, or a
// RouteNotFound error when neither exists.
func (rr *RouteRegistry) MatchOrFallback(path string) (Handler, error) {
	if h := rr.Match(path); h != nil {
		return h, nil
	}
	if rr.fallback != nil {
		return rr.fallback, nil
	}
	return nil, errors.Newf(errors.KindRouteNotFound, "no route for path %q", path)
}

// Routes returns a copy of the registered routes.
func (rr *RouteRegistry) Routes() []Route {
	out := make([]Route, len(rr.routes))
	copy(out, rr.routes)
	return out
}

// Len returns the number of registered routes.
func (rr *RouteRegistry) Len() int {
	return len(rr.routes)
}
