package ratelimit

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

type route struct {
	method   string
	segments []string
	literals int
	category domain.Category
}

// Resolver canonicalizes raw actions ("METHOD /path") to quota categories.
// Registered patterns may use {name} segments; any concrete value matches
// them, so /exports/svg and /exports/png resolve to the same category.
type Resolver struct {
	mu     sync.RWMutex
	routes []route
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// DefaultResolver maps the gateway's submit endpoints.
func DefaultResolver() *Resolver {
	r := NewResolver()
	for pattern, c := range map[string]domain.Category{
		"POST /api/v1/generations":      domain.CategoryGeneration,
		"POST /api/v1/refinements":      domain.CategoryRefinement,
		"POST /api/v1/exports/{format}": domain.CategoryExport,
	} {
		if err := r.Register(pattern, c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register maps pattern to category. Categories outside the closed set and
// patterns that collide with an existing one are rejected.
func (r *Resolver) Register(pattern string, category domain.Category) error {
	if !category.Known() {
		return fmt.Errorf("register %q: unknown category %q", pattern, category)
	}
	method, segments, err := splitAction(pattern)
	if err != nil {
		return fmt.Errorf("register %q: %w", pattern, err)
	}
	rt := route{method: method, segments: segments, category: category}
	for _, s := range segments {
		if !isParam(s) {
			rt.literals++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.routes {
		if existing.method == method && sameShape(existing.segments, segments) {
			return fmt.Errorf("register %q: overlaps an existing pattern mapped to %q", pattern, existing.category)
		}
	}
	r.routes = append(r.routes, rt)
	return nil
}

// Resolve returns the category for a concrete action such as
// "POST /api/v1/exports/svg". The most specific matching pattern wins.
func (r *Resolver) Resolve(action string) (domain.Category, error) {
	method, segments, err := splitAction(action)
	if err != nil {
		return "", &domain.UnknownActionError{Action: action}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	best := -1
	var category domain.Category
	for _, rt := range r.routes {
		if rt.method != method || !matches(rt.segments, segments) {
			continue
		}
		if rt.literals > best {
			best = rt.literals
			category = rt.category
		}
	}
	if best < 0 {
		return "", &domain.UnknownActionError{Action: method + " /" + strings.Join(segments, "/")}
	}
	return category, nil
}

// Categories lists the distinct categories any registered pattern produces.
func (r *Resolver) Categories() []domain.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[domain.Category]bool)
	var out []domain.Category
	for _, c := range domain.Categories {
		for _, rt := range r.routes {
			if rt.category == c && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// splitAction normalizes "method /a//b/?q=1" into ("METHOD", ["a", "b"]).
func splitAction(action string) (string, []string, error) {
	method, path, ok := strings.Cut(strings.TrimSpace(action), " ")
	if !ok || method == "" {
		return "", nil, fmt.Errorf("action must be \"METHOD /path\"")
	}
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		return "", nil, fmt.Errorf("path must start with /")
	}
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return strings.ToUpper(method), segments, nil
}

func isParam(s string) bool {
	return len(s) > 2 && s[0] == '{' && s[len(s)-1] == '}'
}

func matches(pattern, path []string) bool {
	if len(pattern) != len(path) {
		return false
	}
	for i, s := range pattern {
		if !isParam(s) && s != path[i] {
			return false
		}
	}
	return true
}

// sameShape reports whether two patterns match exactly the same paths.
func sameShape(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if isParam(a[i]) != isParam(b[i]) {
			return false
		}
		if !isParam(a[i]) && a[i] != b[i] {
			return false
		}
	}
	return true
}
