package security

import (
	"net/http"
	"slices"
	"strings"
)

// Roles
const (
	RoleOwner     = "owner"
	RoleInspector = "inspector"
	RoleReadonly  = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOwner, RoleInspector, RoleReadonly}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method ("GET", "POST", "PUT", "DELETE", "*" for any)
	Pattern string // path prefix or exact match
	Roles   []string
}

// permissions is checked in order; the first match decides.
var permissions = []routePermission{
	// Inspectors submit reports and nudge the queue
	{Method: "POST", Pattern: "/api/submit", Roles: []string{RoleOwner, RoleInspector}},
	{Method: "POST", Pattern: "/api/outbox/sync", Roles: []string{RoleOwner, RoleInspector}},
	{Method: "POST", Pattern: "/api/outbox/{id}/retry", Roles: []string{RoleOwner, RoleInspector}},
	// All GET endpoints are available to readonly
	{Method: "GET", Pattern: "/api/", Roles: []string{RoleOwner, RoleInspector, RoleReadonly}},
	// Everything else (discarding entries) requires owner
	{Method: "*", Pattern: "/api/", Roles: []string{RoleOwner}},
}

// RequirePermission returns middleware that checks the caller's role against
// the route table. Requests without claims (dev mode) pass through.
func RequirePermission() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !CheckPermission(claims.Role, r.Method, r.URL.Path) {
				writeError(w, http.StatusForbidden, ErrInsufficientRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckPermission checks if the given role is allowed to access method+path.
// Returns true if allowed. Owner always has access.
func CheckPermission(role, method, path string) bool {
	if role == RoleOwner {
		return true
	}

	// Normalize path: strip trailing slash for matching
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if perm.Method != "*" && perm.Method != method {
			continue
		}
		if !matchRoute(perm.Pattern, path) {
			continue
		}
		return slices.Contains(perm.Roles, role)
	}
	return false
}

// matchRoute checks if a path matches a route pattern. "/api/" matches any
// path under /api; other patterns match segment by segment with {id}
// wildcards.
func matchRoute(pattern, path string) bool {
	if pattern == "/api/" {
		return path == "/api" || strings.HasPrefix(path, "/api/")
	}

	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(pathParts) != len(patParts) {
		return false
	}

	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue // wildcard
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
