// Package identity models the caller principals used across the platform.
//
// A principal is an opaque textual identity established at the HTTP boundary
// (an authenticating proxy is assumed in front of the API). The zero value is
// anonymous; anonymous callers are rejected by every mutating operation that
// requires ownership.
package identity

// Principal identifies a caller, owner, or payee.
type Principal string

// Anonymous is the principal assigned to unauthenticated callers.
const Anonymous Principal = "anonymous"

// IsAnonymous reports whether p carries no usable identity.
func (p Principal) IsAnonymous() bool {
	return p == "" || p == Anonymous
}

func (p Principal) String() string { return string(p) }

// Set is a small helper for admin allow-lists.
type Set map[Principal]struct{}

// NewSet builds a Set from the given principals, skipping empty entries.
func NewSet(principals ...Principal) Set {
	s := make(Set, len(principals))
	for _, p := range principals {
		if p == "" {
			continue
		}
		s[p] = struct{}{}
	}
	return s
}

// Contains reports whether p is a member of the set.
func (s Set) Contains(p Principal) bool {
	_, ok := s[p]
	return ok
}
