package models

import (
	"encoding/json"
	"fmt"
)

// Wildcard matches any system or application context.
const Wildcard = "*"

// SecurityContext is a two-part identity descriptor used in access control
// lists: the system context (application id) and the application context
// (a sub-context inside that application). Either part may be Wildcard.
type SecurityContext struct {
	SystemContext      string
	ApplicationContext string
}

// NewSecurityContext returns a context for sys with any application context.
func NewSecurityContext(sys string) SecurityContext {
	return SecurityContext{SystemContext: sys, ApplicationContext: Wildcard}
}

// NewSecurityContextPair returns a context with both parts set.
func NewSecurityContextPair(sys, app string) SecurityContext {
	return SecurityContext{SystemContext: sys, ApplicationContext: app}
}

// Equal compares both parts. The application context is ignored when
// both sides leave it empty.
func (sc SecurityContext) Equal(other SecurityContext) bool {
	if sc.SystemContext != other.SystemContext {
		return false
	}
	if sc.ApplicationContext == "" && other.ApplicationContext == "" {
		return true
	}
	return sc.ApplicationContext == other.ApplicationContext
}

// Match reports whether the pattern sc admits candidate. Wildcards are
// only honoured on the pattern side, so Match is not symmetric.
func (sc SecurityContext) Match(candidate SecurityContext) bool {
	if sc.SystemContext == Wildcard {
		return true
	}
	if sc.SystemContext != candidate.SystemContext {
		return false
	}
	if sc.ApplicationContext == Wildcard {
		return true
	}
	return sc.ApplicationContext == candidate.ApplicationContext
}

// String renders the context as "sys" or "sys/app".
func (sc SecurityContext) String() string {
	if sc.ApplicationContext == "" || sc.ApplicationContext == Wildcard {
		return sc.SystemContext
	}
	return sc.SystemContext + "/" + sc.ApplicationContext
}

// SecurityContextList is an unordered set of security contexts.
type SecurityContextList []SecurityContext

// Contains reports whether an element Equal to sc is present.
func (l SecurityContextList) Contains(sc SecurityContext) bool {
	for _, e := range l {
		if e.Equal(sc) {
			return true
		}
	}
	return false
}

// EqualSet compares l and other as sets: order and duplicates are ignored.
func (l SecurityContextList) EqualSet(other SecurityContextList) bool {
	for _, e := range l {
		if !other.Contains(e) {
			return false
		}
	}
	for _, e := range other {
		if !l.Contains(e) {
			return false
		}
	}
	return true
}

// Grants reports whether candidate is admitted by any entry.
//
// An empty list grants everything: it means no ACL was configured, not
// that nobody is allowed. Owner lists must not be checked with Grants
// when empty; see IsOwnerless.
func (l SecurityContextList) Grants(candidate SecurityContext) bool {
	if len(l) == 0 {
		return true
	}
	for _, e := range l {
		if e.Match(candidate) {
			return true
		}
	}
	return false
}

// IsOwnerless reports whether an owner list designates no owner at all.
func (l SecurityContextList) IsOwnerless() bool {
	return len(l) == 0
}

// Flatten returns the list as [sys0, app0, sys1, app1, ...].
func (l SecurityContextList) Flatten() []string {
	out := make([]string, 0, 2*len(l))
	for _, e := range l {
		out = append(out, e.SystemContext, e.ApplicationContext)
	}
	return out
}

// ParseSecurityContextList reverses Flatten.
func ParseSecurityContextList(flat []string) (SecurityContextList, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("security context list: odd number of elements (%d)", len(flat))
	}
	l := make(SecurityContextList, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		l = append(l, NewSecurityContextPair(flat[i], flat[i+1]))
	}
	return l, nil
}

// MarshalJSON encodes the list in its flat form.
func (l SecurityContextList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Flatten())
}

// UnmarshalJSON decodes the flat form produced by MarshalJSON.
func (l *SecurityContextList) UnmarshalJSON(data []byte) error {
	var flat []string
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	parsed, err := ParseSecurityContextList(flat)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
