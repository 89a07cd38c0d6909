// Package accesspolicy decides whether an authenticated principal may use
// the platform APIs or is restricted to app-only ingress access. The
// decision is re-evaluated on every login and stored on the user row.
package accesspolicy

import "strings"

// Policy selects how non-admin users are treated.
type Policy string

const (
	// AllowAll grants platform access to every authenticated user.
	AllowAll Policy = "allow_all"
	// Restrictive grants platform access only to allowlisted emails or
	// members of allowlisted IdP groups.
	Restrictive Policy = "restrictive"
)

// Config is the evaluation input derived from the auth configuration.
type Config struct {
	Policy            Policy
	AdminEmails       []string
	AllowedUserEmails []string
	AllowedIdPGroups  []string
}

// IsAdmin reports whether email matches a configured admin,
// case-insensitively. Admins pass every check in this module and in the
// ingress verifier's Member tier.
func (c Config) IsAdmin(email string) bool {
	return containsFold(c.AdminEmails, email)
}

// Evaluate returns true when the principal may use platform APIs.
func Evaluate(c Config, email string, idpGroups []string) bool {
	if c.IsAdmin(email) {
		return true
	}

	switch c.Policy {
	case Restrictive:
		if containsFold(c.AllowedUserEmails, email) {
			return true
		}
		for _, g := range idpGroups {
			if containsFold(c.AllowedIdPGroups, g) {
				return true
			}
		}
		return false
	default:
		// AllowAll, and any unrecognized policy string, admits everyone.
		return true
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
