package auth

import "strings"

// RewriteScope maps a legacy scope string to its current form (spec §4.7
// "old scope strings ... are rewritten to the new form in the same
// check"). Unknown/already-current scopes pass through unchanged.
func RewriteScope(scope string) string {
	switch {
	case scope == "jobs:runscript":
		return "jobs:run:scripts:*"
	case strings.HasPrefix(scope, "run:script/"):
		return "jobs:run:scripts:" + strings.TrimPrefix(scope, "run:script/")
	case strings.HasPrefix(scope, "run:flow/"):
		return "jobs:run:flows:" + strings.TrimPrefix(scope, "run:flow/")
	case scope == "read:jobs":
		return "jobs:read"
	case scope == "write:jobs":
		return "jobs:write"
	case strings.HasPrefix(scope, "variable:read/"):
		return "variables:read:" + strings.TrimPrefix(scope, "variable:read/")
	default:
		return scope
	}
}

// RewriteAll returns a new slice holding every scope rewritten, in order;
// the input slice is left unchanged (cheap: tokens list is small and
// rewritten once per resolution, not per request).
func RewriteAll(scopes []string) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = RewriteScope(s)
	}
	return out
}
