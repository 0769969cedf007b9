package authz

import "strings"

// MatchPattern checks if an action pattern matches a required action.
// Supports "resource:verb" format with wildcards:
//
//   - "*"                matches everything
//   - "*:*"              matches everything in resource:verb form
//   - "pipeline:*"       matches "pipeline:read", "pipeline:create", etc.
//   - "create_pipeline"  matches only "create_pipeline"
//
// If either side has no ":" separator they are compared as plain strings
// with wildcard support.
func MatchPattern(pattern, required string) bool {
	if pattern == required || pattern == "*" || pattern == "*:*" {
		return true
	}

	patParts := strings.SplitN(pattern, ":", 2)
	reqParts := strings.SplitN(required, ":", 2)

	if len(patParts) != len(reqParts) || len(patParts) == 1 {
		return matchWildcard(pattern, required)
	}

	return matchWildcard(patParts[0], reqParts[0]) && matchWildcard(patParts[1], reqParts[1])
}

// MatchAny returns true if any of the patterns match the required action.
func MatchAny(patterns []string, required string) bool {
	for _, p := range patterns {
		if MatchPattern(p, required) {
			return true
		}
	}
	return false
}

// matchWildcard compares two strings where "*" matches anything.
func matchWildcard(pattern, value string) bool {
	return pattern == "*" || pattern == value
}
