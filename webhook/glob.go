package webhook

import "strings"

// GlobMatch matches a stream path against a subscription pattern.
// Supports * (one path segment), ** (zero or more segments), and literal
// segments, with %2A/%2a decoded back to a literal asterisk.
//
// Matching walks both segment slices with a single backtrack point for the
// most recent "**" rather than recursing into every possible split — a
// pattern with several "**" segments (e.g. "/a/**/b/**/c") would otherwise
// re-explore the same suffix of path once per wildcard, which is
// exponential in the number of wildcards for a deep path.
func GlobMatch(pattern, path string) bool {
	return matchSegments(splitPath(pattern), splitPath(path))
}

func splitPath(p string) []string {
	p = strings.TrimLeft(p, "/")
	p = strings.TrimRight(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	pi, si := 0, 0
	starAt, starPathAt := -1, -1

	for si < len(path) {
		switch {
		case pi < len(pattern) && pattern[pi] == "**":
			starAt, starPathAt = pi, si
			pi++
		case pi < len(pattern) && (pattern[pi] == "*" || segmentMatches(pattern[pi], path[si])):
			pi++
			si++
		case starAt != -1:
			starPathAt++
			pi, si = starAt+1, starPathAt
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == "**" {
		pi++
	}

	return pi == len(pattern)
}

func segmentMatches(patternSeg, pathSeg string) bool {
	decoded := strings.ReplaceAll(patternSeg, "%2A", "*")
	decoded = strings.ReplaceAll(decoded, "%2a", "*")
	return decoded == pathSeg
}
