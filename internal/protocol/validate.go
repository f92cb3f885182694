package protocol

import (
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// ttlPattern matches a non-negative integer with no leading zeros, except
// the literal "0" (spec §4.1).
var ttlPattern = regexp.MustCompile(`^0$|^[1-9][0-9]*$`)

// ParseTTLSeconds validates and parses a Stream-TTL header value.
func ParseTTLSeconds(s string) (int64, error) {
	if !ttlPattern.MatchString(s) {
		return 0, NewError(KindBadRequest, "Stream-TTL must be digits with no leading zeros")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, Wrap(KindBadRequest, "invalid Stream-TTL", err)
	}
	return n, nil
}

// ParseExpiresAt validates and parses a Stream-Expires-At header value.
func ParseExpiresAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, Wrap(KindBadRequest, "invalid Stream-Expires-At: must be RFC 3339", err)
	}
	return t, nil
}

// forbiddenOffsetChars holds the characters spec §3 forbids in an offset.
const forbiddenOffsetChars = ",&=?"

// ValidateOffsetString enforces spec §3's "never containing any of , & = ?"
// rule ahead of ParseOffset's numeric parsing — useful for validating
// client-supplied cursor-like opaque tokens that aren't necessarily ours.
func ValidateOffsetString(s string) error {
	if s == "" {
		return NewError(KindBadRequest, "offset must not be empty")
	}
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(forbiddenOffsetChars); j++ {
			if s[i] == forbiddenOffsetChars[j] {
				return NewError(KindBadRequest, "offset contains a forbidden character")
			}
		}
	}
	return nil
}

// SingleQueryValue extracts a query parameter that must appear at most once
// (spec §4.1: "no key may appear twice in the URL"). ok is false when the
// key is entirely absent; err is non-nil when it appears more than once or
// (when requireNonEmpty) appears with an empty value.
func SingleQueryValue(q url.Values, key string, requireNonEmpty bool) (value string, ok bool, err error) {
	values, present := q[key]
	if !present {
		return "", false, nil
	}
	if len(values) > 1 {
		return "", true, NewError(KindBadRequest, "duplicate query parameter: "+key)
	}
	value = values[0]
	if requireNonEmpty && value == "" {
		return "", true, NewError(KindBadRequest, "query parameter must not be empty: "+key)
	}
	return value, true, nil
}

// ExtractMediaType strips parameters (e.g. ";charset=utf-8") from a
// Content-Type header value.
func ExtractMediaType(contentType string) string {
	for i := 0; i < len(contentType); i++ {
		if contentType[i] == ';' {
			return contentType[:i]
		}
	}
	return contentType
}

// ContentTypeMatches compares two content types by media type only,
// case-insensitively, treating "" as the default octet-stream type.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = DefaultContentType
	}
	if b == "" {
		b = DefaultContentType
	}
	return equalFoldASCII(ExtractMediaType(a), ExtractMediaType(b))
}

// IsJSONContentType reports whether contentType selects JSON-mode codec
// semantics.
func IsJSONContentType(contentType string) bool {
	return equalFoldASCII(ExtractMediaType(contentType), ContentTypeJSON)
}

// IsTextOrJSON reports whether contentType is eligible for SSE (spec §4.6:
// "text/* or application/json").
func IsTextOrJSON(contentType string) bool {
	mt := ExtractMediaType(contentType)
	return hasPrefixFoldASCII(mt, "text/") || equalFoldASCII(mt, ContentTypeJSON)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

func hasPrefixFoldASCII(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return equalFoldASCII(s[:len(prefix)], prefix)
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
