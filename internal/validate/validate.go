// Package validate implements the broker's input validator (spec §4.6):
// slug syntax, header sanitisation, and body-size enforcement.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxSlugLength is the longest permitted slug, inclusive.
const MaxSlugLength = 50

// ReservedSlug is never bindable and never brokered.
const ReservedSlug = "status"

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// injectionPatterns mirrors spec §4.6's fixed list, compiled once.
var injectionPatterns = regexp.MustCompile(`(?i)<script|javascript:|on\w+\s*=|eval\s*\(|expression\s*\(|vbscript:|data:text/html`)

// hopByHopHeaders are dropped unconditionally before forwarding, per §4.6.
var hopByHopHeaders = map[string]bool{
	"host":                true,
	"content-length":      true,
	"transfer-encoding":   true,
	"connection":          true,
	"upgrade":             true,
	"proxy-connection":    true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
}

// SlugError reports why a candidate slug was rejected.
type SlugError struct {
	Reason string
}

func (e *SlugError) Error() string { return e.Reason }

// Slug validates the syntax and reservation rules for a slug (spec §3).
// An empty string and the reserved literal "status" are both rejected.
func Slug(s string) error {
	if len(s) == 0 || len(s) > MaxSlugLength {
		return &SlugError{Reason: fmt.Sprintf("slug length %d out of range [1,%d]", len(s), MaxSlugLength)}
	}
	if !slugPattern.MatchString(s) {
		return &SlugError{Reason: "slug contains characters outside [A-Za-z0-9_-]"}
	}
	if s == ReservedSlug {
		return &SlugError{Reason: "slug is reserved"}
	}
	return nil
}

// ContainsInjection reports whether s matches any of the fixed injection
// patterns from spec §4.6 (case-insensitive).
func ContainsInjection(s string) bool {
	return injectionPatterns.MatchString(s)
}

// Headers filters a captured header map: hop-by-hop and framing-sensitive
// names are dropped outright; remaining headers whose value fails the
// injection check are dropped; everything else passes through with its
// original case. Filtering is idempotent — applying it to its own output
// is a no-op, since nothing it lets through can newly fail either check.
func Headers(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for name, values := range in {
		if hopByHopHeaders[strings.ToLower(name)] {
			continue
		}
		kept := make([]string, 0, len(values))
		for _, v := range values {
			if ContainsInjection(v) {
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) > 0 {
			out[name] = kept
		}
	}
	return out
}

// BodyLimiter enforces the configured maximum body size while bytes are
// being accumulated, rather than after the fact — spec §4.6 requires
// rejecting "during accumulation, do not wait for end of body".
type BodyLimiter struct {
	Max int64
	n   int64
}

// NewBodyLimiter constructs a limiter for the given ceiling.
func NewBodyLimiter(max int64) *BodyLimiter {
	return &BodyLimiter{Max: max}
}

// ErrBodyTooLarge is returned by Add once the accumulated size exceeds Max.
var ErrBodyTooLarge = fmt.Errorf("request body exceeds maximum size")

// Add records n additional bytes and reports whether the limit was
// exceeded. Once exceeded it stays exceeded (monotonic).
func (l *BodyLimiter) Add(n int64) error {
	l.n += n
	if l.n > l.Max {
		return ErrBodyTooLarge
	}
	return nil
}
