package ledger

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned for URLs that cannot be tracked because they do
// not parse or carry no host.
var ErrInvalidURL = errors.New("ledger: invalid url")

// internalSchemes are browser pages that are never tracked.
var internalSchemes = map[string]bool{
	"about":            true,
	"brave":            true,
	"chrome":           true,
	"chrome-extension": true,
	"chrome-search":    true,
	"chrome-untrusted": true,
	"devtools":         true,
	"edge":             true,
	"file":             true,
	"moz-extension":    true,
	"opera":            true,
	"view-source":      true,
	"vivaldi":          true,
}

// IsInternal reports whether raw is a browser-internal or empty URL.
func IsInternal(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	scheme, _, ok := strings.Cut(raw, ":")
	return ok && internalSchemes[strings.ToLower(scheme)]
}

// parseTrackable returns the host of a trackable URL.
func parseTrackable(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	return strings.ToLower(u.Hostname()), nil
}

// Domain returns the host a session on raw would be recorded under.
// Internal pages yield ErrInvalidURL.
func Domain(raw string) (string, error) {
	if IsInternal(raw) {
		return "", fmt.Errorf("%w: %q is a browser page", ErrInvalidURL, raw)
	}
	return parseTrackable(raw)
}
