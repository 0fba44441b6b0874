// Package normalize derives comparable account domains from CRM fields.
package normalize

import (
	"net/url"
	"regexp"
	"strings"
)

// SyntheticSuffix marks a domain synthesized from a name rather than observed.
const SyntheticSuffix = ".local"

// UnknownDomain is used when a name has no usable characters.
const UnknownDomain = "unknown" + SyntheticSuffix

var (
	invalidHostChars = regexp.MustCompile(`[^a-z0-9.-]`)
	schemePrefix     = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)
	nonAlphanumeric  = regexp.MustCompile(`[^a-z0-9]+`)
)

// DomainFromWebsite extracts a lowercase host without a leading "www." from a URL.
// It reports false when nothing usable remains.
func DomainFromWebsite(website string) (string, bool) {
	raw := strings.TrimSpace(website)
	if raw == "" {
		return "", false
	}

	candidate := raw
	if !schemePrefix.MatchString(candidate) {
		candidate = "https://" + candidate
	}
	// The sanitizer only applies when the URL does not yield a host.
	if u, err := url.Parse(candidate); err == nil {
		if host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."); host != "" {
			return host, true
		}
	}

	cleaned := invalidHostChars.ReplaceAllString(strings.ToLower(raw), "")
	cleaned = strings.TrimPrefix(cleaned, "www.")
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}

// DomainFromName synthesizes a ".local" domain from an organization name.
func DomainFromName(name string) string {
	slug := nonAlphanumeric.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return UnknownDomain
	}
	return slug + SyntheticSuffix
}

// IsSynthetic reports whether domain was synthesized by DomainFromName.
func IsSynthetic(domain string) bool {
	return strings.HasSuffix(domain, SyntheticSuffix)
}
