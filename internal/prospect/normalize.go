package prospect

import (
	"net/mail"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// foldCase uses a fresh Caser per call; Casers are not safe for concurrent use.
func foldCase(s string) string { return cases.Fold().String(s) }

// NormalizeEmail returns the dedup key for an email address: trimmed, NFC and
// case-folded. Invalid input yields "".
func NormalizeEmail(s string) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return ""
	}
	return foldCase(s)
}

// NormalizeProfileURL returns the dedup key for a professional-profile URL.
// Scheme, "www." prefix, query, fragment and trailing slashes are dropped and the
// result is lowercased, so "https://www.LinkedIn.com/in/Jane/" and
// "linkedin.com/in/jane" share a key. Invalid input yields "".
func NormalizeProfileURL(s string) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	return foldCase(host + path)
}

// NormalizeDomain reduces a website, URL or email domain to its registrable domain,
// e.g. "https://eu.shop.acme.co.uk/x" -> "acme.co.uk". Invalid input yields "".
func NormalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		s = s[at+1:]
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Hostname()
	}
	s = strings.TrimPrefix(strings.SplitN(s, "/", 2)[0], "www.")
	s = strings.TrimSuffix(s, ".")
	if s == "" || !strings.Contains(s, ".") {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(s)
	if err != nil {
		return ""
	}
	return d
}

func displayName(full, first, last string) string {
	if full = strings.TrimSpace(full); full != "" {
		return full
	}
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
