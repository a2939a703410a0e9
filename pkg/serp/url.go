package serp

import (
	"net/url"
	"strings"
)

// resultURL unwraps Google's click-through redirect (/url?q=<target>&...) to
// the target. Any other href is returned as is.
func resultURL(href string) string {
	href = strings.TrimSpace(href)
	if !isRedirect(href) {
		return href
	}

	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if q := u.Query().Get("q"); q != "" {
		return q
	}
	if q := u.Query().Get("url"); q != "" {
		return q
	}
	return href
}

func isRedirect(href string) bool {
	if strings.HasPrefix(href, "/url?") {
		return true
	}
	u, err := url.Parse(href)
	if err != nil || u.Path != "/url" {
		return false
	}
	return isGoogleHost(u.Hostname())
}

func isGoogleHost(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return host == "google.com" || strings.HasPrefix(host, "google.") ||
		strings.HasSuffix(host, ".google.com") || strings.Contains(host, ".google.")
}

// external reports whether link leads off Google to an absolute http(s)
// address. Relative links on a results page belong to Google's own UI.
func external(link string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return !isGoogleHost(u.Hostname())
}
