package proxy

import (
	"strings"

	"github.com/PuerkitoBio/purell"
)

// Normalize canonicalizes a proxy address so the same proxy written two ways
// is tracked once. A bare host:port is taken as an http proxy.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	flags := purell.FlagLowercaseScheme |
		purell.FlagLowercaseHost |
		purell.FlagRemoveDefaultPort |
		purell.FlagRemoveFragment |
		purell.FlagRemoveTrailingSlash |
		purell.FlagRemoveDuplicateSlashes |
		purell.FlagRemoveDotSegments

	return purell.NormalizeURLString(addr, flags)
}
