package ratelimit

import (
	"net/http"
	"strings"

	"github.com/surveyor/intake/internal/common/constants"
)

// ClientKeyFunc derives the rate limiting key of a request.
type ClientKeyFunc func(*http.Request) string

// HeaderClientKey returns a ClientKeyFunc using the first non-empty header among headers.
//
// Forwarding chains are comma separated: only the left-most entry is kept. That entry is set by
// the client itself, so ForwardedClientKey should be preferred behind appending proxies. Requests
// carrying none of the headers share constants.UnknownClientKey.
func HeaderClientKey(headers ...string) ClientKeyFunc {
	return ForwardedClientKey(0, headers...)
}

// ForwardedClientKey is like HeaderClientKey, for a service running behind trustedProxies
// proxies which each append the address of their peer to the forwarding chain.
//
// The entry appended by the outermost trusted proxy is kept, which a client cannot forge.
// Chains shorter than trustedProxies fall back to their left-most entry. With 0 trusted proxies,
// the left-most entry is always kept.
func ForwardedClientKey(trustedProxies int, headers ...string) ClientKeyFunc {
	headers = append([]string(nil), headers...)
	return func(r *http.Request) string {
		for _, h := range headers {
			if key := pickForwarded(r.Header.Get(h), trustedProxies); key != "" {
				return key
			}
		}
		return constants.UnknownClientKey
	}
}

func pickForwarded(v string, trustedProxies int) string {
	if trustedProxies <= 0 {
		first, _, _ := strings.Cut(v, ",")
		return strings.TrimSpace(first)
	}

	var chain []string
	for e := range strings.SplitSeq(v, ",") {
		if e = strings.TrimSpace(e); e != "" {
			chain = append(chain, e)
		}
	}
	if len(chain) == 0 {
		return ""
	}
	return chain[max(len(chain)-trustedProxies, 0)]
}

// HeaderProvider returns the ordered list of headers identifying a client, and the number of
// trusted proxies appending to them.
type HeaderProvider interface {
	ClientHeaders() []string
	TrustedProxies() int
}

// DynamicClientKey is like ForwardedClientKey, with its settings read from p on each request.
func DynamicClientKey(p HeaderProvider) ClientKeyFunc {
	return func(r *http.Request) string {
		return ForwardedClientKey(p.TrustedProxies(), p.ClientHeaders()...)(r)
	}
}
