package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// wildcardOrigin in ALLOWED_ORIGINS admits every well-formed origin.
const wildcardOrigin = "*"

// originPolicy is the WebSocket origin allow-list built from Config.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *slog.Logger
}

// newOriginPolicy canonicalizes the configured origins. Blank entries are
// skipped and malformed ones are logged and dropped.
func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}, len(origins)), log: logger}
	for _, raw := range origins {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == wildcardOrigin:
			p.allowAll = true
		default:
			canonical, ok := canonicalOrigin(entry)
			if !ok {
				logger.Warn("ignoring invalid origin in configuration", "origin", raw)
				continue
			}
			p.allowed[canonical] = struct{}{}
		}
	}
	return p
}

// canonicalOrigin reduces an origin to lower-case scheme://host[:port].
func canonicalOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// isAllowed reports whether the request's Origin header is admitted. A
// missing or malformed header never is, even under the wildcard.
func (p *originPolicy) isAllowed(r *http.Request) bool {
	canonical, ok := canonicalOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, found := p.allowed[canonical]
	return found
}

// check is the upgrader's CheckOrigin hook.
func (p *originPolicy) check(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}
	p.log.Warn("blocked websocket connection from disallowed origin",
		"origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
	return false
}
