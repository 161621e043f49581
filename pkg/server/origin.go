package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// normalizeOrigins lowercases scheme and host of each configured origin and
// drops entries that are not origins. "*" is kept as is.
func normalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			normalized = append(normalized, trimmed)
			continue
		}

		n, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		normalized = append(normalized, n)
	}
	return normalized
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func hasOriginEntries(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) != "" {
			return true
		}
	}
	return false
}

// originPolicy decides which browser origins may open a WebSocket. An empty
// allow-list admits every origin; a list with no usable entry admits none.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, origin := range normalizeOrigins(origins) {
		if origin == "*" {
			p.allowAll = true
			continue
		}
		p.allowed[origin] = struct{}{}
	}
	if !hasOriginEntries(origins) {
		p.allowAll = true
	} else if !p.allowAll && len(p.allowed) == 0 {
		errorLog.Printf("allowed_origins has no valid entry; rejecting every browser origin")
	}
	return p
}

func (p *originPolicy) allows(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	header := r.Header.Get("Origin")
	// Non-browser clients send no Origin header.
	if header == "" {
		return true
	}
	origin, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	_, exists := p.allowed[origin]
	return exists
}

func (p *originPolicy) check(r *http.Request) bool {
	if p.allows(r) {
		return true
	}
	log.Printf("Blocked WebSocket connection from disallowed origin: %q", r.Header.Get("Origin"))
	return false
}
