// Package netutil provides shared HTTP header normalization helpers.
package netutil

import (
	"net/http"
	"strings"
)

// Headers that belong to the edge connection and must not be replayed against
// the local upstream. Matching is case-insensitive.
var tunnelHopHeaders = []string{
	"Host",
	"Connection",
	"Upgrade",
}

// StripTunnelHeaders removes connection-scoped headers from a flat header map
// in place. All other headers, including authentication headers, are left
// untouched.
func StripTunnelHeaders(h map[string]string) {
	if len(h) == 0 {
		return
	}
	for key := range h {
		for _, hop := range tunnelHopHeaders {
			if strings.EqualFold(strings.TrimSpace(key), hop) {
				delete(h, key)
				break
			}
		}
	}
}

// FlattenHeader collapses an [http.Header] into a flat map, joining
// multi-valued headers into a single comma-separated value per name.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// CloneHeaders returns a copy of a flat header map.
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
