package server

import "strings"

// originAllowed reports whether the given Origin header is acceptable.
// Localhost origins are always allowed since the frontend is typically
// served from the same workstation; anything else must be configured.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}

	if origin == "http://localhost" ||
		origin == "http://127.0.0.1" ||
		strings.HasPrefix(origin, "http://localhost:") ||
		strings.HasPrefix(origin, "http://127.0.0.1:") {
		return true
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}
