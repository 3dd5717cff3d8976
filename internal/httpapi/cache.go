package httpapi

import "net/http"

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusNotImplemented, "result cache is not configured")
		return
	}
	stats := s.cache.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"entries": stats.Entries,
		"hits":    stats.Hits,
		"misses":  stats.Misses,
	})
}

// handleCacheClear drops all cached entries. Clearing an empty cache is
// fine and reports zero.
func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusNotImplemented, "result cache is not configured")
		return
	}
	cleared := s.cache.Clear()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"entries_cleared": cleared,
	})
}
