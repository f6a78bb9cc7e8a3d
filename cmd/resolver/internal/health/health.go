// Package health exposes the resolver process's liveness/readiness surface:
// the only HTTP surface this process owns. The resolve/apply API itself
// travels over the host-embedding boundary (WASM shim or sibling RPC
// transport), not plain HTTP, so it has no handler here.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/confidence-resolver/resolver/cmd/resolver/internal/cache"
)

// Handler serves /ready and /live, mirroring the teacher's edge-evaluator
// health handler shape against the catalog cache instead of a config cache.
type Handler struct {
	catalogCache *cache.CatalogCache
	version      string
	logger       zerolog.Logger
}

// New creates a health handler bound to the catalog cache whose hit ratio
// and size feed the readiness payload.
func New(catalogCache *cache.CatalogCache, version string, logger zerolog.Logger) *Handler {
	return &Handler{
		catalogCache: catalogCache,
		version:      version,
		logger:       logger.With().Str("handler", "health").Logger(),
	}
}

// Mount attaches /ready, /live, and CORS-wrapped routing to r.
func (h *Handler) Mount(r chi.Router) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))
	r.Get("/ready", h.Ready)
	r.Get("/live", h.Live)
}

// Ready handles GET /ready - readiness probe.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	stats := h.catalogCache.GetStats()
	h.sendJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"timestamp":     time.Now(),
		"service":       "resolver",
		"version":       h.version,
		"catalog_cache": stats,
		"hit_ratio_pct": h.catalogCache.GetCacheHitRatio(),
	})
}

// Live handles GET /live - liveness probe.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "alive",
		"timestamp": time.Now(),
		"service":   "resolver",
		"version":   h.version,
	})
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode health response")
	}
}
