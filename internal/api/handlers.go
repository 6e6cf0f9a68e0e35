package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/models"
	"github.com/deltastream/deltastream/internal/store"
)

const (
	defaultTickLimit  = 100
	defaultChainLimit = 10
	maxLimit          = 1000
)

// Handlers serves the query endpoints from the store, with the cache used
// only for health probing.
type Handlers struct {
	store *store.Store
	cache *cache.Adapter
}

// NewHandlers builds the handler set.
func NewHandlers(s *store.Store, c *cache.Adapter) *Handlers {
	return &Handlers{store: s, cache: c}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health answers 200 while both backends respond, 503 otherwise.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "detail": "store unreachable"})
		return
	}
	if err := h.cache.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "detail": "cache unreachable"})
		return
	}

	body := map[string]string{"status": "healthy"}
	if latest, err := h.store.LatestTickTime(ctx); err == nil && !latest.IsZero() {
		body["latest_tick"] = latest.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, body)
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func parseInstant(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// tickView renders timestamps as ISO-8601 strings per the query contract.
type tickView struct {
	Product   string  `json:"product"`
	Price     float64 `json:"price"`
	TickID    int64   `json:"tick_id"`
	Timestamp string  `json:"timestamp"`
}

func toTickViews(ticks []models.UnderlyingTick) []tickView {
	views := make([]tickView, len(ticks))
	for i, t := range ticks {
		views[i] = tickView{
			Product:   t.Product,
			Price:     t.Price,
			TickID:    t.TickID,
			Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return views
}

// Underlying returns historical ticks for a product.
// GET /underlying/{product}?start=&end=&limit=
func (h *Handlers) Underlying(w http.ResponseWriter, r *http.Request) {
	product := mux.Vars(r)["product"]

	start, err := parseInstant(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be ISO-8601")
		return
	}
	end, err := parseInstant(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be ISO-8601")
		return
	}

	ticks, err := h.store.TicksByRange(r.Context(), product, start, end, parseLimit(r, defaultTickLimit))
	if err != nil {
		log.Error().Err(err).Str("product", product).Msg("tick query failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product": product,
		"count":   len(ticks),
		"ticks":   toTickViews(ticks),
	})
}

// Chains returns enriched chain snapshots for a product.
// GET /option/chain/{product}?expiry=&limit=
func (h *Handlers) Chains(w http.ResponseWriter, r *http.Request) {
	product := mux.Vars(r)["product"]
	expiry := r.URL.Query().Get("expiry")
	if expiry != "" {
		if _, err := models.ParseExpiry(expiry); err != nil {
			writeError(w, http.StatusBadRequest, "expiry must be YYYY-MM-DD")
			return
		}
	}

	chains, err := h.store.ChainsByProduct(r.Context(), product, expiry, parseLimit(r, defaultChainLimit))
	if err != nil {
		log.Error().Err(err).Str("product", product).Msg("chain query failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product": product,
		"count":   len(chains),
		"chains":  chains,
	})
}

// Products returns the distinct product universe.
// GET /products
func (h *Handlers) Products(w http.ResponseWriter, r *http.Request) {
	products, err := h.store.Products(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("products query failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if products == nil {
		products = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

// Expiries returns a product's expiries, ascending.
// GET /option/expiries/{product}
func (h *Handlers) Expiries(w http.ResponseWriter, r *http.Request) {
	product := mux.Vars(r)["product"]
	expiries, err := h.store.Expiries(r.Context(), product)
	if err != nil {
		log.Error().Err(err).Str("product", product).Msg("expiries query failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if expiries == nil {
		expiries = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product, "expiries": expiries})
}

// NotFound answers unmatched routes in the same JSON shape.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "not found")
}
