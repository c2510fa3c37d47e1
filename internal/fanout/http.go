package fanout

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/bracketcast/bracketcast/internal/core/journal"
	"github.com/bracketcast/bracketcast/internal/core/mediastate"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// HandleWS upgrades a display connection. Displays identify their tenant
// and kind in the query string: /ws?tenant=3&kind=bracket.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantParam(r)
	if err != nil {
		httpError(w, err)
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "match"
	}
	if !displayKinds[kind] {
		httpError(w, fault.New(fault.BadInput, "unknown display kind %q", kind))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warnf("fanout: upgrade failed: %v", err)
		return
	}

	c := &conn{
		id:       uuid.NewString(),
		tenantID: tenantID,
		kind:     kind,
		ws:       ws,
		send:     make(chan []byte, connSendBuf),
		done:     make(chan struct{}),
	}
	h.register(c)
	go h.writePump(c)
	go h.readPump(c)
}

// Router wires the inbound HTTP surface: the WebSocket endpoint, the pull
// fallback for displays that cannot hold a socket, the activity feed, and
// the health probe.
func Router(h *Hub, cache *mediastate.Cache, jnl *journal.Journal, staleAfter time.Duration) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.HandleWS)
	r.HandleFunc("/api/matches/current", currentHandler(h, cache, staleAfter)).Methods(http.MethodGet)
	r.HandleFunc("/api/activity", activityHandler(jnl)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	return r
}

// currentHandler serves the tenant's latest envelope: hub memory first,
// then the media-state cache with staleness annotations.
func currentHandler(h *Hub, cache *mediastate.Cache, staleAfter time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenantParam(r)
		if err != nil {
			httpError(w, err)
			return
		}
		if env, ok := h.Current(tenantID); ok {
			writeJSON(w, http.StatusOK, env)
			return
		}
		if cache != nil {
			if env, ok := cache.Serve(tenantID, staleAfter); ok {
				writeJSON(w, http.StatusOK, env)
				return
			}
		}
		httpError(w, fault.New(fault.NotFound, "no snapshot for tenant %d", tenantID))
	}
}

func activityHandler(jnl *journal.Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenantParam(r)
		if err != nil {
			httpError(w, err)
			return
		}
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		entries := jnl.Query(tenantID, journal.Filter{
			Category: q.Get("category"),
			Search:   q.Get("q"),
			Limit:    limit,
		})
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"time":     time.Now().UTC(),
		"displays": telemetry.Metrics.DisplaysActive.Value(),
	})
}

func tenantParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("tenant")
	if raw == "" {
		return 0, fault.New(fault.BadInput, "missing ?tenant= query param")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fault.New(fault.BadInput, "bad tenant id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		telemetry.Warnf("fanout: encode response: %v", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), map[string]string{"error": err.Error()})
}
