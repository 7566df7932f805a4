package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"serial-voice-ingress/internal/service/pipeline"
)

// maxSnapshot caps ?last= so a request cannot ask for more than any ring
// can hold.
const maxSnapshot = 1 << 20

// View is the read-only part of the pipeline the API exposes.
type View interface {
	Snapshot(last int) []int16
	State() pipeline.State
	Running() bool
}

type snapshotResponse struct {
	Samples []int16 `json:"samples"`
	Count   int     `json:"count"`
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(view View) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !view.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			last := 0
			if v := r.URL.Query().Get("last"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 || n > maxSnapshot {
					http.Error(w, "last must be an integer in [0, 1048576]", http.StatusBadRequest)
					return
				}
				last = n
			}
			samples := view.Snapshot(last)
			writeJSON(w, snapshotResponse{Samples: samples, Count: len(samples)})
		})
		r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, view.State())
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
