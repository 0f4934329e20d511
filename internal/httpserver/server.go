package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is implemented by anything whose liveness can be checked, such as
// a database pool or a redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the base chi router shared by the gateway: request ID,
// structured logging, panic recovery, CORS, and the operational endpoints
// (health, readiness, metrics). Domain routes are mounted by the caller.
func NewRouter(logger *slog.Logger, registry *prometheus.Registry, readiness map[string]Pinger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Logger(logger))
	r.Use(Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"*"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady(readiness))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failures := map[string]string{}
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				failures[name] = err.Error()
			}
		}

		if len(failures) > 0 {
			RespondError(w, http.StatusServiceUnavailable, "not_ready", "one or more dependencies are unreachable")
			return
		}

		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
