package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// RouterOptions configure the HTTP surface.
type RouterOptions struct {
	AllowedOrigins []string
	StaticDir      string // optional map frontend served at /
}

// NewRouter mounts the websocket endpoint, health and the JSON API.
func NewRouter(h *Handler, opts RouterOptions, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log.Named("http")))
	r.Use(corsMiddleware(opts.AllowedOrigins))

	// The upgrade hijacks the connection, so it stays outside the timeout.
	r.Get("/ws", h.hub.HandleConnection)
	r.Get("/health", h.GetHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/aircraft", h.GetAllAircraft)
		r.Get("/aircraft/{id}", h.GetAircraft)
		r.Get("/aircraft/{id}/track", h.GetAircraftTrack)
		r.Get("/adsb", h.GetADSBAircraft)
		r.Get("/events", h.GetFlightEvents)
	})

	if opts.StaticDir != "" {
		r.Handle("/*", NewStaticFileHandler(opts.StaticDir, log))
	}

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && originAllowed(allowed, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// requestLogger logs one debug line per request.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("HTTP request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.Int("bytes", ww.BytesWritten()),
				logger.Duration("duration", time.Since(start)),
				logger.String("remote_addr", r.RemoteAddr))
		})
	}
}
