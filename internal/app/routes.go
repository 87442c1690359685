package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// ingestPaths are the ingestion endpoints; the extra names are kept for older gateways.
var ingestPaths = []string{"/postMeasurement", "/postMesure", "/api/measurements"}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(a.corsHandler().Handler)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	for _, path := range ingestPaths {
		r.Post(path, a.handleIngest)
	}

	r.Route("/beacon", func(r chi.Router) {
		r.Get("/", a.handleListBeacons)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetBeacon)
			r.Get("/serial", a.handleGetBeaconSerial)
			r.Get("/name", a.handleGetBeaconName)
			r.Put("/name", a.handleUpdateBeaconName)
			r.Get("/description", a.handleGetBeaconDescription)
			r.Put("/description", a.handleUpdateBeaconDescription)
			r.Get("/last_update", a.handleGetLastUpdate)
		})
	})

	r.Get("/type", a.handleListTypes)
	r.Get("/type/{id}", a.handleGetType)
	r.Get("/measurement/{id}/{type}", a.handleSeries)
	r.Get("/api/ingestion-errors", a.handleIngestionErrors)

	return r
}

func (a *App) corsHandler() *cors.Cors {
	origins := a.cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:         300,
	})
}

// requestLogger writes one structured access log line per request.
func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		a.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
