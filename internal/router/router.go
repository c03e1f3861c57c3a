package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notification-service/internal/config"
	httphandler "notification-service/internal/handler/http"
	wshandler "notification-service/internal/handler/ws"
)

func SetupRoutes(
	nh *httphandler.NotificationHandler,
	dh *httphandler.DispatchHandler,
	ah *httphandler.AdminHandler,
	ws *wshandler.WSHandler,
	cfg config.AppConfig,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-CSRF-Token",
		},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint. Authentication happens inside the handler since
	// browsers cannot attach headers to upgrade requests.
	r.Get("/ws/notifications", ws.Serve)

	r.Route("/api", func(r chi.Router) {
		r.Use(httphandler.Auth(cfg.JWTSecret, logger))

		// ============================================================
		// Recipient-facing routes
		// ============================================================
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", nh.List)
			r.Get("/unread", nh.Unread)
			r.Post("/read", nh.MarkManyRead)
			r.Post("/read-all", nh.MarkAllRead)
			r.Get("/{id}", nh.Get)
			r.Post("/{id}/read", nh.MarkRead)
			r.Post("/{id}/track", nh.TrackAction)
			r.Delete("/{id}", nh.Delete)
		})

		r.Get("/preferences", nh.GetPreferences)
		r.Put("/preferences", nh.UpdatePreferences)

		// ============================================================
		// Sending API (service-to-service)
		// ============================================================
		r.Route("/dispatch", func(r chi.Router) {
			r.Use(httphandler.RequireRole("service", "admin"))

			r.Post("/send", dh.Send)
			r.Post("/send/batch", dh.SendBatch)
			r.Post("/send/broadcast", dh.SendBroadcast)
			r.Post("/send/delayed", dh.SendDelayed)
		})

		// ============================================================
		// Operator routes
		// ============================================================
		r.Route("/admin", func(r chi.Router) {
			r.Use(httphandler.RequireRole("admin"))

			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", ah.QueueStats)
				r.Get("/health", ah.QueueHealth)
				r.Get("/jobs", ah.ListJobs)
				r.Get("/jobs/{id}", ah.GetJob)
				r.Post("/jobs/{id}/retry", ah.RetryJob)
				r.Delete("/jobs/{id}", ah.RemoveJob)
				r.Post("/pause", ah.PauseQueue)
				r.Post("/resume", ah.ResumeQueue)
				r.Post("/cleanup", ah.CleanupQueue)
			})

			r.Route("/templates", func(r chi.Router) {
				r.Post("/", ah.CreateTemplate)
				r.Get("/", ah.ListTemplates)
				r.Post("/validate", ah.ValidateTemplate)
				r.Get("/{templateID}", ah.GetTemplate)
				r.Post("/{templateID}/preview", ah.PreviewTemplate)
				r.Get("/{templateID}/usage", ah.TemplateUsage)
				r.Post("/{templateID}/invalidate", ah.InvalidateTemplateCache)
				r.Post("/{templateID}/{version}/active", ah.SetTemplateActive)
				r.Delete("/{templateID}/{version}", ah.DeleteTemplate)
			})
		})
	})

	return r
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
