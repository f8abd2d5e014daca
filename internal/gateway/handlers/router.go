package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes bundles the handlers served by the gateway
type Routes struct {
	Proxy     *ProxyHandler
	Keys      *KeysHandler
	LogStream *LogStreamHandler
	Analytics *AnalyticsHandler
	Health    *HealthHandler
	Metrics   http.Handler

	// RequestTimeout bounds every route except the live log stream
	RequestTimeout time.Duration
}

// NewRouter wires the gateway routes
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORSMiddleware)

	if routes.Health != nil {
		r.Get("/health", routes.Health.HandleHealth)
	}
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	// long-lived, so kept out of the timeout group
	if routes.LogStream != nil {
		r.Get("/ws/logs", routes.LogStream.HandleLogStream)
	}

	r.Group(func(r chi.Router) {
		if routes.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(routes.RequestTimeout))
		}

		if routes.Keys != nil {
			r.Post("/auth/keys", routes.Keys.HandleCreateKey)
		}
		if routes.Analytics != nil {
			r.Get("/analytics", routes.Analytics.HandleAnalytics)
		}
		if routes.Proxy != nil {
			r.Route("/proxy/{target}", func(r chi.Router) {
				r.Get("/*", routes.Proxy.HandleProxy)
				r.Post("/*", routes.Proxy.HandleProxy)
				r.Put("/*", routes.Proxy.HandleProxy)
				r.Delete("/*", routes.Proxy.HandleProxy)
			})
		}
	})

	return r
}
