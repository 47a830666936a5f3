package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/webchat-proxy/internal/identity"
	"github.com/ashureev/webchat-proxy/internal/metrics"
	"github.com/ashureev/webchat-proxy/internal/middleware"
)

// RouterOptions carries the optional pieces of the HTTP stack.
type RouterOptions struct {
	APIKeys     []string
	CORSOrigins []string
	// Limiter, if set, throttles the /v1 routes per caller.
	Limiter *middleware.RateLimiter
	// Events, if set, is served at /ws/jobs.
	Events http.Handler
	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter wires every endpoint onto a chi router.
func NewRouter(h *Handler, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if opts.AccessLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(opts.CORSOrigins))

	// Public routes. Media ids are unguessable content hashes and image
	// renderers cannot send bearer tokens.
	r.Get("/", h.Index)
	r.Get("/health", h.Health)
	r.Get("/media/{id}", h.GetMedia)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(opts.APIKeys))

		r.Route("/v1", func(r chi.Router) {
			if opts.Limiter != nil {
				if opts.Limiter.OnReject == nil {
					opts.Limiter.OnReject = func(*http.Request) { metrics.RecordRejected("rate_limited") }
				}
				r.Use(opts.Limiter.Handler)
			}
			r.Get("/models", h.ListModels)
			r.Get("/models/{id}", h.GetModel)
			r.Post("/chat/completions", h.ChatCompletions)
			r.Post("/chat/completions/new", h.NewConversation)
			r.Get("/jobs/{id}", h.GetJob)
		})

		if opts.Events != nil {
			r.Get("/ws/jobs", opts.Events.ServeHTTP)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		ErrorCode(w, http.StatusNotFound, "not_found", "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		ErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method "+r.Method+" not allowed on "+r.URL.Path)
	})
	return r
}

// CallerKey charges rate limits to the authenticated caller.
func CallerKey(r *http.Request) string {
	if c := identity.CallerFromContext(r.Context()); c != "" {
		return c
	}
	return identity.IPFromRequest(r)
}
