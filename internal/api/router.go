package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kiss96803/dotnetclub/internal/api/handlers"
	"github.com/kiss96803/dotnetclub/internal/auth"
	"github.com/kiss96803/dotnetclub/internal/services"
	"github.com/kiss96803/dotnetclub/internal/views"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
	Views          *views.Renderer
	AntiForgery    *auth.AntiForgery
	Gate           *auth.Gate
	Throttle       *auth.Throttle
	Users          services.UserServiceProvider
	Sessions       services.SessionServiceProvider
	Topics         services.TopicServiceProvider
	Events         services.EventServiceProvider

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// NewRouter creates and configures a new Chi router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	if d.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(hlog.NewHandler(d.Logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", auth.AntiForgeryHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	// Initialize handlers
	accountHandler := handlers.NewAccountHandler(d.Users, d.Sessions, d.Events, d.Gate, d.Throttle, d.Views)
	topicHandler := handlers.NewTopicHandler(d.Topics, d.Views)
	eventHandler := handlers.NewEventHandler(d.Events)

	r.Group(func(r chi.Router) {
		r.Use(d.Gate.Identify)

		// Account forms re-render themselves when the anti-forgery check fails.
		signinCSRF := d.AntiForgery.Protect(http.HandlerFunc(accountHandler.RejectSignin))
		r.With(signinCSRF).Get("/signin", accountHandler.ShowSignin)
		r.With(signinCSRF).Post("/signin", accountHandler.Signin)

		registerCSRF := d.AntiForgery.Protect(http.HandlerFunc(accountHandler.RejectRegister))
		r.With(registerCSRF).Get("/register", accountHandler.ShowRegister)
		r.With(registerCSRF).Post("/register", accountHandler.Register)

		r.Group(func(r chi.Router) {
			r.Use(d.AntiForgery.Protect(nil))

			r.Get("/", topicHandler.Home)
			r.Post("/signout", accountHandler.Signout)

			r.Group(func(r chi.Router) {
				r.Use(d.Gate.RequireUser)

				r.Get("/topics/create", topicHandler.ShowCreate)
				r.Post("/topics", topicHandler.Create)
				r.Get("/account/activity", eventHandler.GetMine)
			})
		})
	})

	return r
}

// requestIDLogger tags the request-scoped logger with chi's request ID.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetReqID(r.Context())
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", id)
		})
		next.ServeHTTP(w, r)
	})
}
