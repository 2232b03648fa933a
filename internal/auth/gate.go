package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/kiss96803/dotnetclub/internal/models"
	"github.com/kiss96803/dotnetclub/internal/services"
	"github.com/rs/zerolog/hlog"
)

// SignInPath is where RequireUser sends anonymous visitors.
const SignInPath = "/signin"

// SessionResolver resolves a session cookie value to its user.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (models.User, error)
}

// Gate decides whether a request belongs to a signed-in user.
type Gate struct {
	sessions   SessionResolver
	cookieName string
	lifetime   time.Duration
	secure     bool
}

// NewGate creates a Gate reading the session from cookieName.
func NewGate(sessions SessionResolver, cookieName string, lifetime time.Duration, secure bool) *Gate {
	return &Gate{sessions: sessions, cookieName: cookieName, lifetime: lifetime, secure: secure}
}

// Authorize resolves an explicit session token to a user.
func (g *Gate) Authorize(ctx context.Context, token string) (models.User, error) {
	if token == "" {
		return models.User{}, ErrUnauthenticated
	}
	user, err := g.sessions.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return models.User{}, ErrUnauthenticated
		}
		return models.User{}, err
	}
	return user, nil
}

// SessionToken extracts the session cookie value from r, if any.
func (g *Gate) SessionToken(r *http.Request) string {
	c, err := r.Cookie(g.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetSessionCookie writes the session cookie carrying token.
func (g *Gate) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(g.lifetime),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func (g *Gate) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

type userKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the signed-in user stored by Identify.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userKey{}).(models.User)
	return user, ok
}

// Identify attaches the signed-in user to the request context when the
// session cookie is valid. It never rejects.
func (g *Gate) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := g.SessionToken(r)
		if token != "" {
			user, err := g.Authorize(r.Context(), token)
			switch {
			case err == nil:
				r = r.WithContext(WithUser(r.Context(), user))
			case errors.Is(err, ErrUnauthenticated):
				g.ClearSessionCookie(w)
			default:
				hlog.FromRequest(r).Error().Err(err).Msg("Failed to resolve session")
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser redirects anonymous requests to the sign-in page, keeping the
// requested path as returnUrl. It relies on Identify having run first.
func (g *Gate) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			target := SignInPath + "?returnUrl=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
