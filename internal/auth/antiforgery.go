package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/hlog"
)

const (
	// AntiForgeryCookieName holds the cookie half of the token pair.
	AntiForgeryCookieName = "discussion.antiforgery"
	// AntiForgeryFormField is the form field carrying the form half.
	AntiForgeryFormField = "__RequestVerificationToken"
	// AntiForgeryHeader is accepted instead of the form field for scripted clients.
	AntiForgeryHeader = "X-CSRF-Token"

	cookieTokenBytes = 32
)

// TokenPair is the double-submit pair: the cookie token goes into a cookie,
// the form token is embedded in the rendered form.
type TokenPair struct {
	CookieToken string
	FormToken   string
}

// formClaims is the payload of a form token. Nonce is the SHA-256 of the
// cookie token it was issued for.
type formClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// AntiForgery issues and validates anti-forgery token pairs. Form tokens
// are self-describing signed JWTs, so validation needs no server state.
type AntiForgery struct {
	key    []byte
	secure bool
}

// NewAntiForgery creates an AntiForgery signing form tokens with secret.
// secure marks the cookie Secure.
func NewAntiForgery(secret string, secure bool) *AntiForgery {
	return &AntiForgery{key: []byte(secret), secure: secure}
}

// Issue creates a fresh random cookie token and a form token bound to it.
func (a *AntiForgery) Issue() (TokenPair, error) {
	buf := make([]byte, cookieTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return TokenPair{}, fmt.Errorf("failed to generate cookie token: %w", err)
	}
	return a.IssueFor(base64.RawURLEncoding.EncodeToString(buf))
}

// IssueFor creates a new form token for an existing cookie token. A
// malformed cookie token is replaced with a fresh pair.
func (a *AntiForgery) IssueFor(cookieToken string) (TokenPair, error) {
	if !wellFormedCookieToken(cookieToken) {
		return a.Issue()
	}

	claims := &formClaims{
		Nonce: nonceOf(cookieToken),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	formToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign form token: %w", err)
	}
	return TokenPair{CookieToken: cookieToken, FormToken: formToken}, nil
}

// Validate checks that formToken was issued for cookieToken. It has no
// side effects.
func (a *AntiForgery) Validate(cookieToken, formToken string) error {
	if cookieToken == "" || formToken == "" {
		return ErrTokenMismatch
	}

	claims := &formClaims{}
	token, err := jwt.ParseWithClaims(formToken, claims, func(token *jwt.Token) (interface{}, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return ErrTokenMismatch
	}

	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonceOf(cookieToken))) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

type formTokenKey struct{}

// FormToken returns the form token placed in ctx by Protect.
func FormToken(ctx context.Context) string {
	token, _ := ctx.Value(formTokenKey{}).(string)
	return token
}

// Protect returns a middleware enforcing the double-submit check. Safe
// requests get a cookie (when missing) and a form token in their context.
// Unsafe requests without a valid pair are handed to onReject and never
// reach next; a nil onReject answers 400.
func (a *AntiForgery) Protect(onReject http.Handler) func(http.Handler) http.Handler {
	if onReject == nil {
		onReject = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Invalid anti-forgery token", http.StatusBadRequest)
		})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var cookieToken string
			if c, err := r.Cookie(AntiForgeryCookieName); err == nil {
				cookieToken = c.Value
			}

			if !isSafeMethod(r.Method) {
				formToken := r.Header.Get(AntiForgeryHeader)
				if formToken == "" {
					formToken = r.PostFormValue(AntiForgeryFormField)
				}
				if err := a.Validate(cookieToken, formToken); err != nil {
					hlog.FromRequest(r).Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected request with invalid anti-forgery token")
					r = r.WithContext(a.withFreshToken(w, r, cookieToken))
					onReject.ServeHTTP(w, r)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(a.withFreshToken(w, r, cookieToken)))
		})
	}
}

// withFreshToken issues a form token for the request's cookie token, setting
// the cookie when it had to be replaced.
func (a *AntiForgery) withFreshToken(w http.ResponseWriter, r *http.Request, cookieToken string) context.Context {
	pair, err := a.IssueFor(cookieToken)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to issue anti-forgery token")
		return r.Context()
	}
	if pair.CookieToken != cookieToken {
		http.SetCookie(w, &http.Cookie{
			Name:     AntiForgeryCookieName,
			Value:    pair.CookieToken,
			Path:     "/",
			HttpOnly: true,
			Secure:   a.secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
	return context.WithValue(r.Context(), formTokenKey{}, pair.FormToken)
}

func wellFormedCookieToken(token string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(raw) == cookieTokenBytes
}

func nonceOf(cookieToken string) string {
	sum := sha256.Sum256([]byte(cookieToken))
	return hex.EncodeToString(sum[:])
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
