package handlers

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiss96803/dotnetclub/internal/auth"
	"github.com/kiss96803/dotnetclub/internal/models"
	"github.com/kiss96803/dotnetclub/internal/services"
	"github.com/kiss96803/dotnetclub/internal/views"
	"github.com/rs/zerolog/hlog"
)

const (
	msgInvalidCredentials = "用户名或密码错误"
	msgDuplicateUsername  = "用户名已被占用"
	msgInvalidToken       = "页面已过期，请重新提交"
	msgServerError        = "服务器错误，请稍后再试"
)

// AccountHandler serves the sign-in, registration and sign-out flows.
type AccountHandler struct {
	users    services.UserServiceProvider
	sessions services.SessionServiceProvider
	events   services.EventServiceProvider
	gate     *auth.Gate
	throttle *auth.Throttle
	views    *views.Renderer
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(users services.UserServiceProvider, sessions services.SessionServiceProvider, events services.EventServiceProvider, gate *auth.Gate, throttle *auth.Throttle, v *views.Renderer) *AccountHandler {
	return &AccountHandler{
		users:    users,
		sessions: sessions,
		events:   events,
		gate:     gate,
		throttle: throttle,
		views:    v,
	}
}

// ShowSignin renders the sign-in form.
func (h *AccountHandler) ShowSignin(w http.ResponseWriter, r *http.Request) {
	data := pageData(r, "用户登录")
	data.ReturnURL = safeReturnURL(r.URL.Query().Get("returnUrl"))
	render(w, r, h.views, http.StatusOK, views.PageSignin, data)
}

// Signin checks the submitted credentials and issues a session.
func (h *AccountHandler) Signin(w http.ResponseWriter, r *http.Request) {
	username := r.PostFormValue("UserName")
	password := r.PostFormValue("Password")
	returnURL := safeReturnURL(r.PostFormValue("returnUrl"))

	ip := clientIP(r)
	keys := throttleKeys(ip, username)
	if retryAfter := h.lockedFor(keys); retryAfter > 0 {
		hlog.FromRequest(r).Warn().Str("ip", ip).Str("username", username).Msg("Sign-in attempt while locked out")
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
		h.renderSignin(w, r, http.StatusTooManyRequests, username, returnURL, "尝试次数过多，请稍后再试")
		return
	}

	user, err := h.users.Verify(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			remaining := h.recordFailure(keys)
			hlog.FromRequest(r).Warn().Str("username", username).Int("remaining_attempts", remaining).Msg("Failed sign-in attempt")
			h.recordEvent(r, services.EventUserSigninFail, "warn",
				fmt.Sprintf("Failed sign-in for '%s'", username), nil)
			h.renderSignin(w, r, http.StatusOK, username, returnURL, msgInvalidCredentials)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("username", username).Msg("Failed to verify credentials")
		h.renderSignin(w, r, http.StatusInternalServerError, username, returnURL, msgServerError)
		return
	}

	// Only the account counter clears; the address keeps its failures.
	h.throttle.Reset(keys[1])
	if !h.startSession(w, r, user) {
		h.renderSignin(w, r, http.StatusInternalServerError, username, returnURL, msgServerError)
		return
	}
	h.recordEvent(r, services.EventUserSigninSuccess, "info",
		fmt.Sprintf("User '%s' signed in", user.Username), &user.ID)
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// ShowRegister renders the registration form.
func (h *AccountHandler) ShowRegister(w http.ResponseWriter, r *http.Request) {
	render(w, r, h.views, http.StatusOK, views.PageRegister, pageData(r, "用户注册"))
}

// Register creates the account and signs the new user in.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	username := r.PostFormValue("UserName")
	password := r.PostFormValue("Password")

	// Skips the bcrypt work for names already taken. Register still relies
	// on the unique index when two requests race.
	taken, err := h.users.Exists(r.Context(), username)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("username", username).Msg("Failed to check username")
		h.renderRegister(w, r, http.StatusInternalServerError, username, msgServerError)
		return
	}
	if taken {
		hlog.FromRequest(r).Warn().Str("username", username).Msg("Registration with duplicate username")
		h.renderRegister(w, r, http.StatusOK, username, msgDuplicateUsername)
		return
	}

	user, err := h.users.Register(r.Context(), username, password)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDuplicateUsername):
			hlog.FromRequest(r).Warn().Str("username", username).Msg("Registration with duplicate username")
			h.renderRegister(w, r, http.StatusOK, username, msgDuplicateUsername)
		case errors.Is(err, services.ErrInvalidUsername), errors.Is(err, services.ErrInvalidPassword):
			h.renderRegister(w, r, http.StatusOK, username, err.Error())
		default:
			hlog.FromRequest(r).Error().Err(err).Str("username", username).Msg("Failed to register user")
			h.renderRegister(w, r, http.StatusInternalServerError, username, msgServerError)
		}
		return
	}

	h.recordEvent(r, services.EventUserRegister, "info",
		fmt.Sprintf("User '%s' registered", user.Username), &user.ID)
	if !h.startSession(w, r, user) {
		// The account exists; the user can still sign in by hand.
		http.Redirect(w, r, auth.SignInPath, http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// Signout revokes the current session.
func (h *AccountHandler) Signout(w http.ResponseWriter, r *http.Request) {
	token := h.gate.SessionToken(r)
	if err := h.sessions.Revoke(r.Context(), token); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to revoke session")
	}
	if user, ok := auth.UserFromContext(r.Context()); ok {
		h.recordEvent(r, services.EventUserSignout, "info",
			fmt.Sprintf("User '%s' signed out", user.Username), &user.ID)
	}
	h.gate.ClearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// RejectSignin re-renders the sign-in form after an anti-forgery failure.
func (h *AccountHandler) RejectSignin(w http.ResponseWriter, r *http.Request) {
	h.renderSignin(w, r, http.StatusOK, r.PostFormValue("UserName"),
		safeReturnURL(r.PostFormValue("returnUrl")), msgInvalidToken)
}

// RejectRegister re-renders the registration form after an anti-forgery failure.
func (h *AccountHandler) RejectRegister(w http.ResponseWriter, r *http.Request) {
	h.renderRegister(w, r, http.StatusOK, r.PostFormValue("UserName"), msgInvalidToken)
}

func (h *AccountHandler) startSession(w http.ResponseWriter, r *http.Request, user models.User) bool {
	token, _, err := h.sessions.IssueSession(r.Context(), user)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("user_id", user.ID).Msg("Failed to issue session")
		return false
	}
	h.gate.SetSessionCookie(w, token)
	return true
}

func (h *AccountHandler) renderSignin(w http.ResponseWriter, r *http.Request, status int, username, returnURL, msg string) {
	data := pageData(r, "用户登录")
	data.UserName = username
	data.ReturnURL = returnURL
	data.Error = msg
	render(w, r, h.views, status, views.PageSignin, data)
}

func (h *AccountHandler) renderRegister(w http.ResponseWriter, r *http.Request, status int, username, msg string) {
	data := pageData(r, "用户注册")
	data.UserName = username
	data.Error = msg
	render(w, r, h.views, status, views.PageRegister, data)
}

func (h *AccountHandler) recordEvent(r *http.Request, eventType, level, msg string, userID *string) {
	if err := h.events.CreateEvent(r.Context(), eventType, level, msg, userID); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("event_type", eventType).Msg("Failed to record event")
	}
}

// safeReturnURL only allows local absolute paths. Browsers drop tabs and
// newlines while parsing, so any control byte is refused outright.
func safeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < 0x20 || raw[i] == 0x7f {
			return "/"
		}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return raw
}

// throttleKeys counts failures per client address and per account, so
// rotating the address does not reset the account's counter.
func throttleKeys(ip, username string) [2]string {
	return [2]string{"ip:" + ip, "user:" + username}
}

func (h *AccountHandler) lockedFor(keys [2]string) time.Duration {
	var longest time.Duration
	for _, key := range keys {
		if d := h.throttle.Locked(key); d > longest {
			longest = d
		}
	}
	return longest
}

// recordFailure returns the attempts left before the first key locks.
func (h *AccountHandler) recordFailure(keys [2]string) int {
	remaining := -1
	for _, key := range keys {
		if n := h.throttle.Failure(key); remaining < 0 || n < remaining {
			remaining = n
		}
	}
	return remaining
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
