package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiss96803/dotnetclub/internal/auth"
	"github.com/kiss96803/dotnetclub/internal/database"
	"github.com/kiss96803/dotnetclub/internal/models"
	"github.com/kiss96803/dotnetclub/internal/services"
	"github.com/kiss96803/dotnetclub/internal/views"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testCookieName = "discussion.session"
	testPassword   = "11111a"
)

var formTokenPattern = regexp.MustCompile(`name="` + auth.AntiForgeryFormField + `" value="([^"]+)"`)

type testApp struct {
	server   *httptest.Server
	client   *http.Client
	users    *services.UserService
	sessions *services.SessionService
	events   *services.EventService
	throttle *auth.Throttle
}

type antiForgeryTokens struct {
	cookie *http.Cookie
	form   string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	return newTestAppWith(t, func(*Deps) {})
}

// newTestAppWith lets a test adjust the router dependencies before start.
func newTestAppWith(t *testing.T, configure func(*Deps)) *testApp {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })

	users, err := services.NewUserService(db, bcrypt.MinCost)
	require.NoError(t, err)
	sessions := services.NewSessionService(db, time.Hour)
	events := services.NewEventService(db)
	renderer, err := views.New()
	require.NoError(t, err)
	throttle := auth.NewThrottle(3, time.Minute, time.Minute)

	deps := Deps{
		Logger:         zerolog.Nop(),
		AllowedOrigins: []string{"http://localhost"},
		Views:          renderer,
		AntiForgery:    auth.NewAntiForgery("test-secret", false),
		Gate:           auth.NewGate(sessions, testCookieName, time.Hour, false),
		Throttle:       throttle,
		Users:          users,
		Sessions:       sessions,
		Topics:         services.NewTopicService(db),
		Events:         events,
	}
	configure(&deps)

	server := httptest.NewServer(NewRouter(deps))
	t.Cleanup(server.Close)

	return &testApp{
		server: server,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		users:    users,
		sessions: sessions,
		events:   events,
		throttle: throttle,
	}
}

// syncBuffer collects log output written from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func randomUsername() string {
	return "u" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func (a *testApp) get(t *testing.T, path string, cookies ...*http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.server.URL+path, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return a.do(t, req)
}

func (a *testApp) post(t *testing.T, path string, form url.Values, cookies ...*http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return a.do(t, req)
}

func (a *testApp) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := a.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (a *testApp) antiForgeryTokens(t *testing.T) antiForgeryTokens {
	t.Helper()
	resp, body := a.get(t, "/signin")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cookie := findCookie(resp.Cookies(), auth.AntiForgeryCookieName)
	require.NotNil(t, cookie, "anti-forgery cookie not set")
	m := formTokenPattern.FindStringSubmatch(body)
	require.Len(t, m, 2, "form token not rendered")
	return antiForgeryTokens{cookie: cookie, form: m[1]}
}

func (a *testApp) createUser(t *testing.T, username, password string) models.User {
	t.Helper()
	user, err := a.users.Register(context.Background(), username, password)
	require.NoError(t, err)
	return user
}

func (a *testApp) signin(t *testing.T, tokens antiForgeryTokens, username, password string) *http.Response {
	t.Helper()
	resp, _ := a.post(t, "/signin", url.Values{
		"UserName":                {username},
		"Password":                {password},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)
	return resp
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestServeSigninPage(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.get(t, "/signin")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "用户登录")
}

func TestSigninNewUser(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	resp := app.signin(t, tokens, username, testPassword)

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	found := false
	for _, h := range resp.Header.Values("Set-Cookie") {
		if strings.Contains(h, testCookieName) {
			found = true
		}
	}
	assert.True(t, found, "session cookie not set")
}

func TestSignedInUserCanViewProtectedPage(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)
	signinResp := app.signin(t, tokens, username, testPassword)
	require.Equal(t, http.StatusFound, signinResp.StatusCode)

	resp, body := app.get(t, "/topics/create", signinResp.Cookies()...)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "注销")
	assert.Contains(t, body, username)
}

func TestProtectedPageRedirectsAnonymous(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.get(t, "/topics/create")

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/signin?returnUrl=%2Ftopics%2Fcreate", resp.Header.Get("Location"))
	assert.NotContains(t, body, "注销")
}

func TestProtectedPageRejectsForgedSession(t *testing.T) {
	app := newTestApp(t)

	resp, _ := app.get(t, "/topics/create", &http.Cookie{Name: testCookieName, Value: "made-up"})

	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestServeRegisterPage(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.get(t, "/register")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "用户注册")
}

func TestRegisterNewUser(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()

	resp, _ := app.post(t, "/register", url.Values{
		"UserName":                {username},
		"Password":                {testPassword},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	user, err := app.users.GetUserByUsername(context.Background(), username)
	require.NoError(t, err)
	assert.Equal(t, username, user.Username)
}

func TestRegisterSignsInNewUser(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)

	registerResp, _ := app.post(t, "/register", url.Values{
		"UserName":                {randomUsername()},
		"Password":                {testPassword},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)
	require.Equal(t, http.StatusFound, registerResp.StatusCode)

	resp, body := app.get(t, "/topics/create", registerResp.Cookies()...)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "注销")
}

func TestRegisterDuplicateUsername(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	resp, body := app.post(t, "/register", url.Values{
		"UserName":                {username},
		"Password":                {testPassword},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "用户注册")
	assert.Contains(t, body, "用户名已被占用")
	assert.Nil(t, findCookie(resp.Cookies(), testCookieName))
}

func TestSigninWrongPassword(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	resp, body := app.post(t, "/signin", url.Values{
		"UserName":                {username},
		"Password":                {"wrong1"},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "用户登录")
	assert.Contains(t, body, "用户名或密码错误")
	assert.Nil(t, findCookie(resp.Cookies(), testCookieName))
}

func TestSigninWithoutValidTokenNeverIssuesSession(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	other := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	cases := map[string]struct {
		form    string
		cookies []*http.Cookie
	}{
		"no token":      {"", []*http.Cookie{tokens.cookie}},
		"no cookie":     {tokens.form, nil},
		"crossed pair":  {other.form, []*http.Cookie{tokens.cookie}},
		"garbage token": {"garbage", []*http.Cookie{tokens.cookie}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			form := url.Values{"UserName": {username}, "Password": {testPassword}}
			if tc.form != "" {
				form.Set(auth.AntiForgeryFormField, tc.form)
			}
			resp, body := app.post(t, "/signin", form, tc.cookies...)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, body, "用户登录")
			assert.Nil(t, findCookie(resp.Cookies(), testCookieName))
		})
	}
}

func TestRegisterWithoutValidTokenNeverCreatesUser(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()

	resp, body := app.post(t, "/register", url.Values{
		"UserName": {username},
		"Password": {testPassword},
	}, tokens.cookie)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "用户注册")
	_, err := app.users.GetUserByUsername(context.Background(), username)
	assert.ErrorIs(t, err, services.ErrUserNotFound)
}

func TestTokenPairIsReusable(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	for i := 0; i < 2; i++ {
		resp := app.signin(t, tokens, username, testPassword)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
	}
}

func TestSigninReturnURL(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	tests := map[string]string{
		"/topics/create":        "/topics/create",
		"/topics/create?page=2": "/topics/create?page=2",
		"https://evil.example":  "/",
		"//evil.example":        "/",
		"/\\evil.example":       "/",
		"/\t/evil.example":      "/",
		"/\n/evil.example":      "/",
		"/\r/evil.example":      "/",
		"/\x7f/evil.example":    "/",
	}
	for returnURL, want := range tests {
		t.Run(returnURL, func(t *testing.T) {
			resp, _ := app.post(t, "/signin", url.Values{
				"UserName":                {username},
				"Password":                {testPassword},
				"returnUrl":               {returnURL},
				auth.AntiForgeryFormField: {tokens.form},
			}, tokens.cookie)
			assert.Equal(t, http.StatusFound, resp.StatusCode)
			assert.Equal(t, want, resp.Header.Get("Location"))
		})
	}
}

func TestSigninThrottled(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	for i := 0; i < 3; i++ {
		resp, _ := app.post(t, "/signin", url.Values{
			"UserName":                {username},
			"Password":                {"wrong1"},
			auth.AntiForgeryFormField: {tokens.form},
		}, tokens.cookie)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := app.signin(t, tokens, username, testPassword)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Nil(t, findCookie(resp.Cookies(), testCookieName))
}

func TestSigninThrottleIgnoresRotatedForwardedFor(t *testing.T) {
	app := newTestAppWith(t, func(d *Deps) { d.TrustProxyHeaders = true })
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)

	form := url.Values{
		"UserName":                {username},
		"Password":                {"wrong1"},
		auth.AntiForgeryFormField: {tokens.form},
	}
	statuses := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodPost, app.server.URL+"/signin", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i+1))
		req.AddCookie(tokens.cookie)
		resp, _ := app.do(t, req)
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{200, 200, 200, 429, 429}, statuses)
}

func TestHandlersLogThroughRequestLogger(t *testing.T) {
	var buf syncBuffer
	app := newTestAppWith(t, func(d *Deps) { d.Logger = zerolog.New(&buf) })
	tokens := app.antiForgeryTokens(t)

	resp, _ := app.post(t, "/signin", url.Values{
		"UserName":                {randomUsername()},
		"Password":                {"wrong1"},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var line map[string]any
	for _, raw := range strings.Split(buf.String(), "\n") {
		if strings.Contains(raw, "Failed sign-in attempt") {
			require.NoError(t, json.Unmarshal([]byte(raw), &line))
		}
	}
	require.NotNil(t, line, "failed sign-in not logged through the router logger")
	assert.NotEmpty(t, line["request_id"])
}

func TestSignout(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)
	signinResp := app.signin(t, tokens, username, testPassword)
	session := findCookie(signinResp.Cookies(), testCookieName)
	require.NotNil(t, session)

	resp, _ := app.post(t, "/signout", url.Values{
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie, session)
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	_, err := app.sessions.Resolve(context.Background(), session.Value)
	assert.ErrorIs(t, err, services.ErrSessionNotFound)

	resp, _ = app.get(t, "/topics/create", session)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestSignoutRequiresToken(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)
	session := findCookie(app.signin(t, tokens, username, testPassword).Cookies(), testCookieName)
	require.NotNil(t, session)

	resp, _ := app.post(t, "/signout", url.Values{}, tokens.cookie, session)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := app.sessions.Resolve(context.Background(), session.Value)
	assert.NoError(t, err)
}

func TestCreateTopicAndHome(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)
	username := randomUsername()
	app.createUser(t, username, testPassword)
	session := findCookie(app.signin(t, tokens, username, testPassword).Cookies(), testCookieName)
	require.NotNil(t, session)

	resp, _ := app.post(t, "/topics", url.Values{
		"Title":                   {"hello forum"},
		"Content":                 {"first post"},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie, session)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp, body := app.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "hello forum")
	assert.NotContains(t, body, "注销")
}

func TestCreateTopicRequiresUser(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)

	resp, _ := app.post(t, "/topics", url.Values{
		"Title":                   {"anonymous"},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), auth.SignInPath))
}

func TestAccountActivity(t *testing.T) {
	app := newTestApp(t)
	tokens := app.antiForgeryTokens(t)

	registerResp, _ := app.post(t, "/register", url.Values{
		"UserName":                {randomUsername()},
		"Password":                {testPassword},
		auth.AntiForgeryFormField: {tokens.form},
	}, tokens.cookie)
	session := findCookie(registerResp.Cookies(), testCookieName)
	require.NotNil(t, session)

	resp, body := app.get(t, "/account/activity", session)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []models.Event
	require.NoError(t, json.Unmarshal([]byte(body), &events))
	require.Len(t, events, 1)
	assert.Equal(t, services.EventUserRegister, events[0].Type)
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}
