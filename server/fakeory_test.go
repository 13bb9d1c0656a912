package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// acceptCall records one challenge accept sent to the fake Hydra admin API.
type acceptCall struct {
	Kind      string
	Challenge string
	Body      map[string]any
}

// fakeOry serves the Kratos and Hydra endpoints iamgate talks to from a
// single test server.
type fakeOry struct {
	t   *testing.T
	srv *httptest.Server

	mu sync.Mutex

	// Hydra admin: kind -> challenge -> request document
	challenges map[string]map[string]string
	accepted   []acceptCall

	// Hydra public
	tokenStatus int
	tokenBody   string
	tokenForm   url.Values
	tokenUser   string
	tokenPass   string
	revoked     []string
	revokeOK    bool
	jwks        string

	// Kratos
	identities map[string]string // id -> identity document
	sessions   map[string]string // cookie header -> session document
	passwords  map[string]string // "email:password" -> identity id
	loginCalls int
	whoamiAuth []string // Authorization header of every whoami call
}

func newFakeOry(t *testing.T) *fakeOry {
	t.Helper()
	f := &fakeOry{
		t: t,
		challenges: map[string]map[string]string{
			"login":   {},
			"consent": {},
			"logout":  {},
		},
		tokenStatus: http.StatusOK,
		revokeOK:    true,
		identities:  map[string]string{},
		sessions:    map[string]string{},
		passwords:   map[string]string{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOry) URL() string { return f.srv.URL }

func (f *fakeOry) addChallenge(kind, challenge, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[kind][challenge] = doc
}

func (f *fakeOry) addIdentity(id, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[id] = doc
}

// addSession makes whoami answer doc for requests carrying exactly cookie.
func (f *fakeOry) addSession(cookie, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[cookie] = doc
}

func (f *fakeOry) addPassword(email, password, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[email+":"+password] = id
}

func (f *fakeOry) setToken(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus, f.tokenBody = status, body
}

func (f *fakeOry) setJWKS(doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwks = doc
}

func (f *fakeOry) failRevoke() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeOK = false
}

func (f *fakeOry) tokenRequest() (form url.Values, user, pass string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenForm, f.tokenUser, f.tokenPass
}

func (f *fakeOry) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

func (f *fakeOry) passwordLogins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls
}

func (f *fakeOry) whoamiAuthorizations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.whoamiAuth...)
}

func (f *fakeOry) acceptCalls() []acceptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]acceptCall(nil), f.accepted...)
}

func writeDoc(w http.ResponseWriter, status int, doc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, doc)
}

func (f *fakeOry) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/admin/oauth2/auth/requests/"):
		f.serveChallenge(w, r, strings.TrimPrefix(path, "/admin/oauth2/auth/requests/"))

	case path == "/oauth2/token" && r.Method == http.MethodPost:
		_ = r.ParseForm()
		f.tokenForm = r.PostForm
		f.tokenUser, f.tokenPass, _ = r.BasicAuth()
		writeDoc(w, f.tokenStatus, f.tokenBody)

	case path == "/oauth2/revoke" && r.Method == http.MethodPost:
		_ = r.ParseForm()
		f.revoked = append(f.revoked, r.PostForm.Get("token"))
		if !f.revokeOK {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)

	case path == "/.well-known/jwks.json":
		writeDoc(w, http.StatusOK, f.jwks)

	case path == "/sessions/whoami":
		f.whoamiAuth = append(f.whoamiAuth, r.Header.Get("Authorization"))
		// Kratos checks a bearer session token before the cookie.
		if r.Header.Get("Authorization") != "" {
			writeDoc(w, http.StatusUnauthorized, `{"error":{"code":401,"reason":"The provided session token is invalid."}}`)
			return
		}
		if doc, ok := f.sessions[r.Header.Get("Cookie")]; ok {
			writeDoc(w, http.StatusOK, doc)
			return
		}
		writeDoc(w, http.StatusUnauthorized, `{"error":{"code":401,"reason":"No valid session credentials found in the request."}}`)

	case path == "/self-service/login/api":
		writeDoc(w, http.StatusOK, `{"id":"flow-1","ui":{"nodes":[{"attributes":{"name":"csrf_token","value":"csrf-1"}}]}}`)

	case path == "/self-service/login" && r.Method == http.MethodPost:
		f.loginCalls++
		var form struct {
			Method     string `json:"method"`
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
			CSRFToken  string `json:"csrf_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
			writeDoc(w, http.StatusBadRequest, `{"error":{"reason":"body is not JSON"}}`)
			return
		}
		if r.URL.Query().Get("flow") != "flow-1" || form.Method != "password" || form.CSRFToken != "csrf-1" {
			writeDoc(w, http.StatusForbidden, `{"error":{"reason":"csrf"}}`)
			return
		}
		id, ok := f.passwords[form.Identifier+":"+form.Password]
		if !ok {
			writeDoc(w, http.StatusBadRequest, `{"ui":{"messages":[{"text":"The provided credentials are invalid, check for spelling mistakes in your password or username, email address, or phone number."}]}}`)
			return
		}
		writeDoc(w, http.StatusOK, `{"session":{"id":"s1","active":true,"identity":`+f.identities[id]+`}}`)

	case strings.HasPrefix(path, "/admin/identities/"):
		if doc, ok := f.identities[strings.TrimPrefix(path, "/admin/identities/")]; ok {
			writeDoc(w, http.StatusOK, doc)
			return
		}
		writeDoc(w, http.StatusNotFound, `{"error":{"code":404,"message":"Unable to locate the resource"}}`)

	case path == "/health/ready":
		writeDoc(w, http.StatusOK, `{"status":"ok"}`)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeOry) serveChallenge(w http.ResponseWriter, r *http.Request, rest string) {
	kind, action, _ := strings.Cut(rest, "/")
	challenge := r.URL.Query().Get(kind + "_challenge")
	doc, ok := f.challenges[kind][challenge]
	if !ok {
		writeDoc(w, http.StatusNotFound, `{"error":"Not Found","error_description":"Unable to locate the requested resource"}`)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeDoc(w, http.StatusOK, doc)
	case action == "accept" && r.Method == http.MethodPut:
		var body map[string]any
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			if err := json.Unmarshal(b, &body); err != nil {
				f.t.Errorf("accept body is not JSON: %v", err)
			}
		}
		f.accepted = append(f.accepted, acceptCall{Kind: kind, Challenge: challenge, Body: body})
		delete(f.challenges[kind], challenge)
		writeDoc(w, http.StatusOK, `{"redirect_to":"https://hydra.test/oauth2/auth?`+kind+`_verifier=v-`+challenge+`"}`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp builds an App whose four upstreams all point at ory.
func newTestApp(t *testing.T, ory *fakeOry, mutate func(*Config)) *App {
	t.Helper()
	cfg := validConfig()
	cfg.Server.PublicURL = "http://app.test"
	cfg.Server.LandingPath = "/dashboard"
	cfg.Server.CookieSecret = "test-cookie-secret"
	cfg.OAuth.ClientID = "c1"
	cfg.OAuth.ClientSecret = "s3cret"
	if ory != nil {
		cfg.Kratos.PublicURL = ory.URL()
		cfg.Kratos.AdminURL = ory.URL()
		cfg.Hydra.PublicURL = ory.URL()
		cfg.Hydra.AdminURL = ory.URL()
	}
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := NewApp(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	return app
}

// cookieFrom returns the Set-Cookie named name, or nil.
func cookieFrom(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
