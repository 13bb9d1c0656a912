package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const adaIdentity = `{"id":"u1","traits":{"email":"ada@example.com","role":"admin","name":{"first":"Ada","last":"Lovelace"}}}`

func unsignedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-checked"))
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func tokenResponse(idToken string) string {
	b, _ := json.Marshal(map[string]any{
		"access_token":  "at-1",
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": "rt-1",
		"id_token":      idToken,
	})
	return string(b)
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// startLogin runs /login/initiate and returns the flow cookies it set.
func startLogin(t *testing.T, h http.Handler, returnTo string) (state string, cookies []*http.Cookie) {
	t.Helper()
	target := "http://app.test/login/initiate"
	if returnTo != "" {
		target += "?return_to=" + url.QueryEscape(returnTo)
	}
	rec := do(h, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("initiate status = %d", rec.Code)
	}
	c := cookieFrom(rec, stateCookieName)
	if c == nil {
		t.Fatalf("state cookie not set")
	}
	return c.Value, rec.Result().Cookies()
}

func callbackRequest(code, state string, cookies []*http.Cookie) *http.Request {
	q := url.Values{}
	if code != "" {
		q.Set("code", code)
	}
	if state != "" {
		q.Set("state", state)
	}
	req := httptest.NewRequest(http.MethodGet, "http://app.test/login/callback?"+q.Encode(), nil)
	for _, c := range cookies {
		if c.MaxAge >= 0 {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return req
}

func TestInitiateRedirectsToAuthorizationServer(t *testing.T) {
	ory := newFakeOry(t)
	app := newTestApp(t, ory, nil)

	rec := do(app.Routes(), httptest.NewRequest(http.MethodGet, "http://app.test/login/initiate?return_to=%2Fidentities%3Fpage%3D2", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != ory.URL()+"/oauth2/auth" {
		t.Fatalf("authorization endpoint = %q", got)
	}

	state := cookieFrom(rec, stateCookieName)
	if state == nil || !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(state.Value) {
		t.Fatalf("state cookie must be 64 hex chars, got %+v", state)
	}
	if state.MaxAge != 300 || !state.HttpOnly {
		t.Fatalf("unexpected state cookie attributes %+v", state)
	}

	want := map[string]string{
		"client_id":     "c1",
		"redirect_uri":  "http://app.test/login/callback",
		"response_type": "code",
		"scope":         "openid profile email",
		"state":         state.Value,
	}
	got := map[string]string{}
	for k := range want {
		got[k] = loc.Query().Get(k)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("authorization params mismatch (-want +got):\n%s", diff)
	}

	if rt := cookieFrom(rec, returnToCookieName); rt == nil || rt.Value != "/identities?page=2" {
		t.Fatalf("return_to cookie = %+v", rt)
	}
}

func TestInitiateIssuesFreshStateEachTime(t *testing.T) {
	app := newTestApp(t, newFakeOry(t), nil)
	h := app.Routes()
	first, _ := startLogin(t, h, "")
	second, _ := startLogin(t, h, "")
	if first == second {
		t.Fatalf("state must not repeat")
	}
}

func TestInitiateIgnoresOffsiteReturnTo(t *testing.T) {
	app := newTestApp(t, newFakeOry(t), nil)
	rec := do(app.Routes(), httptest.NewRequest(http.MethodGet, "http://app.test/login/initiate?return_to=%2F%2Fevil.example.com", nil))
	if c := cookieFrom(rec, returnToCookieName); c != nil {
		t.Fatalf("off-site return_to must not be stored, got %+v", c)
	}
}

func TestInitiateWhenAuthDisabled(t *testing.T) {
	app := newTestApp(t, newFakeOry(t), func(c *Config) { c.Server.BypassLogin = true })
	rec := do(app.Routes(), httptest.NewRequest(http.MethodGet, "http://app.test/login/initiate", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("expected redirect to landing path, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if cookieFrom(rec, stateCookieName) != nil {
		t.Fatalf("no flow state expected while auth is disabled")
	}
}

func TestCallbackEstablishesSession(t *testing.T) {
	ory := newFakeOry(t)
	ory.addIdentity("u1", adaIdentity)
	ory.setToken(http.StatusOK, tokenResponse(unsignedIDToken(t, jwt.MapClaims{"sub": "u1", "email": "ada@example.com"})))

	app := newTestApp(t, ory, nil)
	h := app.Routes()
	state, cookies := startLogin(t, h, "/identities")

	rec := do(h, callbackRequest("code-1", state, cookies))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/identities" {
		t.Fatalf("Location = %q, want /identities", loc)
	}

	sess := cookieFrom(rec, sessionCookieName)
	if sess == nil || sess.MaxAge != 3600 {
		t.Fatalf("session cookie = %+v", sess)
	}
	if c := cookieFrom(rec, stateCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("state cookie must be cleared, got %+v", c)
	}

	form, user, pass := ory.tokenRequest()
	if form.Get("code") != "code-1" || form.Get("grant_type") != "authorization_code" {
		t.Fatalf("unexpected token request %v", form)
	}
	if form.Get("redirect_uri") != "http://app.test/login/callback" {
		t.Fatalf("redirect_uri = %q", form.Get("redirect_uri"))
	}
	if user != "c1" || pass != "s3cret" {
		t.Fatalf("client authentication = %q/%q", user, pass)
	}

	req := httptest.NewRequest(http.MethodGet, "http://app.test/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sess.Value})
	rec = do(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/session status = %d", rec.Code)
	}
	var body sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /session: %v", err)
	}
	want := SessionUser{IdentityID: "u1", Email: "ada@example.com", Role: "admin", DisplayName: "Ada Lovelace"}
	if diff := cmp.Diff(want, body.User); diff != "" {
		t.Fatalf("session user mismatch (-want +got):\n%s", diff)
	}
}

func TestCallbackWithoutReturnToUsesLandingPath(t *testing.T) {
	ory := newFakeOry(t)
	ory.addIdentity("u1", adaIdentity)
	ory.setToken(http.StatusOK, tokenResponse(unsignedIDToken(t, jwt.MapClaims{"sub": "u1"})))

	app := newTestApp(t, ory, nil)
	h := app.Routes()
	state, cookies := startLogin(t, h, "")

	rec := do(h, callbackRequest("code-1", state, cookies))
	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Fatalf("Location = %q, want /dashboard", loc)
	}
}

func TestCallbackFallsBackToTokenClaims(t *testing.T) {
	ory := newFakeOry(t)
	ory.setToken(http.StatusOK, tokenResponse(unsignedIDToken(t, jwt.MapClaims{"sub": "u9", "email": "x@example.com"})))

	app := newTestApp(t, ory, nil)
	h := app.Routes()
	state, cookies := startLogin(t, h, "")
	rec := do(h, callbackRequest("code-1", state, cookies))

	sess, err := app.Sessions.Fetch(requestWith(cookieFrom(rec, sessionCookieName)))
	if err != nil || sess == nil {
		t.Fatalf("expected session, got %v %v", sess, err)
	}
	want := SessionUser{IdentityID: "u9", Email: "x@example.com", Role: "viewer", DisplayName: "x@example.com"}
	if diff := cmp.Diff(want, sess.User); diff != "" {
		t.Fatalf("fallback user mismatch (-want +got):\n%s", diff)
	}
}

func TestCallbackWithLargeTokens(t *testing.T) {
	ory := newFakeOry(t)
	ory.addIdentity("u1", adaIdentity)
	idToken := unsignedIDToken(t, jwt.MapClaims{
		"sub":   "u1",
		"email": "ada@example.com",
		"ext":   map[string]any{"groups": strings.Repeat("platform-admins,", 55)},
	})
	body, _ := json.Marshal(map[string]any{
		"access_token":  "ory_at_" + strings.Repeat("A", 1200),
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": "ory_rt_" + strings.Repeat("R", 1200),
		"id_token":      idToken,
	})
	ory.setToken(http.StatusOK, string(body))

	app := newTestApp(t, ory, nil)
	h := app.Routes()
	state, cookies := startLogin(t, h, "")

	rec := do(h, callbackRequest("code-1", state, cookies))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("expected landing redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	chunks := sessionChunks(rec)
	if len(chunks) < 2 {
		t.Fatalf("expected a multi-cookie session, got %d cookies", len(chunks))
	}
	for _, c := range chunks {
		if len(c.String()) > 4096 {
			t.Fatalf("cookie %s is %d bytes", c.Name, len(c.String()))
		}
	}

	req := httptest.NewRequest(http.MethodGet, "http://app.test/session", nil)
	for _, c := range chunks {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if rec := do(h, req); rec.Code != http.StatusOK {
		t.Fatalf("/session status = %d", rec.Code)
	}
}

func TestCallbackWithoutIDTokenFailsClosed(t *testing.T) {
	ory := newFakeOry(t)
	ory.addIdentity("u1", adaIdentity)
	ory.setToken(http.StatusOK, `{"access_token":"at-1","token_type":"bearer","expires_in":3600,"refresh_token":"rt-1"}`)

	app := newTestApp(t, ory, nil)
	if _, err := app.RP.Exchange(t.Context(), "code-0"); !errors.Is(err, ErrMissingIDToken) {
		t.Fatalf("Exchange error = %v, want ErrMissingIDToken", err)
	}

	h := app.Routes()
	state, cookies := startLogin(t, h, "/identities")
	rec := do(h, callbackRequest("code-1", state, cookies))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != initiatePath {
		t.Fatalf("expected restart, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if c := cookieFrom(rec, sessionCookieName); c != nil {
		t.Fatalf("an access token alone must not establish a session, got %+v", c)
	}
	if got := testutil.ToFloat64(app.Metrics.FlowEvents.WithLabelValues("callback", "exchange_failed")); got != 1 {
		t.Fatalf("exchange_failed count = %v, want 1", got)
	}
}

func TestCallbackRestartsLogin(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		state     func(valid string) string
		tokenCode int
		tokenBody string
		claims    jwt.MapClaims
	}{
		{
			name:  "state_mismatch",
			code:  "code-1",
			state: func(string) string { return strings.Repeat("0", 64) },
		},
		{
			name:  "missing_state",
			code:  "code-1",
			state: func(string) string { return "" },
		},
		{
			name:  "missing_code",
			state: func(v string) string { return v },
		},
		{
			name:      "exchange_rejected",
			code:      "code-1",
			state:     func(v string) string { return v },
			tokenCode: http.StatusBadRequest,
			tokenBody: `{"error":"invalid_grant","error_description":"code expired"}`,
		},
		{
			name:      "no_id_token",
			code:      "code-1",
			state:     func(v string) string { return v },
			tokenBody: `{"access_token":"at-1","token_type":"bearer","expires_in":3600}`,
		},
		{
			name:   "no_subject",
			code:   "code-1",
			state:  func(v string) string { return v },
			claims: jwt.MapClaims{"email": "a@b.c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ory := newFakeOry(t)
			ory.addIdentity("u1", adaIdentity)
			status, body := http.StatusOK, tokenResponse(unsignedIDToken(t, jwt.MapClaims{"sub": "u1"}))
			if tt.claims != nil {
				body = tokenResponse(unsignedIDToken(t, tt.claims))
			}
			if tt.tokenBody != "" {
				body = tt.tokenBody
			}
			if tt.tokenCode != 0 {
				status = tt.tokenCode
			}
			ory.setToken(status, body)

			app := newTestApp(t, ory, nil)
			h := app.Routes()
			state, cookies := startLogin(t, h, "")

			rec := do(h, callbackRequest(tt.code, tt.state(state), cookies))
			if rec.Code != http.StatusFound || rec.Header().Get("Location") != initiatePath {
				t.Fatalf("expected restart, got %d %q", rec.Code, rec.Header().Get("Location"))
			}
			if c := cookieFrom(rec, sessionCookieName); c != nil {
				t.Fatalf("no session may be issued, got %+v", c)
			}
			if c := cookieFrom(rec, stateCookieName); c == nil || c.MaxAge >= 0 {
				t.Fatalf("state cookie must be cleared, got %+v", c)
			}
		})
	}
}

func TestCallbackErrorParamRendersDiagnostic(t *testing.T) {
	app := newTestApp(t, newFakeOry(t), nil)
	rec := do(app.Routes(), httptest.NewRequest(http.MethodGet,
		"http://app.test/login/callback?error=access_denied&error_description=user+declined", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Sign-in was not completed.") {
		t.Fatalf("diagnostic message missing: %s", body)
	}
	if strings.Contains(body, "user declined") {
		t.Fatalf("upstream detail must not be shown: %s", body)
	}
}

type signingKey struct {
	priv *rsa.PrivateKey
	kid  string
}

func newSigningKey(t *testing.T, kid string) signingKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signingKey{priv: priv, kid: kid}
}

func (k signingKey) jwks(t *testing.T) string {
	t.Helper()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.priv.PublicKey,
		KeyID:     k.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return string(b)
}

func (k signingKey) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.kid
	raw, err := tok.SignedString(k.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestCallbackVerifiesIDToken(t *testing.T) {
	good := newSigningKey(t, "k1")
	forged := newSigningKey(t, "k1")

	tests := []struct {
		name    string
		key     signingKey
		aud     string
		wantLoc string
	}{
		{name: "valid", key: good, aud: "c1", wantLoc: "/dashboard"},
		{name: "bad_signature", key: forged, aud: "c1", wantLoc: initiatePath},
		{name: "wrong_audience", key: good, aud: "someone-else", wantLoc: initiatePath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ory := newFakeOry(t)
			ory.addIdentity("u1", adaIdentity)
			ory.setJWKS(good.jwks(t))
			ory.setToken(http.StatusOK, tokenResponse(tt.key.sign(t, jwt.MapClaims{
				"iss":   ory.URL() + "/",
				"sub":   "u1",
				"aud":   tt.aud,
				"email": "ada@example.com",
				"iat":   time.Now().Unix(),
				"exp":   time.Now().Add(time.Hour).Unix(),
			})))

			app := newTestApp(t, ory, func(c *Config) { c.Hydra.VerifyIDToken = true })
			h := app.Routes()
			state, cookies := startLogin(t, h, "")

			rec := do(h, callbackRequest("code-1", state, cookies))
			if loc := rec.Header().Get("Location"); loc != tt.wantLoc {
				t.Fatalf("Location = %q, want %q", loc, tt.wantLoc)
			}
		})
	}
}

func issueSession(t *testing.T, app *App, accessToken string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	err := app.Sessions.Issue(rec, requestWith(), Session{
		AccessToken: accessToken,
		ExpiresIn:   3600,
		User:        SessionUser{IdentityID: "u1", Email: "ada@example.com", Role: "admin", DisplayName: "Ada"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return cookieFrom(rec, sessionCookieName)
}

func TestLogoutRevokesAndClears(t *testing.T) {
	for _, revokeOK := range []bool{true, false} {
		ory := newFakeOry(t)
		if !revokeOK {
			ory.failRevoke()
		}
		app := newTestApp(t, ory, nil)

		req := httptest.NewRequest(http.MethodGet, "http://app.test/logout", nil)
		req.AddCookie(issueSession(t, app, "at-logout"))
		rec := do(app.Routes(), req)

		if rec.Code != http.StatusFound || rec.Header().Get("Location") != initiatePath {
			t.Fatalf("revokeOK=%v: expected redirect to initiate, got %d %q", revokeOK, rec.Code, rec.Header().Get("Location"))
		}
		if c := cookieFrom(rec, sessionCookieName); c == nil || c.MaxAge >= 0 {
			t.Fatalf("revokeOK=%v: session cookie must be cleared, got %+v", revokeOK, c)
		}
		if revoked := ory.revokedTokens(); len(revoked) != 1 || revoked[0] != "at-logout" {
			t.Fatalf("revokeOK=%v: revoked = %v", revokeOK, revoked)
		}
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	ory := newFakeOry(t)
	app := newTestApp(t, ory, nil)

	rec := do(app.Routes(), httptest.NewRequest(http.MethodGet, "http://app.test/logout", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != initiatePath {
		t.Fatalf("expected redirect to initiate, got %d", rec.Code)
	}
	if revoked := ory.revokedTokens(); len(revoked) != 0 {
		t.Fatalf("nothing to revoke, got %v", revoked)
	}
}

func TestSessionEndpoint(t *testing.T) {
	app := newTestApp(t, newFakeOry(t), nil)
	h := app.Routes()

	rec := do(h, httptest.NewRequest(http.MethodGet, "http://app.test/session", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Not authenticated") {
		t.Fatalf("anonymous: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "http://app.test/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "garbage"})
	rec = do(h, req)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Invalid session") {
		t.Fatalf("garbage cookie: %d %s", rec.Code, rec.Body.String())
	}
	if c := cookieFrom(rec, sessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("invalid cookie should be cleared, got %+v", c)
	}
}

func TestSessionEndpointWhenAuthDisabled(t *testing.T) {
	app := newTestApp(t, newFakeOry(t), func(c *Config) { c.Hydra.Enabled = false })
	rec := do(app.Routes(), httptest.NewRequest(http.MethodGet, "http://app.test/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.User.Role != "admin" || body.User.IdentityID != bypassUser.IdentityID {
		t.Fatalf("unexpected bypass user %+v", body.User)
	}
}
