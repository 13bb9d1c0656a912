package server

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"iamgate/upstream"
	"iamgate/vault"
)

const (
	initiatePath = "/login/initiate"
	revokeBudget = 5 * time.Second
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Sessions *SessionManager
	Vault    *vault.Vault
	Upstream *upstream.Registry
	RP       *RelyingParty
	Proxy    *ProxyRouter
	Metrics  *Metrics
	Resolver *ChallengeResolver
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	secrets, err := LoadSecrets(cfg, logger)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(secrets.Vault)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	sessions, err := NewSessionManager(cfg, []byte(secrets.Cookie), logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	httpClient := &http.Client{Timeout: 15 * time.Second}

	registry := upstream.NewRegistry(upstream.Options{
		Endpoints:  cfg.Endpoints(),
		Context:    upstream.ContextServer,
		APIKeys:    serviceKeys(cfg, v, logger),
		HTTPClient: httpClient,
		Observe:    metrics.ObserveUpstream,
	})

	proxy, err := NewProxyRouter(cfg, v, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("init proxy: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Sessions: sessions,
		Vault:    v,
		Upstream: registry,
		RP:       NewRelyingParty(ctx, cfg, httpClient, logger),
		Proxy:    proxy,
		Metrics:  metrics,
	}
	app.Resolver = NewChallengeResolver(registry, cfg.Hydra.RememberConsent, metrics, logger)

	if cfg.AuthDisabled() {
		logger.Warn("authentication disabled, every request is treated as signed in",
			"bypass_login", cfg.Server.BypassLogin, "hydra_enabled", cfg.Hydra.Enabled)
	}

	return app, nil
}

// serviceKeys assigns the configured admin keys to the services that take
// them. identity-public gets none: it is called with the browser's cookie.
func serviceKeys(cfg Config, v *vault.Vault, logger *slog.Logger) map[upstream.ServiceID]string {
	kratos := openKey(v, "kratos.api_key", cfg.Kratos.APIKey, logger)
	hydra := openKey(v, "hydra.api_key", cfg.Hydra.APIKey, logger)
	return map[upstream.ServiceID]string{
		upstream.IdentityAdmin: kratos,
		upstream.AuthzPublic:   hydra,
		upstream.AuthzAdmin:    hydra,
	}
}

// openKey turns a configured key into plaintext. Undecryptable ciphertext
// degrades to no credential.
func openKey(v *vault.Vault, field, value string, logger *slog.Logger) string {
	plain, err := v.Open(value)
	if err != nil {
		logger.Warn("api key could not be decrypted, calls go out without credentials", "field", field, "error", err)
		return ""
	}
	return plain
}

func (a *App) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if a.Config.AuthDisabled() {
		http.Redirect(w, r, a.Config.Server.LandingPath, http.StatusFound)
		return
	}

	state, err := newState()
	if err != nil {
		a.Metrics.flow("initiate", "error")
		a.respond(w, r, Failure{Kind: KindConfig, Message: "Could not start sign-in.", Err: err})
		return
	}

	a.Sessions.SetState(w, state)
	if rt := r.URL.Query().Get("return_to"); isLocalPath(rt) {
		a.Sessions.SetReturnTo(w, rt)
	}

	a.Metrics.flow("initiate", "redirect")
	http.Redirect(w, r, a.RP.AuthCodeURL(state), http.StatusFound)
}

// newState returns 32 random bytes as 64 hex characters.
func newState() (string, error) {
	b, err := RandomSecret(32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	o := a.callback(w, r)
	a.Sessions.ClearState(w)
	a.respond(w, r, o)
}

func (a *App) callback(w http.ResponseWriter, r *http.Request) Outcome {
	q := r.URL.Query()

	// An error answer from Hydra would loop if it restarted the flow.
	if code := q.Get("error"); code != "" {
		a.Metrics.flow("callback", "denied")
		return Failure{
			Kind:    KindProtocol,
			Message: "Sign-in was not completed.",
			Err:     fmt.Errorf("authorization server returned %s: %s", code, q.Get("error_description")),
		}
	}

	code := q.Get("code")
	if code == "" {
		return a.restartLogin("missing_code", errors.New("callback without code"))
	}

	state, stored := q.Get("state"), a.Sessions.State(r)
	if state == "" || stored == "" || subtle.ConstantTimeCompare([]byte(state), []byte(stored)) != 1 {
		return a.restartLogin("state_mismatch", errors.New("oauth state mismatch"))
	}

	tokens, err := a.RP.Exchange(r.Context(), code)
	if err != nil {
		return a.restartLogin("exchange_failed", err)
	}

	claims, err := a.RP.Claims(r.Context(), tokens.IDToken)
	if err != nil {
		return a.restartLogin("invalid_id_token", err)
	}
	if claims.Subject == "" {
		return a.restartLogin("invalid_id_token", errors.New("id_token has no sub claim"))
	}

	sess := Session{
		AccessToken:  tokens.AccessToken,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
		User:         a.resolveUser(r.Context(), claims),
	}
	if err := a.Sessions.Issue(w, r, sess); err != nil {
		return a.restartLogin("session_encode_failed", err)
	}

	target := a.Config.Server.LandingPath
	if rt := a.Sessions.ReturnTo(r); rt != "" {
		target = rt
		a.Sessions.ClearReturnTo(w)
	}

	a.Logger.Info("session established", "identity_id", sess.User.IdentityID, "role", sess.User.Role)
	a.Metrics.flow("callback", "success")
	return Redirect{URL: target}
}

// restartLogin logs why the callback failed and sends the browser back to
// initiate without leaking the reason.
func (a *App) restartLogin(reason string, err error) Outcome {
	a.Logger.Warn("login callback failed", "reason", reason, "error", err)
	a.Metrics.flow("callback", reason)
	return Redirect{URL: initiatePath}
}

// resolveUser looks up the authoritative identity record. When Kratos cannot
// answer the ID token claims are used with the viewer role.
func (a *App) resolveUser(ctx context.Context, claims IDClaims) SessionUser {
	fallback := SessionUser{
		IdentityID:  claims.Subject,
		Email:       claims.Email,
		Role:        upstream.RoleViewer,
		DisplayName: claims.Email,
	}

	admin, err := a.Upstream.KratosAdmin()
	if err != nil {
		a.Logger.Warn("identity admin unavailable", "error", err)
		return fallback
	}
	rec, err := admin.GetIdentity(ctx, claims.Subject)
	if err != nil {
		a.Logger.Warn("identity lookup failed", "identity_id", claims.Subject, "error", err)
		return fallback
	}
	if rec.Email == "" {
		rec.Email = claims.Email
	}
	user := userFromIdentity(rec)
	user.IdentityID = claims.Subject
	return user
}

// handleLogout serves both Hydra's logout challenge and the relying-party logout.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has(upstream.LogoutChallenge.QueryParam()) {
		a.handleLogoutChallenge(w, r)
		return
	}

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Debug("discarding unreadable session on logout", "error", err)
	}
	if sess != nil && sess.AccessToken != "" {
		ctx, cancel := context.WithTimeout(r.Context(), revokeBudget)
		if err := a.RP.Revoke(ctx, sess.AccessToken); err != nil {
			a.Logger.Warn("token revocation failed", "identity_id", sess.User.IdentityID, "error", err)
			a.Metrics.flow("logout", "revoke_failed")
		} else {
			a.Metrics.flow("logout", "revoked")
		}
		cancel()
	}

	a.Sessions.Clear(w, r)
	http.Redirect(w, r, initiatePath, http.StatusFound)
}

type sessionResponse struct {
	User SessionUser `json:"user"`
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	if a.Config.AuthDisabled() {
		writeJSON(w, http.StatusOK, sessionResponse{User: bypassUser})
		return
	}

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Debug("invalid session cookie", "error", err)
		a.Sessions.Clear(w, r)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid session"})
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{User: sess.User})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
