package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"iamgate/upstream"
)

const (
	msgCredentialsRequired = "Email and password are required."
	msgInvalidCredentials  = "Invalid email or password."
)

// ChallengeResolver brokers Hydra's login, consent and logout challenges.
// Every accepted challenge ends in exactly one redirect to Hydra's redirect_to.
type ChallengeResolver struct {
	registry        *upstream.Registry
	rememberConsent bool
	metrics         *Metrics
	logger          *slog.Logger
}

// NewChallengeResolver binds the resolver to the upstream registry.
func NewChallengeResolver(registry *upstream.Registry, rememberConsent bool, metrics *Metrics, logger *slog.Logger) *ChallengeResolver {
	return &ChallengeResolver{
		registry:        registry,
		rememberConsent: rememberConsent,
		metrics:         metrics,
		logger:          logger,
	}
}

func (c *ChallengeResolver) count(kind upstream.ChallengeKind, outcome string) {
	c.metrics.Challenges.WithLabelValues(string(kind), outcome).Inc()
}

func missingChallenge(kind upstream.ChallengeKind) Outcome {
	return Failure{Kind: KindProtocol, Message: "Missing " + kind.QueryParam() + "."}
}

// upstreamFailure maps a failed Hydra or Kratos call onto a diagnostic.
func (c *ChallengeResolver) upstreamFailure(kind upstream.ChallengeKind, err error) Outcome {
	c.count(kind, "error")
	switch {
	case upstream.IsStatus(err, http.StatusNotFound), upstream.IsStatus(err, http.StatusGone):
		return Failure{Kind: KindProtocol, Message: "This " + string(kind) + " request has expired. Please start again.", Err: err}
	case errors.Is(err, upstream.ErrMalformedResponse):
		return Failure{Kind: KindUpstream, Message: "The authorization server sent an unexpected response.", Err: err}
	}
	return Failure{Kind: KindUpstream, Message: "The authorization server could not be reached.", Err: err}
}

func (c *ChallengeResolver) hydra(kind upstream.ChallengeKind) (*upstream.HydraAdmin, Outcome) {
	h, err := c.registry.HydraAdmin()
	if err != nil {
		c.count(kind, "error")
		return nil, Failure{Kind: KindConfig, Message: "The authorization server is not configured.", Err: err}
	}
	return h, nil
}

func completed(res *upstream.Completed) Outcome {
	return Redirect{URL: res.RedirectTo}
}

// Login resolves a login challenge without user interaction when Hydra
// allows skipping or the browser already holds a Kratos session. Otherwise
// the credential form is rendered.
func (c *ChallengeResolver) Login(ctx context.Context, challenge, cookie string) Outcome {
	kind := upstream.LoginChallenge
	if challenge == "" {
		c.count(kind, "missing")
		return missingChallenge(kind)
	}
	hydra, fail := c.hydra(kind)
	if fail != nil {
		return fail
	}

	req, err := hydra.GetLoginRequest(ctx, challenge)
	if err != nil {
		return c.upstreamFailure(kind, err)
	}

	if req.Skip {
		res, err := hydra.AcceptLoginRequest(ctx, challenge, upstream.AcceptLogin{Subject: req.Subject})
		if err != nil {
			return c.upstreamFailure(kind, err)
		}
		c.count(kind, "skipped")
		return completed(res)
	}

	if sess := c.existingSession(ctx, cookie); sess != nil {
		res, err := hydra.AcceptLoginRequest(ctx, challenge, upstream.AcceptLogin{
			Subject: sess.Identity.ID,
			Context: map[string]any{"email": sess.Identity.Email},
		})
		if err != nil {
			return c.upstreamFailure(kind, err)
		}
		c.count(kind, "session")
		return completed(res)
	}

	c.count(kind, "form")
	return Rendered{Status: http.StatusOK, View: loginView, Data: loginData{Challenge: challenge}}
}

// existingSession returns the browser's Kratos session, or nil.
func (c *ChallengeResolver) existingSession(ctx context.Context, cookie string) *upstream.Session {
	if cookie == "" {
		return nil
	}
	kratos, err := c.registry.KratosPublic()
	if err != nil {
		c.logger.Warn("identity public unavailable", "error", err)
		return nil
	}
	sess, err := kratos.Whoami(ctx, cookie)
	if err != nil {
		if !upstream.IsStatus(err, http.StatusUnauthorized) && !upstream.IsStatus(err, http.StatusForbidden) {
			c.logger.Warn("session lookup failed", "error", err)
		}
		return nil
	}
	if !sess.Active || sess.Identity.ID == "" {
		return nil
	}
	return sess
}

// SubmitLogin authenticates email and password against Kratos and accepts
// the challenge for the resulting identity. Upstream detail is logged only.
func (c *ChallengeResolver) SubmitLogin(ctx context.Context, challenge, email, password string) Outcome {
	kind := upstream.LoginChallenge
	if challenge == "" {
		c.count(kind, "missing")
		return missingChallenge(kind)
	}

	email = strings.TrimSpace(email)
	form := func(status int, msg string) Outcome {
		return Rendered{Status: status, View: loginView, Data: loginData{Challenge: challenge, Email: email, Error: msg}}
	}
	if email == "" || password == "" {
		c.count(kind, "incomplete")
		return form(http.StatusBadRequest, msgCredentialsRequired)
	}

	rejected := func(err error) Outcome {
		c.logger.Warn("password login rejected", "error", err)
		c.count(kind, "rejected")
		return form(http.StatusUnauthorized, msgInvalidCredentials)
	}

	kratos, err := c.registry.KratosPublic()
	if err != nil {
		return rejected(err)
	}
	flow, err := kratos.CreateLoginFlow(ctx)
	if err != nil {
		return rejected(err)
	}
	identity, err := kratos.SubmitPasswordLogin(ctx, flow, email, password)
	if err != nil {
		return rejected(err)
	}
	if identity.ID == "" {
		return rejected(errors.New("login result carries no identity"))
	}

	hydra, fail := c.hydra(kind)
	if fail != nil {
		return fail
	}
	res, err := hydra.AcceptLoginRequest(ctx, challenge, upstream.AcceptLogin{
		Subject: identity.ID,
		Context: map[string]any{"email": identity.Email},
	})
	if err != nil {
		return rejected(err)
	}
	c.count(kind, "authenticated")
	return completed(res)
}

// Consent grants exactly what the client requested and copies email and sub
// into the ID token. First-time consent is remembered indefinitely when
// configured so later logins arrive with skip set.
func (c *ChallengeResolver) Consent(ctx context.Context, challenge string) Outcome {
	kind := upstream.ConsentChallenge
	if challenge == "" {
		c.count(kind, "missing")
		return missingChallenge(kind)
	}
	hydra, fail := c.hydra(kind)
	if fail != nil {
		return fail
	}

	req, err := hydra.GetConsentRequest(ctx, challenge)
	if err != nil {
		return c.upstreamFailure(kind, err)
	}

	body := upstream.AcceptConsent{
		GrantScope:    req.RequestedScope,
		GrantAudience: req.RequestedAudience,
		Session: &upstream.ConsentSession{
			IDToken: map[string]any{
				"email": req.ContextEmail(),
				"sub":   req.Subject,
			},
		},
	}
	outcome := "skipped"
	if !req.Skip {
		outcome = "granted"
		if c.rememberConsent {
			forever := 0
			body.Remember = true
			body.RememberFor = &forever
		}
	}

	res, err := hydra.AcceptConsentRequest(ctx, challenge, body)
	if err != nil {
		return c.upstreamFailure(kind, err)
	}
	c.count(kind, outcome)
	return completed(res)
}

// Logout accepts a logout challenge after confirming Hydra still knows it.
func (c *ChallengeResolver) Logout(ctx context.Context, challenge string) Outcome {
	kind := upstream.LogoutChallenge
	if challenge == "" {
		c.count(kind, "missing")
		return missingChallenge(kind)
	}
	hydra, fail := c.hydra(kind)
	if fail != nil {
		return fail
	}

	req, err := hydra.GetLogoutRequest(ctx, challenge)
	if err != nil {
		return c.upstreamFailure(kind, err)
	}
	res, err := hydra.AcceptLogoutRequest(ctx, challenge)
	if err != nil {
		return c.upstreamFailure(kind, err)
	}
	c.logger.Info("logout accepted", "subject", req.Subject, "sid", req.SessionID)
	c.count(kind, "accepted")
	return completed(res)
}

func (a *App) handleLoginChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get(upstream.LoginChallenge.QueryParam())
	a.respond(w, r, a.Resolver.Login(r.Context(), challenge, r.Header.Get("Cookie")))
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.respond(w, r, Failure{Kind: KindProtocol, Message: "Invalid form submission.", Err: err})
		return
	}
	o := a.Resolver.SubmitLogin(r.Context(),
		r.PostFormValue(upstream.LoginChallenge.QueryParam()),
		r.PostFormValue("email"),
		r.PostFormValue("password"),
	)
	a.respond(w, r, o)
}

func (a *App) handleConsentChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get(upstream.ConsentChallenge.QueryParam())
	a.respond(w, r, a.Resolver.Consent(r.Context(), challenge))
}

func (a *App) handleLogoutChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get(upstream.LogoutChallenge.QueryParam())
	a.respond(w, r, a.Resolver.Logout(r.Context(), challenge))
}
