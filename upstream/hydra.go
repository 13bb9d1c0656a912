package upstream

import (
	"context"
	"net/http"

	ory "github.com/ory/client-go"
)

const challengeBase = "/admin/oauth2/auth/requests/"

// ChallengeKind is one of Hydra's interactive steps.
type ChallengeKind string

const (
	LoginChallenge   ChallengeKind = "login"
	ConsentChallenge ChallengeKind = "consent"
	LogoutChallenge  ChallengeKind = "logout"
)

// QueryParam is the query parameter Hydra uses to carry the challenge id.
func (k ChallengeKind) QueryParam() string { return string(k) + "_challenge" }

// OAuthClient is the subset of the Hydra client object attached to a request.
type OAuthClient struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name,omitempty"`
}

// LoginRequest is a pending login challenge.
type LoginRequest struct {
	Challenge      string       `json:"challenge"`
	Skip           bool         `json:"skip"`
	Subject        string       `json:"subject"`
	RequestedScope []string     `json:"requested_scope,omitempty"`
	RequestURL     string       `json:"request_url,omitempty"`
	SessionID      string       `json:"session_id,omitempty"`
	Client         *OAuthClient `json:"client,omitempty"`
}

// ConsentRequest is a pending consent challenge.
type ConsentRequest struct {
	Challenge         string         `json:"challenge"`
	Skip              bool           `json:"skip"`
	Subject           string         `json:"subject"`
	RequestedScope    []string       `json:"requested_scope"`
	RequestedAudience []string       `json:"requested_access_token_audience"`
	Context           map[string]any `json:"context,omitempty"`
	Client            *OAuthClient   `json:"client,omitempty"`
}

// ContextEmail returns the email stored in the login context, if any.
func (c *ConsentRequest) ContextEmail() string {
	if s, ok := c.Context["email"].(string); ok {
		return s
	}
	return ""
}

// LogoutRequest is a pending logout challenge.
type LogoutRequest struct {
	Challenge   string `json:"challenge"`
	Subject     string `json:"subject"`
	SessionID   string `json:"sid"`
	RequestURL  string `json:"request_url,omitempty"`
	RPInitiated bool   `json:"rp_initiated"`
}

// AcceptLogin is the body of a login accept call.
type AcceptLogin struct {
	Subject     string         `json:"subject"`
	Remember    bool           `json:"remember,omitempty"`
	RememberFor int            `json:"remember_for,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// ConsentSession carries claims Hydra copies into issued tokens.
type ConsentSession struct {
	IDToken     map[string]any `json:"id_token,omitempty"`
	AccessToken map[string]any `json:"access_token,omitempty"`
}

// AcceptConsent is the body of a consent accept call. GrantScope and
// GrantAudience are always sent, even when empty.
type AcceptConsent struct {
	GrantScope    []string        `json:"grant_scope"`
	GrantAudience []string        `json:"grant_access_token_audience"`
	Remember      bool            `json:"remember,omitempty"`
	RememberFor   *int            `json:"remember_for,omitempty"`
	Session       *ConsentSession `json:"session,omitempty"`
}

// Completed is Hydra's answer to any accept call.
type Completed struct {
	RedirectTo string `json:"redirect_to"`
}

// HydraAdmin wraps the Hydra admin API.
type HydraAdmin struct {
	c *Client
}

// NewHydraAdmin binds the Hydra admin calls to c.
func NewHydraAdmin(c *Client) *HydraAdmin { return &HydraAdmin{c: c} }

func challengePath(kind ChallengeKind, accept bool) string {
	p := challengeBase + string(kind)
	if accept {
		p += "/accept"
	}
	return p
}

func (h *HydraAdmin) completed(kind ChallengeKind, resp *http.Response, err error) (*Completed, error) {
	var out Completed
	if _, err := h.c.finish(http.MethodPut, challengePath(kind, true), resp, err, completedRequestSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLoginRequest fetches a login challenge.
func (h *HydraAdmin) GetLoginRequest(ctx context.Context, challenge string) (*LoginRequest, error) {
	_, resp, err := h.c.api.OAuth2API.GetOAuth2LoginRequest(ctx).LoginChallenge(challenge).Execute()
	var out LoginRequest
	if _, err := h.c.finish(http.MethodGet, challengePath(LoginChallenge, false), resp, err, loginRequestSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptLoginRequest accepts a login challenge.
func (h *HydraAdmin) AcceptLoginRequest(ctx context.Context, challenge string, body AcceptLogin) (*Completed, error) {
	req := ory.AcceptOAuth2LoginRequest{Subject: body.Subject}
	if body.Remember {
		req.SetRemember(true)
		req.SetRememberFor(int64(body.RememberFor))
	}
	if len(body.Context) > 0 {
		req.Context = body.Context
	}
	_, resp, err := h.c.api.OAuth2API.AcceptOAuth2LoginRequest(ctx).
		LoginChallenge(challenge).
		AcceptOAuth2LoginRequest(req).
		Execute()
	return h.completed(LoginChallenge, resp, err)
}

// GetConsentRequest fetches a consent challenge.
func (h *HydraAdmin) GetConsentRequest(ctx context.Context, challenge string) (*ConsentRequest, error) {
	_, resp, err := h.c.api.OAuth2API.GetOAuth2ConsentRequest(ctx).ConsentChallenge(challenge).Execute()
	var out ConsentRequest
	if _, err := h.c.finish(http.MethodGet, challengePath(ConsentChallenge, false), resp, err, consentRequestSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptConsentRequest accepts a consent challenge. The grant lists are
// always sent, even when empty.
func (h *HydraAdmin) AcceptConsentRequest(ctx context.Context, challenge string, body AcceptConsent) (*Completed, error) {
	req := ory.AcceptOAuth2ConsentRequest{
		GrantScope:               append([]string{}, body.GrantScope...),
		GrantAccessTokenAudience: append([]string{}, body.GrantAudience...),
	}
	if body.Remember {
		req.SetRemember(true)
	}
	if body.RememberFor != nil {
		req.SetRememberFor(int64(*body.RememberFor))
	}
	if body.Session != nil {
		sess := ory.AcceptOAuth2ConsentRequestSession{}
		if body.Session.IDToken != nil {
			sess.IdToken = body.Session.IDToken
		}
		if body.Session.AccessToken != nil {
			sess.AccessToken = body.Session.AccessToken
		}
		req.Session = &sess
	}
	_, resp, err := h.c.api.OAuth2API.AcceptOAuth2ConsentRequest(ctx).
		ConsentChallenge(challenge).
		AcceptOAuth2ConsentRequest(req).
		Execute()
	return h.completed(ConsentChallenge, resp, err)
}

// GetLogoutRequest fetches a logout challenge.
func (h *HydraAdmin) GetLogoutRequest(ctx context.Context, challenge string) (*LogoutRequest, error) {
	_, resp, err := h.c.api.OAuth2API.GetOAuth2LogoutRequest(ctx).LogoutChallenge(challenge).Execute()
	var out LogoutRequest
	if _, err := h.c.finish(http.MethodGet, challengePath(LogoutChallenge, false), resp, err, logoutRequestSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptLogoutRequest accepts a logout challenge. Hydra takes no body here.
func (h *HydraAdmin) AcceptLogoutRequest(ctx context.Context, challenge string) (*Completed, error) {
	_, resp, err := h.c.api.OAuth2API.AcceptOAuth2LogoutRequest(ctx).LogoutChallenge(challenge).Execute()
	return h.completed(LogoutChallenge, resp, err)
}
