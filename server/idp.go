package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrMissingIDToken is returned when the token response carries no id_token.
var ErrMissingIDToken = errors.New("id_token missing in token response")

// RelyingParty drives the authorization-code flow against Hydra as a
// confidential client.
type RelyingParty struct {
	oauthConfig *oauth2.Config
	revokeURL   string
	httpClient  *http.Client
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

// NewRelyingParty builds the client from static Hydra endpoints. Discovery is
// not used so startup does not depend on Hydra being reachable.
func NewRelyingParty(ctx context.Context, cfg Config, httpClient *http.Client, logger *slog.Logger) *RelyingParty {
	hydra := strings.TrimSuffix(cfg.Hydra.PublicURL, "/")

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.CallbackURL(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   hydra + "/oauth2/auth",
			TokenURL:  hydra + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
	}

	rp := &RelyingParty{
		oauthConfig: oauthCfg,
		revokeURL:   hydra + "/oauth2/revoke",
		httpClient:  httpClient,
		logger:      logger,
	}

	if cfg.Hydra.VerifyIDToken {
		keySet := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, httpClient), hydra+"/.well-known/jwks.json")
		rp.verifier = oidc.NewVerifier(cfg.Issuer(), keySet, &oidc.Config{ClientID: cfg.OAuth.ClientID})
	}

	return rp
}

// AuthCodeURL builds the authorization request carrying state.
func (rp *RelyingParty) AuthCodeURL(state string) string {
	return rp.oauthConfig.AuthCodeURL(state)
}

// Exchange trades code for tokens. Token endpoint failures come back as
// *oauth2.RetrieveError with the upstream body attached.
func (rp *RelyingParty) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, rp.httpClient)
	tok, err := rp.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok.Extra("expires_in")),
	}, nil
}

func expiresIn(v any) int {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return int(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil && i > 0 {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil && i > 0 {
			return i
		}
	}
	return DefaultSessionSeconds
}

// Claims extracts sub and email from the ID token. When verification is
// enabled the signature, issuer, audience and expiry are checked against
// Hydra's key set first; otherwise the payload segment is decoded as-is.
func (rp *RelyingParty) Claims(ctx context.Context, rawIDToken string) (IDClaims, error) {
	if rp.verifier != nil {
		idToken, err := rp.verifier.Verify(oidc.ClientContext(ctx, rp.httpClient), rawIDToken)
		if err != nil {
			return IDClaims{}, fmt.Errorf("verify id_token: %w", err)
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return IDClaims{}, fmt.Errorf("parse claims: %w", err)
		}
		return IDClaims{Subject: idToken.Subject, Email: claims.Email}, nil
	}

	parts := strings.Split(rawIDToken, ".")
	if len(parts) != 3 {
		return IDClaims{}, fmt.Errorf("id_token has %d segments", len(parts))
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return IDClaims{}, fmt.Errorf("decode id_token payload: %w", err)
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return IDClaims{}, fmt.Errorf("parse id_token payload: %w", err)
	}

	sub, _ := claims.GetSubject()
	email, _ := claims["email"].(string)
	return IDClaims{Subject: sub, Email: email}, nil
}

// Revoke asks Hydra to revoke token using client credentials.
func (rp *RelyingParty) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rp.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(rp.oauthConfig.ClientID), url.QueryEscape(rp.oauthConfig.ClientSecret))

	resp, err := rp.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call revoke endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke returned %s", resp.Status)
	}
	return nil
}
