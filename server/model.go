package server

import (
	"time"

	"iamgate/upstream"
)

// DefaultSessionSeconds is used when the token response omits expires_in.
const DefaultSessionSeconds = 3600

// SessionUser is the identity attached to a browser session.
type SessionUser struct {
	IdentityID  string `json:"identityId"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

// Session is the server-side view of the encrypted session cookie.
type Session struct {
	AccessToken  string      `json:"accessToken"`
	IDToken      string      `json:"idToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	ExpiresIn    int         `json:"expiresIn"`
	IssuedAt     int64       `json:"issuedAt"`
	User         SessionUser `json:"user"`
}

// Expired reports whether the session outlived its token.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() >= s.IssuedAt+int64(s.ExpiresIn)
}

// TokenResponse is the typed token endpoint answer.
type TokenResponse struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    int
}

// IDClaims are the ID token claims the callback relies on.
type IDClaims struct {
	Subject string
	Email   string
}

// bypassUser is injected when login is disabled.
var bypassUser = SessionUser{
	IdentityID:  "00000000-0000-0000-0000-000000000000",
	Email:       "admin@localhost",
	Role:        upstream.RoleAdmin,
	DisplayName: "Local Admin",
}

func userFromIdentity(rec *upstream.IdentityRecord) SessionUser {
	return SessionUser{
		IdentityID:  rec.ID,
		Email:       rec.Email,
		Role:        rec.Role,
		DisplayName: rec.DisplayName(),
	}
}
