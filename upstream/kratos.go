package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	ory "github.com/ory/client-go"
	"github.com/tidwall/gjson"
)

// Roles recognised in identity traits.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// NormalizeRole maps anything but "admin" to "viewer".
func NormalizeRole(role string) string {
	if strings.EqualFold(strings.TrimSpace(role), RoleAdmin) {
		return RoleAdmin
	}
	return RoleViewer
}

// IdentityRecord is the typed view of a Kratos identity.
type IdentityRecord struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      string
}

// DisplayName joins first and last name, falling back to the email.
func (r IdentityRecord) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
	if name != "" {
		return name
	}
	return r.Email
}

type rawIdentity struct {
	ID     string `json:"id"`
	Traits struct {
		Email string          `json:"email"`
		Role  string          `json:"role"`
		Name  json.RawMessage `json:"name"`
	} `json:"traits"`
}

func (ri rawIdentity) record() IdentityRecord {
	rec := IdentityRecord{
		ID:    ri.ID,
		Email: ri.Traits.Email,
		Role:  NormalizeRole(ri.Traits.Role),
	}
	name := gjson.ParseBytes(ri.Traits.Name)
	switch {
	case name.Type == gjson.String:
		rec.FirstName = name.String()
	case name.IsObject():
		rec.FirstName = name.Get("first").String()
		rec.LastName = name.Get("last").String()
	}
	return rec
}

// Session is the subset of a Kratos session document we use.
type Session struct {
	ID       string
	Active   bool
	Identity IdentityRecord
}

type rawSession struct {
	ID       string      `json:"id"`
	Active   bool        `json:"active"`
	Identity rawIdentity `json:"identity"`
}

// LoginFlow is a Kratos API login flow with its CSRF token extracted.
type LoginFlow struct {
	ID        string
	CSRFToken string
}

// KratosPublic wraps the Kratos public API.
type KratosPublic struct {
	c *Client
}

// NewKratosPublic binds the public Kratos calls to c.
func NewKratosPublic(c *Client) *KratosPublic { return &KratosPublic{c: c} }

// Whoami resolves the Kratos session carried by the browser cookie header.
// A 401 or 403 from Kratos is returned as *StatusError.
func (k *KratosPublic) Whoami(ctx context.Context, cookie string) (*Session, error) {
	_, resp, err := k.c.api.FrontendAPI.ToSession(ctx).Cookie(cookie).Execute()
	var raw rawSession
	if _, err := k.c.finish(http.MethodGet, "/sessions/whoami", resp, err, sessionSchema, &raw); err != nil {
		return nil, err
	}
	return &Session{ID: raw.ID, Active: raw.Active, Identity: raw.Identity.record()}, nil
}

// CreateLoginFlow starts a new API login flow.
func (k *KratosPublic) CreateLoginFlow(ctx context.Context) (*LoginFlow, error) {
	_, resp, err := k.c.api.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	body, err := k.c.finish(http.MethodGet, "/self-service/login/api", resp, err, loginFlowSchema, nil)
	if err != nil {
		return nil, err
	}
	return &LoginFlow{
		ID:        gjson.GetBytes(body, "id").String(),
		CSRFToken: gjson.GetBytes(body, `ui.nodes.#(attributes.name=="csrf_token").attributes.value`).String(),
	}, nil
}

// SubmitPasswordLogin completes flow with the password method and returns
// the identity Kratos authenticated.
func (k *KratosPublic) SubmitPasswordLogin(ctx context.Context, flow *LoginFlow, identifier, password string) (*IdentityRecord, error) {
	method := ory.UpdateLoginFlowWithPasswordMethod{
		Identifier: identifier,
		Method:     "password",
		Password:   password,
	}
	if flow.CSRFToken != "" {
		method.SetCsrfToken(flow.CSRFToken)
	}
	_, resp, err := k.c.api.FrontendAPI.UpdateLoginFlow(ctx).
		Flow(flow.ID).
		UpdateLoginFlowBody(ory.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(&method)).
		Execute()

	var out struct {
		Session rawSession `json:"session"`
	}
	if _, err := k.c.finish(http.MethodPost, "/self-service/login", resp, err, loginResultSchema, &out); err != nil {
		return nil, err
	}
	rec := out.Session.Identity.record()
	return &rec, nil
}

// KratosAdmin wraps the Kratos admin API.
type KratosAdmin struct {
	c *Client
}

// NewKratosAdmin binds the admin Kratos calls to c.
func NewKratosAdmin(c *Client) *KratosAdmin { return &KratosAdmin{c: c} }

// GetIdentity fetches one identity by id.
func (k *KratosAdmin) GetIdentity(ctx context.Context, id string) (*IdentityRecord, error) {
	_, resp, err := k.c.api.IdentityAPI.GetIdentity(ctx, id).Execute()
	var raw rawIdentity
	if _, err := k.c.finish(http.MethodGet, "/admin/identities/"+url.PathEscape(id), resp, err, identitySchema, &raw); err != nil {
		return nil, err
	}
	rec := raw.record()
	return &rec, nil
}
