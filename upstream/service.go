// Package upstream talks to the Ory services iamgate fronts: the Kratos
// identity store and the Hydra authorization server.
package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

// ServiceID names one upstream API surface.
type ServiceID string

const (
	IdentityPublic ServiceID = "identity-public"
	IdentityAdmin  ServiceID = "identity-admin"
	AuthzPublic    ServiceID = "authz-public"
	AuthzAdmin     ServiceID = "authz-admin"
)

// Services lists every known service in a stable order.
var Services = []ServiceID{IdentityPublic, IdentityAdmin, AuthzPublic, AuthzAdmin}

// ParseServiceID returns the ServiceID for s, or false when unknown.
func ParseServiceID(s string) (ServiceID, bool) {
	for _, id := range Services {
		if string(id) == s {
			return id, true
		}
	}
	return "", false
}

// DisplayName is the product name used in operator-facing messages.
func (id ServiceID) DisplayName() string {
	switch id {
	case IdentityPublic, IdentityAdmin:
		return "Kratos"
	case AuthzPublic, AuthzAdmin:
		return "Hydra"
	}
	return string(id)
}

// Credential names the API key family for the service. It is also the stem
// of the `<credential>-api-key` cookie and header.
func (id ServiceID) Credential() string {
	switch id {
	case IdentityPublic, IdentityAdmin:
		return "kratos"
	case AuthzPublic, AuthzAdmin:
		return "hydra"
	}
	return ""
}

// ExecutionContext selects how base URLs resolve.
type ExecutionContext int

const (
	// ContextServer resolves to the configured upstream URL.
	ContextServer ExecutionContext = iota
	// ContextEdgeProxy resolves to the same-origin proxy path.
	ContextEdgeProxy
)

func (c ExecutionContext) String() string {
	switch c {
	case ContextServer:
		return "server"
	case ContextEdgeProxy:
		return "edge-proxy"
	}
	return fmt.Sprintf("ExecutionContext(%d)", int(c))
}

// DefaultProxyMount is the path prefix the reverse proxy is mounted on.
const DefaultProxyMount = "/proxy"

// Endpoints holds the direct URL of every upstream and the proxy mount.
type Endpoints struct {
	KratosPublic string
	KratosAdmin  string
	HydraPublic  string
	HydraAdmin   string
	ProxyMount   string
}

// Direct returns the configured upstream URL for id without a trailing slash.
func (e Endpoints) Direct(id ServiceID) string {
	var raw string
	switch id {
	case IdentityPublic:
		raw = e.KratosPublic
	case IdentityAdmin:
		raw = e.KratosAdmin
	case AuthzPublic:
		raw = e.HydraPublic
	case AuthzAdmin:
		raw = e.HydraAdmin
	}
	return strings.TrimRight(raw, "/")
}

// Mount returns the normalised proxy mount path.
func (e Endpoints) Mount() string {
	m := strings.TrimRight(e.ProxyMount, "/")
	if m == "" {
		return DefaultProxyMount
	}
	if !strings.HasPrefix(m, "/") {
		m = "/" + m
	}
	return m
}

// ResolveBaseURL picks the base URL for id under ec.
func ResolveBaseURL(ec ExecutionContext, id ServiceID, e Endpoints) (string, error) {
	if _, ok := ParseServiceID(string(id)); !ok {
		return "", fmt.Errorf("unknown service %q", id)
	}
	switch ec {
	case ContextEdgeProxy:
		return e.Mount() + "/" + string(id), nil
	case ContextServer:
		direct := e.Direct(id)
		if direct == "" {
			return "", fmt.Errorf("%s: no upstream URL configured", id)
		}
		u, err := url.Parse(direct)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%s: invalid upstream URL %q", id, direct)
		}
		return direct, nil
	}
	return "", fmt.Errorf("unknown execution context %v", ec)
}
