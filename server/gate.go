package server

import (
	"net/http"
	"net/url"
	"strings"

	"iamgate/upstream"
)

// Paths reachable without a session.
var publicPaths = map[string]bool{
	"/login":          true,
	"/consent":        true,
	"/logout":         true,
	"/login/initiate": true,
	"/login/callback": true,
	"/session":        true,
	"/config":         true,
	"/healthz":        true,
	"/metrics":        true,
	"/auth/error":     true,
	"/auth/recovery":  true,
}

var publicPrefixes = []string{"/_next/static/", "/_next/image", "/favicon"}

func (a *App) isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	if tail, ok := strings.CutPrefix(path, a.Proxy.Mount()+"/"); ok {
		// Browser login flows need the public APIs before a session exists.
		name, _, _ := strings.Cut(tail, "/")
		return name == string(upstream.IdentityPublic) || name == string(upstream.AuthzPublic)
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// SessionGate lets a request through when its path is public, it carries a
// valid session cookie, or Kratos recognises its cookies. Everything else is
// sent to login initiation with the original target as return_to.
func (a *App) SessionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := a.gate(r)
		a.Metrics.GateDecisions.WithLabelValues(decision).Inc()
		if decision != "redirect" {
			next.ServeHTTP(w, r)
			return
		}
		target := initiatePath + "?return_to=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
	})
}

func (a *App) gate(r *http.Request) string {
	if a.Config.AuthDisabled() {
		return "disabled"
	}
	if a.isPublicPath(r.URL.Path) {
		return "public"
	}

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Debug("gate ignoring invalid session cookie", "error", err)
	}
	if sess != nil {
		return "session"
	}

	cookie := r.Header.Get("Cookie")
	if cookie == "" {
		return "redirect"
	}
	kratos, err := a.Upstream.KratosPublic()
	if err != nil {
		a.Logger.Warn("gate cannot reach identity public", "error", err)
		return "redirect"
	}
	if _, err := kratos.Whoami(r.Context(), cookie); err != nil {
		a.Logger.Debug("gate whoami rejected", "error", err)
		return "redirect"
	}
	return "identity"
}
