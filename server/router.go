package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: flow endpoints, challenge pages, the
// upstream proxy and the gated UI.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}
	r.Use(a.SessionGate)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	r.Get("/config", a.handleConfig)

	r.Get("/login/initiate", a.handleInitiate)
	r.Get("/login/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)
	r.Get("/session", a.handleSession)

	r.Get("/login", a.handleLoginChallenge)
	r.Post("/login", a.handleLoginSubmit)
	r.Get("/consent", a.handleConsentChallenge)

	mount := a.Proxy.Mount()
	r.Handle(mount, a.Proxy)
	r.Handle(mount+"/*", a.Proxy)

	if dir := a.Config.Server.UIDir; dir != "" {
		r.NotFound(spaHandler(dir).ServeHTTP)
	} else {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"service": "iamgate"})
		})
	}

	return r
}

// spaHandler serves files from dir and falls back to index.html for client-side routes.
func spaHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		clean := filepath.Clean("/" + strings.TrimPrefix(r.URL.Path, "/"))
		if info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(clean))); err != nil || info.IsDir() && clean != "/" {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	})
}
