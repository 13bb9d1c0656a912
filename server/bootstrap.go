package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"iamgate/upstream"
	"iamgate/vault"
)

const healthPath = "/health/ready"

// bootstrapDocument tells the browser UI where to reach each upstream. The
// URLs point at the same-origin proxy. API keys are vault ciphertext and are
// only included for callers holding a session.
type bootstrapDocument struct {
	KratosPublicURL string `json:"kratosPublicUrl"`
	KratosAdminURL  string `json:"kratosAdminUrl"`
	KratosAPIKey    string `json:"kratosApiKey,omitempty"`
	HydraPublicURL  string `json:"hydraPublicUrl"`
	HydraAdminURL   string `json:"hydraAdminUrl"`
	HydraAPIKey     string `json:"hydraApiKey,omitempty"`
	HydraEnabled    bool   `json:"hydraEnabled"`
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := a.bootstrap(a.authenticated(r))
	if err != nil {
		a.Logger.Error("build bootstrap config", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Configuration Error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// authenticated reports whether r carries a valid session, or auth is off.
func (a *App) authenticated(r *http.Request) bool {
	if a.Config.AuthDisabled() {
		return true
	}
	sess, err := a.Sessions.Fetch(r)
	return err == nil && sess != nil
}

func (a *App) bootstrap(withKeys bool) (bootstrapDocument, error) {
	endpoints := a.Config.Endpoints()
	urls := make(map[upstream.ServiceID]string, len(upstream.Services))
	for _, id := range upstream.Services {
		u, err := upstream.ResolveBaseURL(upstream.ContextEdgeProxy, id, endpoints)
		if err != nil {
			return bootstrapDocument{}, err
		}
		urls[id] = u
	}

	doc := bootstrapDocument{
		KratosPublicURL: urls[upstream.IdentityPublic],
		KratosAdminURL:  urls[upstream.IdentityAdmin],
		HydraPublicURL:  urls[upstream.AuthzPublic],
		HydraAdminURL:   urls[upstream.AuthzAdmin],
		HydraEnabled:    a.Config.Hydra.Enabled,
	}
	if !withKeys {
		return doc, nil
	}

	var err error
	if doc.KratosAPIKey, err = a.sealKey(a.Config.Kratos.APIKey); err != nil {
		return bootstrapDocument{}, err
	}
	if doc.HydraAPIKey, err = a.sealKey(a.Config.Hydra.APIKey); err != nil {
		return bootstrapDocument{}, err
	}
	return doc, nil
}

// sealKey returns key as vault ciphertext. Configured ciphertext is passed through.
func (a *App) sealKey(key string) (string, error) {
	if key == "" || vault.IsCiphertext(key) {
		return key, nil
	}
	return a.Vault.Encrypt(key)
}

// UpstreamHealth is the health of one upstream service.
type UpstreamHealth struct {
	Service upstream.ServiceID `json:"service"`
	URL     string             `json:"url"`
	OK      bool               `json:"ok"`
	Error   string             `json:"error,omitempty"`
	Elapsed time.Duration      `json:"elapsedNs"`
}

// CheckUpstreams checks every configured upstream concurrently. Hydra is
// skipped when the integration is disabled.
func (a *App) CheckUpstreams(ctx context.Context) []UpstreamHealth {
	services := []upstream.ServiceID{upstream.IdentityPublic, upstream.IdentityAdmin}
	if a.Config.Hydra.Enabled {
		services = append(services, upstream.AuthzPublic, upstream.AuthzAdmin)
	}

	results := make([]UpstreamHealth, len(services))
	var wg sync.WaitGroup
	for i, id := range services {
		wg.Add(1)
		go func(i int, id upstream.ServiceID) {
			defer wg.Done()
			results[i] = a.checkUpstream(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return results
}

func (a *App) checkUpstream(ctx context.Context, id upstream.ServiceID) UpstreamHealth {
	res := UpstreamHealth{Service: id}
	client, err := a.Upstream.Client(id)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.URL = client.BaseURL

	start := time.Now()
	err = client.Ping(ctx, healthPath)
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

type healthResponse struct {
	Status    string        `json:"status"`
	Upstreams []UpstreamHealth `json:"upstreams,omitempty"`
}

// handleHealth is a liveness check; ?deep=1 also checks the upstreams.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "" {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Upstreams: a.CheckUpstreams(ctx)}
	status := http.StatusOK
	for _, p := range resp.Upstreams {
		if !p.OK {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
