package server

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"iamgate/upstream"
	"iamgate/vault"
)

// Response headers relayed for every non-204 answer, besides x-* headers.
var relayedHeaders = map[string]bool{
	"content-type":  true,
	"cache-control": true,
	"etag":          true,
	"last-modified": true,
	"vary":          true,
	"link":          true,
}

// Request headers never forwarded upstream.
var droppedRequestHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"upgrade":           true,
	"forwarded":         true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"content-length":    true,
	// The transport negotiates compression itself and hands back decoded bodies.
	"accept-encoding": true,
}

func isForwardingHeader(lower string) bool {
	return strings.HasPrefix(lower, "x-forwarded") || strings.HasPrefix(lower, "x-real-ip")
}

// ProxyRouter relays same-origin browser requests to the upstream services,
// injecting each service's bearer credential on the way.
type ProxyRouter struct {
	mount         string
	targets       map[string]*proxyTarget
	follow        *http.Client
	manual        *http.Client
	vault         *vault.Vault
	metrics       *Metrics
	logger        *slog.Logger
	maxBody       int64
	allowOverride bool
}

type proxyTarget struct {
	name        string
	displayName string
	credential  string // cookie "<credential>-api-key", header "x-<credential>-api-key"
	overrideKey string // cookie "<overrideKey>-url", header "x-<overrideKey>-url"
	base        string
	defaultKey  string

	manualRedirects bool
	relayCookies    bool
}

// NewProxyRouter builds the four Ory targets plus any configured extra routes.
func NewProxyRouter(cfg Config, v *vault.Vault, metrics *Metrics, logger *slog.Logger) (*ProxyRouter, error) {
	timeout := parseDuration(cfg.Proxy.Timeout, DefaultProxyTimeout)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.Proxy.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed upstreams
	}

	p := &ProxyRouter{
		mount:   cfg.Endpoints().Mount(),
		targets: make(map[string]*proxyTarget),
		follow:  &http.Client{Transport: transport, Timeout: timeout},
		manual: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		vault:         v,
		metrics:       metrics,
		logger:        logger,
		maxBody:       cfg.Proxy.MaxBodyBytes,
		allowOverride: cfg.Proxy.AllowURLOverride,
	}

	endpoints := cfg.Endpoints()
	for _, id := range upstream.Services {
		base := endpoints.Direct(id)
		if base == "" {
			continue
		}
		credential, key := id.Credential(), cfg.Kratos.APIKey
		switch {
		case id == upstream.IdentityPublic:
			// Browser flows authenticate with the Kratos session cookie,
			// which a bearer token would shadow.
			credential, key = "", ""
		case credential == "hydra":
			key = cfg.Hydra.APIKey
		}
		p.add(&proxyTarget{
			name:        string(id),
			displayName: id.DisplayName(),
			credential:  credential,
			overrideKey: id.Credential() + "-" + serviceTier(id),
			base:        base,
			defaultKey:  key,
			// Kratos answers logout and flow steps with 3xx + Set-Cookie.
			manualRedirects: id == upstream.IdentityPublic,
			relayCookies:    id == upstream.IdentityPublic,
		})
	}

	for _, route := range cfg.Proxy.Routes {
		if _, exists := p.targets[route.Name]; exists {
			return nil, fmt.Errorf("duplicate proxy route %q", route.Name)
		}
		p.add(&proxyTarget{
			name:            route.Name,
			displayName:     route.Name,
			credential:      route.Name,
			overrideKey:     route.Name,
			base:            strings.TrimRight(route.Target, "/"),
			defaultKey:      route.APIKey,
			manualRedirects: route.ManualRedirects,
			relayCookies:    route.RelayCookies,
		})
	}

	return p, nil
}

func serviceTier(id upstream.ServiceID) string {
	if id == upstream.IdentityAdmin || id == upstream.AuthzAdmin {
		return "admin"
	}
	return "public"
}

func (p *ProxyRouter) add(t *proxyTarget) {
	p.targets[t.name] = t
	p.logger.Info("proxy route added",
		"path", p.mount+"/"+t.name,
		"target", t.base,
		"manual_redirects", t.manualRedirects,
		"relay_cookies", t.relayCookies,
	)
}

// Mount is the path prefix the router serves.
func (p *ProxyRouter) Mount() string { return p.mount }

type proxyError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	ErrorType string `json:"errorType,omitempty"`
}

type proxyPanic struct{ value any }

func (e *proxyPanic) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// ServeHTTP routes <mount>/<service>/<rest> to the service's upstream.
func (p *ProxyRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, rest, ok := p.split(r.URL.EscapedPath())
	t, found := p.targets[name]
	if !ok || !found {
		writeJSON(w, http.StatusNotFound, proxyError{
			Error:   "Not Found",
			Message: fmt.Sprintf("no upstream service named %q", name),
			Details: "Known services are mounted under " + p.mount + "/<service>/",
		})
		return
	}

	base := p.baseURL(r, t)
	status := 0
	defer func() {
		if v := recover(); v != nil {
			status = p.proxyFailure(w, r, t, base, &proxyPanic{value: v})
		}
		p.metrics.ProxyRequests.WithLabelValues(t.name, statusLabel(status)).Inc()
	}()
	status = p.forward(w, r, t, base, rest)
}

// split extracts the service name and the remaining escaped path.
func (p *ProxyRouter) split(escaped string) (name, rest string, ok bool) {
	tail, found := strings.CutPrefix(escaped, p.mount+"/")
	if !found || tail == "" {
		return "", "", false
	}
	name, rest, _ = strings.Cut(tail, "/")
	return name, "/" + rest, name != ""
}

func (p *ProxyRouter) forward(w http.ResponseWriter, r *http.Request, t *proxyTarget, base, rest string) int {
	target := base + rest
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	body := io.Reader(http.NoBody)
	if r.Body != nil && r.Body != http.NoBody {
		reader := r.Body
		if p.maxBody > 0 {
			reader = http.MaxBytesReader(w, r.Body, p.maxBody)
		}
		buf, err := io.ReadAll(reader)
		if err != nil {
			return p.proxyFailure(w, r, t, base, err)
		}
		body = bytes.NewReader(buf)
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return p.proxyFailure(w, r, t, base, err)
	}
	p.copyRequestHeaders(out.Header, r.Header)
	if key := p.credential(r, t); key != "" {
		out.Header.Set("Authorization", "Bearer "+key)
	}

	client := p.follow
	if t.manualRedirects {
		client = p.manual
	}

	p.logger.Debug("proxying request", "service", t.name, "method", r.Method, "path", rest)
	resp, err := client.Do(out)
	if err != nil {
		return p.networkFailure(w, r, t, base, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.networkFailure(w, r, t, base, err)
	}
	return p.relay(w, resp, respBody, t)
}

// copyRequestHeaders forwards inbound headers minus forwarding, framing and
// credential override headers.
func (p *ProxyRouter) copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		lower := strings.ToLower(k)
		if droppedRequestHeaders[lower] || isForwardingHeader(lower) || p.isOverrideHeader(lower) {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
}

func (p *ProxyRouter) isOverrideHeader(lower string) bool {
	if !strings.HasPrefix(lower, "x-") {
		return false
	}
	for _, t := range p.targets {
		if (t.credential != "" && lower == "x-"+t.credential+"-api-key") || lower == "x-"+t.overrideKey+"-url" {
			return true
		}
	}
	return false
}

// credential resolves the bearer token: cookie, then header, then the
// configured default. Ciphertext is opened with the vault; a value that
// cannot be opened means no credential. Targets without a credential name
// never carry one.
func (p *ProxyRouter) credential(r *http.Request, t *proxyTarget) string {
	if t.credential == "" {
		return ""
	}
	raw := cookieValue(r, t.credential+"-api-key")
	if raw == "" {
		raw = r.Header.Get("X-" + t.credential + "-Api-Key")
	}
	if raw == "" {
		raw = t.defaultKey
	}
	if raw == "" {
		return ""
	}

	key, err := p.vault.Open(raw)
	if err != nil {
		p.logger.Warn("proxy credential could not be decrypted, forwarding without it", "service", t.name, "error", err)
		return ""
	}
	return key
}

// baseURL honours per-request upstream overrides when enabled.
func (p *ProxyRouter) baseURL(r *http.Request, t *proxyTarget) string {
	if !p.allowOverride {
		return t.base
	}
	raw := cookieValue(r, t.overrideKey+"-url")
	if raw == "" {
		raw = r.Header.Get("X-" + t.overrideKey + "-Url")
	}
	if raw == "" {
		return t.base
	}
	if !isSafeUpstreamURL(raw) {
		p.logger.Warn("ignoring unsafe upstream override", "service", t.name, "value", raw)
		return t.base
	}
	return strings.TrimRight(raw, "/")
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return ""
	}
	if v, err := url.PathUnescape(c.Value); err == nil {
		return v
	}
	return c.Value
}

// relay writes the upstream answer. 204 keeps every header except encoding
// ones; other statuses keep the allow-list and non-forwarding x-* headers.
func (p *ProxyRouter) relay(w http.ResponseWriter, resp *http.Response, body []byte, t *proxyTarget) int {
	dst := w.Header()

	if resp.StatusCode == http.StatusNoContent {
		for k, vv := range resp.Header {
			switch strings.ToLower(k) {
			case "content-encoding", "transfer-encoding", "content-length":
				continue
			}
			dst[k] = append([]string(nil), vv...)
		}
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}

	for k, vv := range resp.Header {
		lower := strings.ToLower(k)
		if relayedHeaders[lower] || (strings.HasPrefix(lower, "x-") && !isForwardingHeader(lower)) {
			dst[k] = append([]string(nil), vv...)
		}
	}
	if t.relayCookies {
		for _, c := range resp.Header.Values("Set-Cookie") {
			dst.Add("Set-Cookie", c)
		}
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		p.logger.Debug("write proxied body", "service", t.name, "error", err)
	}
	return resp.StatusCode
}

func (p *ProxyRouter) networkFailure(w http.ResponseWriter, r *http.Request, t *proxyTarget, base string, err error) int {
	p.logger.Error("proxy upstream unreachable", "service", t.name, "target", base, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusBadGateway, proxyError{
		Error:   "Network Error",
		Message: err.Error(),
		Details: fmt.Sprintf("Unable to reach %s at %s. Please check your %s configuration.", t.displayName, base, t.displayName),
	})
	return http.StatusBadGateway
}

func (p *ProxyRouter) proxyFailure(w http.ResponseWriter, r *http.Request, t *proxyTarget, base string, err error) int {
	p.logger.Error("proxy error", "service", t.name, "target", base, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, proxyError{
		Error:     "Proxy Error",
		Message:   err.Error(),
		Details:   fmt.Sprintf("Failed to proxy request to %s at %s", t.displayName, base),
		ErrorType: errorType(err),
	})
	return http.StatusInternalServerError
}

// errorType names the innermost error's type without package or pointer.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
