package upstream

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Options configures a Registry.
type Options struct {
	Endpoints Endpoints
	Context   ExecutionContext
	// APIKeys holds the plaintext bearer key per service. A service with no
	// entry is called without an Authorization header; identity-public must
	// not have one, since Kratos prefers a bearer token over the session
	// cookie on whoami.
	APIKeys    map[ServiceID]string
	HTTPClient *http.Client
	Observe    ObserveFunc
}

// Registry builds one Client per service on first use and keeps it until
// Reset. Construction is idempotent; a concurrent builder that loses the
// race simply has its client replaced.
type Registry struct {
	opts Options

	mu      sync.Mutex
	clients map[ServiceID]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Registry{opts: opts, clients: make(map[ServiceID]*Client)}
}

// Client returns the memoised client for id.
func (r *Registry) Client(id ServiceID) (*Client, error) {
	r.mu.Lock()
	c, ok := r.clients[id]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	base, err := ResolveBaseURL(r.opts.Context, id, r.opts.Endpoints)
	if err != nil {
		return nil, err
	}
	c = newClient(id, base, r.opts.APIKeys[id], r.opts.HTTPClient, r.opts.Observe)

	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	return c, nil
}

// Reset drops every memoised client.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.clients = make(map[ServiceID]*Client)
	r.mu.Unlock()
}

// Context reports the execution context the registry resolves under.
func (r *Registry) Context() ExecutionContext { return r.opts.Context }

// Endpoints returns the configured endpoints.
func (r *Registry) Endpoints() Endpoints { return r.opts.Endpoints }

// HTTPClient returns the shared transport used by every client.
func (r *Registry) HTTPClient() *http.Client { return r.opts.HTTPClient }

// KratosPublic returns the identity-store public API client.
func (r *Registry) KratosPublic() (*KratosPublic, error) {
	c, err := r.Client(IdentityPublic)
	if err != nil {
		return nil, fmt.Errorf("kratos public client: %w", err)
	}
	return &KratosPublic{c: c}, nil
}

// KratosAdmin returns the identity-store admin API client.
func (r *Registry) KratosAdmin() (*KratosAdmin, error) {
	c, err := r.Client(IdentityAdmin)
	if err != nil {
		return nil, fmt.Errorf("kratos admin client: %w", err)
	}
	return &KratosAdmin{c: c}, nil
}

// HydraAdmin returns the authorization-server admin API client.
func (r *Registry) HydraAdmin() (*HydraAdmin, error) {
	c, err := r.Client(AuthzAdmin)
	if err != nil {
		return nil, fmt.Errorf("hydra admin client: %w", err)
	}
	return &HydraAdmin{c: c}, nil
}
