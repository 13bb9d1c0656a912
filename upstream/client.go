package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	ory "github.com/ory/client-go"
	"github.com/xeipuuv/gojsonschema"
)

const maxResponseBytes = 1 << 20

// ObserveFunc receives the outcome of every upstream call. status is 0 when
// the request never produced a response.
type ObserveFunc func(service ServiceID, method string, status int, elapsed time.Duration)

// Client is one service's Ory API client bound to its base URL.
type Client struct {
	Service ServiceID
	BaseURL string

	apiKey string
	http   *http.Client
	api    *ory.APIClient
}

func newClient(id ServiceID, base, apiKey string, hc *http.Client, observe ObserveFunc) *Client {
	transport := hc.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	observed := &http.Client{
		Transport:     &observedTransport{service: id, next: transport, observe: observe},
		CheckRedirect: hc.CheckRedirect,
		Timeout:       hc.Timeout,
	}

	cfg := ory.NewConfiguration()
	cfg.Servers = ory.ServerConfigurations{{URL: base}}
	cfg.HTTPClient = observed
	cfg.UserAgent = "iamgate"
	if apiKey != "" {
		cfg.AddDefaultHeader("Authorization", "Bearer "+apiKey)
	}

	return &Client{
		Service: id,
		BaseURL: base,
		apiKey:  apiKey,
		http:    observed,
		api:     ory.NewAPIClient(cfg),
	}
}

// observedTransport reports every round trip to an ObserveFunc.
type observedTransport struct {
	service ServiceID
	next    http.RoundTripper
	observe ObserveFunc
}

func (t *observedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if t.observe != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.observe(t.service, req.Method, status, time.Since(start))
	}
	return resp, err
}

// settle turns the result of an SDK call into the raw response body or one
// of this package's typed errors. The SDK's own decoding is not consulted:
// its generated models reject documents that omit fields iamgate never
// reads, so the schema check in decode is the only gate.
func (c *Client) settle(method, path string, resp *http.Response, err error) ([]byte, error) {
	var apiErr *ory.GenericOpenAPIError
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return nil, &NetworkError{Service: c.Service, URL: c.BaseURL, Err: err}
	}

	var body []byte
	switch {
	case errors.As(err, &apiErr):
		body = apiErr.Body()
	case err != nil:
		return nil, &NetworkError{Service: c.Service, URL: c.BaseURL, Err: err}
	default:
		b, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, &NetworkError{Service: c.Service, URL: c.BaseURL, Err: readErr}
		}
		body = b
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, &StatusError{
			Service:    c.Service,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}
	return body, nil
}

func (c *Client) decode(path string, body []byte, schema *gojsonschema.Schema, out any) error {
	if !json.Valid(body) {
		return &MalformedResponseError{Service: c.Service, Path: path, Reasons: []string{"body is not JSON"}}
	}
	if schema != nil {
		reasons, err := validate(schema, body)
		if err != nil {
			return &MalformedResponseError{Service: c.Service, Path: path, Reasons: []string{err.Error()}}
		}
		if len(reasons) > 0 {
			return &MalformedResponseError{Service: c.Service, Path: path, Reasons: reasons}
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedResponseError{Service: c.Service, Path: path, Reasons: []string{err.Error()}}
	}
	return nil
}

// finish settles an SDK call and decodes its body into out.
func (c *Client) finish(method, path string, resp *http.Response, err error, schema *gojsonschema.Schema, out any) ([]byte, error) {
	body, err := c.settle(method, path, resp, err)
	if err != nil {
		return body, err
	}
	return body, c.decode(path, body, schema, out)
}

// Ping issues GET path and reports whether the service answered 2xx.
func (c *Client) Ping(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.Service, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Service: c.Service, URL: c.BaseURL, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s health check returned %d", c.Service, resp.StatusCode)
	}
	return nil
}
