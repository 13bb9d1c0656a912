package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnavailable marks transport-level failures reaching an upstream.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrMalformedResponse marks upstream bodies that fail schema validation.
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// NetworkError wraps a failure to complete the HTTP round trip.
type NetworkError struct {
	Service ServiceID
	URL     string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: request to %s failed: %v", e.Service, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Service    ServiceID
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s failed (%d): %s", e.Service, e.Method, e.Path, e.StatusCode, e.Detail())
}

// Detail extracts the most specific human-readable message from an Ory
// error or flow document. It is meant for server-side logs only.
func (e *StatusError) Detail() string {
	for _, path := range []string{"ui.messages.0.text", "error.reason", "error.message", "error_description", "error"} {
		if v := gjson.GetBytes(e.Body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return strings.TrimSpace(string(e.Body))
}

// MalformedResponseError reports a body that did not match its schema.
type MalformedResponseError struct {
	Service ServiceID
	Path    string
	Reasons []string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s %s: malformed response: %s", e.Service, e.Path, strings.Join(e.Reasons, "; "))
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
