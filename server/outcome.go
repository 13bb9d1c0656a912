package server

import (
	"html/template"
	"net/http"
)

// ErrorKind classifies a failed step.
type ErrorKind int

const (
	// KindProtocol covers state mismatches, missing challenge ids and malformed protocol data.
	KindProtocol ErrorKind = iota
	// KindUpstream covers Kratos or Hydra being unreachable or failing.
	KindUpstream
	// KindCredential covers bad credentials and expired flows.
	KindCredential
	// KindConfig covers local misconfiguration.
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindUpstream:
		return "upstream"
	case KindCredential:
		return "credential"
	case KindConfig:
		return "config"
	}
	return "unknown"
}

// Status is the HTTP status used when a failure is rendered.
func (k ErrorKind) Status() int {
	switch k {
	case KindProtocol:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindCredential:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// Outcome is what a flow step decided. The HTTP boundary turns it into a response.
type Outcome interface {
	outcome()
}

// Redirect sends the browser to URL with 302.
type Redirect struct {
	URL string
}

// Rendered writes a server-side view.
type Rendered struct {
	Status int
	View   *template.Template
	Data   any
}

// Failure reports a terminal error. Message is safe to show; Err is logged only.
type Failure struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (Redirect) outcome() {}
func (Rendered) outcome() {}
func (Failure) outcome()  {}

// respond writes o to w.
func (a *App) respond(w http.ResponseWriter, r *http.Request, o Outcome) {
	switch o := o.(type) {
	case Redirect:
		http.Redirect(w, r, o.URL, http.StatusFound)
	case Rendered:
		status := o.Status
		if status == 0 {
			status = http.StatusOK
		}
		renderView(w, a.Logger, status, o.View, o.Data)
	case Failure:
		if o.Err != nil {
			a.Logger.Warn("request failed", "kind", o.Kind.String(), "path", r.URL.Path, "error", o.Err)
		}
		renderView(w, a.Logger, o.Kind.Status(), diagnosticView, diagnosticData{
			Title:   http.StatusText(o.Kind.Status()),
			Message: o.Message,
		})
	default:
		a.Logger.Error("unknown outcome", "type", o)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
