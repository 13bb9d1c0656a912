package server

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
)

const pageLayout = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{template "title" .}}</title>
<style>
body{font-family:system-ui,sans-serif;background:#f4f5f7;margin:0;display:flex;min-height:100vh;align-items:center;justify-content:center}
main{background:#fff;padding:2rem 2.5rem;border-radius:8px;box-shadow:0 1px 4px rgba(0,0,0,.12);width:22rem}
h1{font-size:1.25rem;margin:0 0 1rem}
label{display:block;font-size:.875rem;margin:.75rem 0 .25rem}
input{width:100%;padding:.5rem;box-sizing:border-box;border:1px solid #c4c8cf;border-radius:4px}
button{margin-top:1.25rem;width:100%;padding:.6rem;border:0;border-radius:4px;background:#2457d6;color:#fff;font-weight:600;cursor:pointer}
.error{color:#b3261e;font-size:.875rem;margin:.5rem 0 0}
</style>
</head>
<body><main>{{template "body" .}}</main></body>
</html>`

var loginView = template.Must(template.Must(template.New("login").Parse(pageLayout)).Parse(`
{{define "title"}}Sign in{{end}}
{{define "body"}}
<h1>Sign in</h1>
<form method="post" action="/login">
<input type="hidden" name="login_challenge" value="{{.Challenge}}">
<label for="email">Email</label>
<input id="email" name="email" type="email" autocomplete="username" value="{{.Email}}" required autofocus>
<label for="password">Password</label>
<input id="password" name="password" type="password" autocomplete="current-password" required>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
<button type="submit">Sign in</button>
</form>
{{end}}`))

var diagnosticView = template.Must(template.Must(template.New("diagnostic").Parse(pageLayout)).Parse(`
{{define "title"}}{{.Title}}{{end}}
{{define "body"}}
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{end}}`))

type loginData struct {
	Challenge string
	Email     string
	Error     string
}

type diagnosticData struct {
	Title   string
	Message string
}

func renderView(w http.ResponseWriter, logger *slog.Logger, status int, view *template.Template, data any) {
	var buf bytes.Buffer
	if err := view.Execute(&buf, data); err != nil {
		logger.Error("render view", "view", view.Name(), "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
