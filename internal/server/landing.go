package server

import (
	"html/template"
	"net/http"
)

// landingPage is the status page shown to browsers hitting the root.
var landingPage = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Home Assistant MCP Bridge</title>
<style>
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    max-width: 640px;
    margin: 4rem auto;
    padding: 0 1rem;
  }
  h1 { font-size: 1.4rem; }
  p.sub { color: #666; }
  table { border-collapse: collapse; width: 100%; margin-top: 1rem; font-size: 0.9rem; }
  td { border: 1px solid #e0e0e0; padding: 0.45rem 0.6rem; }
  td:first-child { font-weight: 500; white-space: nowrap; }
  code { background: #eee; border-radius: 3px; padding: 0.1rem 0.3rem; }
</style>
</head>
<body>
<h1>Home Assistant MCP Bridge</h1>
<p class="sub">Version {{.Version}}. Point your MCP client at <code>{{.ServerURL}}</code>.</p>
<table>
  <tr><td>MCP endpoint</td><td><code>{{.ServerURL}}/</code> (streamable HTTP)</td></tr>
  <tr><td>OAuth discovery</td><td><code>{{.ServerURL}}/.well-known/oauth-authorization-server</code></td></tr>
  <tr><td>Client registration</td><td><code>POST {{.ServerURL}}/oauth/register</code></td></tr>
  <tr><td>Authorization</td><td><code>{{.ServerURL}}/oauth/authorize</code></td></tr>
  <tr><td>Token exchange</td><td><code>POST {{.ServerURL}}/oauth/token</code></td></tr>
  <tr><td>Token management</td><td><code>GET {{.ServerURL}}/tokens</code></td></tr>
  <tr><td>Health</td><td><code>{{.ServerURL}}/health</code></td></tr>
</table>
</body>
</html>`))

type landingData struct {
	ServerURL string
	Version   string
}

// landingHandler renders the HTML status page.
func landingHandler(serverURL, version string) http.HandlerFunc {
	data := landingData{ServerURL: serverURL, Version: version}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_ = landingPage.Execute(w, data)
	}
}
