// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

const notFoundHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>404 &mdash; exd_rpc endpoint</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 600px;
         margin: 60px auto; padding: 0 20px; color: #333; text-align: center; }
  h1 { color: #555; }
  code { background: #f4f4f4; padding: 2px 6px; border-radius: 3px; font-size: 0.95em; }
  p { line-height: 1.6; }
</style>
</head>
<body>
<h1>404 &mdash; Not Found</h1>
<p>This is an <code>exd_rpc</code> service endpoint%s.</p>
<p>RPC methods are available under <code>%s/&lt;method&gt;</code>.</p>
</body>
</html>`

const indexHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s &mdash; exd_rpc</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 900px;
         margin: 0 auto; padding: 40px 20px 0; color: #2c2c2c; background: #fafafa; }
  .header { text-align: center; margin-bottom: 40px; }
  .header h1 { margin-bottom: 4px; color: #1a4a6b; }
  .header .meta { color: #6b6b6b; font-size: 0.9em; }
  code { font-family: ui-monospace, monospace; background: #f0f0f0;
          padding: 2px 6px; border-radius: 3px; font-size: 0.85em; }
  .card { border: 1px solid #e4e4e4; border-radius: 8px; padding: 20px;
           margin-bottom: 16px; background: #fff; }
  .card-header { display: flex; align-items: center; gap: 10px; margin-bottom: 8px; }
  .method-name { font-family: ui-monospace, monospace; font-size: 1.1em; font-weight: 600;
                  color: #1a4a6b; }
  .badge { display: inline-block; padding: 2px 8px; border-radius: 4px;
            font-size: 0.75em; font-weight: 600; text-transform: uppercase; }
  .badge-unary { background: #e8f5e0; color: #2d5016; }
  .badge-stream { background: #e0ecf5; color: #1a4a6b; }
  .doc { color: #6b6b6b; font-size: 0.9em; margin: 0 0 10px; }
  table { width: 100%%; border-collapse: collapse; font-size: 0.9em; }
  th { text-align: left; padding: 8px 10px; background: #f0f0f0;
        font-weight: 600; border-bottom: 2px solid #e0e0e0; }
  td { padding: 8px 10px; border-bottom: 1px solid #f0f0f0; }
  .no-params { color: #6b6b6b; font-style: italic; font-size: 0.9em; }
  .section-label { font-size: 0.8em; font-weight: 600; text-transform: uppercase;
                    color: #6b6b6b; margin-top: 14px; margin-bottom: 6px; }
</style>
</head>
<body>
<div class="header">
  <h1>%s</h1>
  <p class="meta">Powered by <code>exd_rpc</code> &middot; server <code>%s</code></p>
</div>
%s
</body>
</html>`

func buildNotFoundHTML(prefix, serviceName string) []byte {
	var fragment string
	if serviceName != "" {
		fragment = " serving <strong>" + html.EscapeString(serviceName) + "</strong>"
	}
	return []byte(fmt.Sprintf(notFoundHTMLTemplate,
		fragment,
		html.EscapeString(prefix),
	))
}

func buildIndexHTML(s *Server) []byte {
	title := s.serviceName
	if title == "" {
		title = "exd_rpc service"
	}

	var cards strings.Builder
	for _, name := range s.availableMethods() {
		buildMethodCard(&cards, s.methods[name])
	}

	return []byte(fmt.Sprintf(indexHTMLTemplate,
		html.EscapeString(title), // <title>
		html.EscapeString(title), // <h1>
		html.EscapeString(s.serverID),
		cards.String(),
	))
}

func buildMethodCard(w *strings.Builder, info *methodInfo) {
	badgeClass := "badge-unary"
	badgeLabel := "UNARY"
	if info.Type != MethodUnary {
		badgeClass = "badge-stream"
		badgeLabel = "STREAM"
	}

	w.WriteString(`<div class="card">`)
	w.WriteString(`<div class="card-header">`)
	fmt.Fprintf(w, `<span class="method-name">%s</span>`, html.EscapeString(info.Name))
	fmt.Fprintf(w, `<span class="badge %s">%s</span>`, badgeClass, badgeLabel)
	w.WriteString(`</div>`)

	if info.Doc != "" {
		fmt.Fprintf(w, `<p class="doc">%s</p>`, html.EscapeString(info.Doc))
	}

	if info.ParamsSchema.NumFields() > 0 {
		w.WriteString(`<div class="section-label">Parameters</div>`)
		w.WriteString(`<table><tr><th>Name</th><th>Type</th><th>Nullable</th></tr>`)
		for i := range info.ParamsSchema.NumFields() {
			f := info.ParamsSchema.Field(i)
			nullable := "&mdash;"
			if f.Nullable {
				nullable = "yes"
			}
			fmt.Fprintf(w, `<tr><td><code>%s</code></td><td><code>%s</code></td><td>%s</td></tr>`,
				html.EscapeString(f.Name),
				html.EscapeString(arrowTypeToString(f.Type)),
				nullable,
			)
		}
		w.WriteString(`</table>`)
	} else {
		w.WriteString(`<p class="no-params">No parameters</p>`)
	}

	if info.Type == MethodUnary && info.ResultSchema.NumFields() > 0 {
		w.WriteString(`<div class="section-label">Returns</div>`)
		w.WriteString(`<table><tr><th>Name</th><th>Type</th></tr>`)
		for i := range info.ResultSchema.NumFields() {
			f := info.ResultSchema.Field(i)
			fmt.Fprintf(w, `<tr><td><code>%s</code></td><td><code>%s</code></td></tr>`,
				html.EscapeString(f.Name),
				html.EscapeString(arrowTypeToString(f.Type)),
			)
		}
		w.WriteString(`</table>`)
	}

	w.WriteString(`</div>`)
	w.WriteString("\n")
}

func (h *HttpServer) handleIndexPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.indexHTML)
}

func (h *HttpServer) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(h.notFoundHTML)
}
