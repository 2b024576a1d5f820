// Package api assembles the HTTP surface of the gateway: the MCP
// endpoint, the live SSE feed, registered ui:// resources, and
// health and version endpoints.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pmlhq/pml-gateway/internal/api/middleware"
	"github.com/pmlhq/pml-gateway/internal/config"
	"github.com/pmlhq/pml-gateway/internal/eventstream"
	"github.com/pmlhq/pml-gateway/internal/gateway"
)

const maxBodyBytes = 16 << 20

// NewRouter creates the HTTP router with all gateway routes.
func NewRouter(cfg *config.Config, gw *gateway.Gateway, events *eventstream.Manager) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return strings.HasPrefix(origin, "http://localhost:") ||
				strings.HasPrefix(origin, "http://127.0.0.1:") ||
				origin == "http://localhost" || origin == "http://127.0.0.1"
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Post("/mcp", mcpHandler(gw))
	r.Get("/feed", events.ServeHTTP)
	r.Get("/", liveFeedHandler)
	r.Get("/ui/*", uiHandler(gw))

	return r
}

// mcpHandler serves one JSON-RPC frame per POST body.
func mcpHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		resp := gw.HandleMessage(r.Context(), body)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	}
}

// uiHandler serves HTML registered under ui://<path>.
func uiHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := chi.URLParam(r, "*")
		html, ok := gw.LookupUI("ui://" + path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(html))
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "pml-gateway",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}

// liveFeedHandler serves a minimal page that tails /feed.
func liveFeedHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(liveFeedHTML))
}

const liveFeedHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>PML Gateway — Live Feed</title>
<style>
:root{--bg:#ffffff;--fg:#1a1a2e;--muted:#71717f;--border:#d8d8e4}
@media (prefers-color-scheme:dark){:root{--bg:#12121c;--fg:#e8e8f0;--muted:#8b8b9c;--border:#2c2c3c}}
body{margin:0;font-family:system-ui,sans-serif;background:var(--bg);color:var(--fg)}
header{padding:12px 20px;border-bottom:1px solid var(--border);display:flex;justify-content:space-between}
#status{color:var(--muted)}
#events{padding:12px 20px}
.event{border-bottom:1px solid var(--border);padding:8px 0;font-size:14px}
.event .type{font-weight:600;margin-right:8px}
.event .time{color:var(--muted);font-size:12px;margin-right:8px}
pre{margin:4px 0 0;white-space:pre-wrap;color:var(--muted)}
</style>
</head>
<body>
<header><span>PML Gateway live feed</span><span id="status">connecting…</span></header>
<div id="events"></div>
<script>
var list=document.getElementById("events");
var status=document.getElementById("status");
var src=new EventSource("/feed");
function add(type,data){
  var div=document.createElement("div");
  div.className="event";
  var t=new Date().toLocaleTimeString();
  div.innerHTML='<span class="type"></span><span class="time"></span><pre></pre>';
  div.querySelector(".type").textContent=type;
  div.querySelector(".time").textContent=t;
  div.querySelector("pre").textContent=data;
  list.prepend(div);
  while(list.children.length>200)list.removeChild(list.lastChild);
}
["connected","heartbeat","workflow_completed","workflow_failed","workflow_aborted","approval_required","composite_ui"].forEach(function(type){
  src.addEventListener(type,function(ev){
    if(type==="connected")status.textContent="connected";
    add(type,ev.data);
  });
});
src.onerror=function(){status.textContent="disconnected"};
</script>
</body>
</html>
`
