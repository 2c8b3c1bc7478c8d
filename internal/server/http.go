package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/dispatch"
	"github.com/zot/chatproxy/internal/pool"
	"github.com/zot/chatproxy/internal/protocol"
)

// hop-by-hop headers are not forwarded to backends
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPEndpoint serves the public listener: for each chat route the
// websocket upgrade, the long-poll transport, and forwarding of other
// requests to the route's http_route destination.
type HTTPEndpoint struct {
	config *config.Config
	router chi.Router
}

// NewHTTPEndpoint mounts every chat route.
func NewHTTPEndpoint(cfg *config.Config, chats []*pool.Chat) *HTTPEndpoint {
	h := &HTTPEndpoint{config: cfg, router: chi.NewRouter()}
	h.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	for _, ch := range chats {
		h.mount(ch)
	}
	return h
}

func (h *HTTPEndpoint) mount(ch *pool.Chat) {
	ws := NewWebSocketEndpoint(h.config, ch)
	lp := NewLongPollEndpoint(h.config, ch)
	forward := h.forwarder(ch)

	route := "/" + strings.Trim(ch.Settings.Route, "/")
	h.router.Route(route, func(r chi.Router) {
		r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
			if websocket.IsWebSocketUpgrade(req) {
				ws.HandleWebSocket(w, req)
				return
			}
			forward(w, req)
		})
		lp.Routes(r)
		r.HandleFunc("/*", forward)
	})
	h.config.Log(1, "HTTPEndpoint: chat %s on %s (pool %s)", ch.Name, route, ch.Pool.Name)
}

// forwarder sends plain HTTP requests under a chat route to its http_route
// destination through the dispatcher.
func (h *HTTPEndpoint) forwarder(ch *pool.Chat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ch.Settings.HTTPRoute == "" {
			http.NotFound(w, r)
			return
		}
		body, err := readBody(w, r, ch.Pool.Settings().MaxPayloadSize)
		if err != nil {
			writeError(h.config, w, err)
			return
		}
		header := r.Header.Clone()
		for _, name := range hopHeaders {
			header.Del(name)
		}
		header.Set("X-Forwarded-For", r.RemoteAddr)
		resp, err := ch.Pool.Dispatcher().Do(r.Context(), ch.Settings.HTTPRoute, &dispatch.Request{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Header: header,
			Body:   body,
		})
		if err != nil {
			writeError(h.config, w, err)
			return
		}
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		for _, name := range hopHeaders {
			w.Header().Del(name)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// writeError answers with the status of err's kind.
func writeError(cfg *config.Config, w http.ResponseWriter, err error) {
	status := protocol.StatusCode(err)
	if status >= 500 {
		cfg.Log(0, "HTTP %d: %v", status, err)
	} else {
		cfg.Log(2, "HTTP %d: %v", status, err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
