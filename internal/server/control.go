package server

import (
	"encoding/json"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/lattice"
	"github.com/zot/chatproxy/internal/pool"
	"github.com/zot/chatproxy/internal/protocol"
)

// ControlEndpoint serves the control-plane API of one session pool. Backends
// call it to manage subscriptions and push data to connections.
type ControlEndpoint struct {
	config *config.Config
	pool   *pool.Pool
	router chi.Router
}

// NewControlEndpoint creates the control-plane API of p.
func NewControlEndpoint(cfg *config.Config, p *pool.Pool) *ControlEndpoint {
	c := &ControlEndpoint{config: cfg, pool: p, router: chi.NewRouter()}
	c.setupRoutes()
	return c
}

func (c *ControlEndpoint) setupRoutes() {
	r := c.router
	notFound := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	r.Route("/v1", func(r chi.Router) {
		r.Put("/connection/{conn_id}/subscriptions/*", c.subscribeTopic)
		r.Delete("/connection/{conn_id}/subscriptions/*", c.unsubscribeTopic)
		r.Post("/publish/*", c.publish)
		r.Put("/connection/{conn_id}/lattices/*", c.subscribeLattice)
		r.Delete("/connection/{conn_id}/lattices/*", c.unsubscribeLattice)
		r.Post("/lattice/*", c.updateLattice)
		r.Put("/connection/{conn_id}/users", c.subscribeUsers)
		r.Delete("/connection/{conn_id}/users", c.unsubscribeUsers)
		r.Put("/user/{user_id}/users", c.updateUsers)
	})
}

// ServeHTTP implements http.Handler.
func (c *ControlEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

func (c *ControlEndpoint) done(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeError(c.config, w, err)
		return
	}
	c.config.Log(2, "Control %s %s", r.Method, r.URL.Path)
	w.WriteHeader(http.StatusNoContent)
}

// jsonBody reads a JSON request body within the pool's payload limit.
// An empty body is returned as nil.
func (c *ControlEndpoint) jsonBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	settings := c.pool.Settings()
	body, err := readBody(w, r, settings.MaxPayloadSize)
	if err != nil || len(body) == 0 {
		return nil, err
	}
	if !settings.WeakContentType {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			return nil, protocol.Invalid("content type must be application/json")
		}
	}
	if !json.Valid(body) {
		return nil, protocol.Invalid("body is not valid JSON")
	}
	c.config.Log(3, "Control %s %s: %s", r.Method, r.URL.Path, body)
	return body, nil
}

func (c *ControlEndpoint) subscribeTopic(w http.ResponseWriter, r *http.Request) {
	t, err := protocol.ParseTopic(chi.URLParam(r, "*"))
	if err == nil {
		err = c.pool.SubscribeTopic(chi.URLParam(r, "conn_id"), t)
	}
	c.done(w, r, err)
}

func (c *ControlEndpoint) unsubscribeTopic(w http.ResponseWriter, r *http.Request) {
	t, err := protocol.ParseTopic(chi.URLParam(r, "*"))
	if err == nil {
		err = c.pool.UnsubscribeTopic(chi.URLParam(r, "conn_id"), t)
	}
	c.done(w, r, err)
}

func (c *ControlEndpoint) publish(w http.ResponseWriter, r *http.Request) {
	t, err := protocol.ParseTopic(chi.URLParam(r, "*"))
	if err != nil {
		c.done(w, r, err)
		return
	}
	body, err := c.jsonBody(w, r)
	if err == nil && body == nil {
		err = protocol.Invalid("publish needs a JSON body")
	}
	if err == nil {
		c.pool.Publish(t, body)
	}
	c.done(w, r, err)
}

// delta parses the namespace path and the {shared, private} body.
// The namespace is checked first so reserved names fail whatever the body.
func (c *ControlEndpoint) delta(w http.ResponseWriter, r *http.Request) (protocol.Namespace, *lattice.Delta, error) {
	ns, err := protocol.ParseNamespace(chi.URLParam(r, "*"))
	if err != nil {
		return "", nil, err
	}
	body, err := c.jsonBody(w, r)
	if err != nil {
		return "", nil, err
	}
	delta, err := lattice.ParseDelta(body)
	return ns, delta, err
}

func (c *ControlEndpoint) subscribeLattice(w http.ResponseWriter, r *http.Request) {
	ns, delta, err := c.delta(w, r)
	if err == nil {
		err = c.pool.SubscribeLattice(chi.URLParam(r, "conn_id"), ns, delta)
	}
	c.done(w, r, err)
}

func (c *ControlEndpoint) unsubscribeLattice(w http.ResponseWriter, r *http.Request) {
	ns, err := protocol.ParseNamespace(chi.URLParam(r, "*"))
	if err == nil {
		err = c.pool.UnsubscribeLattice(chi.URLParam(r, "conn_id"), ns)
	}
	c.done(w, r, err)
}

func (c *ControlEndpoint) updateLattice(w http.ResponseWriter, r *http.Request) {
	ns, delta, err := c.delta(w, r)
	if err == nil {
		err = c.pool.UpdateLattice(ns, delta)
	}
	c.done(w, r, err)
}

// userList parses a JSON array of user ids.
func (c *ControlEndpoint) userList(w http.ResponseWriter, r *http.Request) ([]string, error) {
	body, err := c.jsonBody(w, r)
	if err != nil {
		return nil, err
	}
	var ids []string
	if body == nil || json.Unmarshal(body, &ids) != nil || ids == nil {
		return nil, protocol.Invalid("body must be a JSON array of user ids")
	}
	return ids, protocol.ValidateUserIDs(ids)
}

func (c *ControlEndpoint) subscribeUsers(w http.ResponseWriter, r *http.Request) {
	ids, err := c.userList(w, r)
	if err == nil {
		err = c.pool.SubscribeUsers(chi.URLParam(r, "conn_id"), ids)
	}
	c.done(w, r, err)
}

func (c *ControlEndpoint) unsubscribeUsers(w http.ResponseWriter, r *http.Request) {
	c.done(w, r, c.pool.UnsubscribeUsers(chi.URLParam(r, "conn_id")))
}

func (c *ControlEndpoint) updateUsers(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	err := protocol.ValidateUserID(userID)
	var ids []string
	if err == nil {
		ids, err = c.userList(w, r)
	}
	if err == nil {
		err = c.pool.UpdateUsers(userID, ids)
	}
	c.done(w, r, err)
}
