package pool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/dispatch"
	"github.com/zot/chatproxy/internal/protocol"
	"github.com/zot/chatproxy/internal/registry"
)

// AuthInput is what the client presented when connecting.
type AuthInput struct {
	Cookie        string
	Authorization string
	QueryString   string
}

// Chat is a public route bound to a pool: it authorizes new connections and
// forwards client requests to the backend chosen by method name.
type Chat struct {
	Name     string
	Settings config.Chat
	Pool     *Pool
	config   *config.Config
}

// NewChat binds a chat route to its pool.
func NewChat(name string, settings config.Chat, p *Pool, cfg *config.Config) *Chat {
	return &Chat{Name: name, Settings: settings, Pool: p, config: cfg}
}

// Authorize asks the authorization backend about a new connection. On success
// the connection becomes active and receives its hello; on failure it gets a
// fatal_error and is closed.
func (ch *Chat) Authorize(ctx context.Context, c *registry.Connection, in AuthInput) error {
	kwargs := map[string]interface{}{
		"http_cookie":        nullable(in.Cookie),
		"http_authorization": nullable(in.Authorization),
		"url_querystring":    in.QueryString,
	}
	resp, err := ch.Pool.dispatcher.Do(ctx, ch.Settings.Authorize, &dispatch.Request{
		Path:   "/tangle/authorize_connection",
		Header: jsonHeader(),
		Body:   protocol.CallBody(protocol.Meta{"connection_id": c.ID}, kwargs),
	})
	if err != nil {
		ch.fatal(c, protocol.Meta{"error_kind": protocol.ErrorKind(err)}, nil, 4500)
		return err
	}
	if !resp.OK() {
		data := json.RawMessage(nil)
		if json.Valid(resp.Body) {
			data = resp.Body
		}
		ch.fatal(c, protocol.Meta{"error_kind": "http_error", "http_error": resp.StatusCode}, data, 4000+resp.StatusCode)
		return fmt.Errorf("authorization of %s: backend answered %d", c.ID, resp.StatusCode)
	}

	var info struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(resp.Body, &info); err != nil || protocol.ValidateUserID(info.UserID) != nil {
		ch.fatal(c, protocol.Meta{"error_kind": "validation_error"}, nil, 4500)
		return protocol.Invalid("authorization of %s: bad userinfo %s", c.ID, resp.Body)
	}
	if err := ch.Pool.Activate(c.ID, info.UserID, resp.Body); err != nil {
		return err
	}
	return nil
}

func (ch *Chat) fatal(c *registry.Connection, meta protocol.Meta, data json.RawMessage, code int) {
	if data == nil {
		data = json.RawMessage("null")
	}
	c.SendDirect(protocol.FatalError(meta, data))
	ch.Pool.Close(c.ID, code, "backend_error")
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Route returns the destination handling a method. Patterns are matched
// exactly first, then as "prefix.*" from the longest prefix, then "*".
func (ch *Chat) Route(method string) (string, bool) {
	handlers := ch.Settings.MessageHandlers
	if dest, ok := handlers[method]; ok {
		return dest, true
	}
	prefix := method
	for {
		i := strings.LastIndexByte(prefix, '.')
		if i < 0 {
			break
		}
		prefix = prefix[:i]
		if dest, ok := handlers[prefix+".*"]; ok {
			return dest, true
		}
	}
	dest, ok := handlers["*"]
	return dest, ok
}

// HandleFrame processes one client request frame. The reply is sent to the
// connection when the backend answers; HandleFrame does not wait for it.
func (ch *Chat) HandleFrame(c *registry.Connection, data []byte) {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		ch.config.Log(2, "chat %s: bad frame from %s: %v", ch.Name, c.ID, err)
		c.SendDirect(protocol.Error(requestIDOf(data), protocol.ErrorKind(err), nil, errorText(err)))
		return
	}
	ch.Pool.RecordActivity(c.ID, req.Active())
	if c.State() != registry.Active {
		c.SendDirect(protocol.Error(req.RequestID(), protocol.ErrorKind(protocol.ErrValidation), nil, errorText(errors.New("connection is not authorized"))))
		return
	}
	if !c.Acquire(ch.Pool.Settings().PipelineDepth) {
		c.SendDirect(protocol.Error(req.RequestID(), protocol.ErrorKind(protocol.ErrPipelineOverflow), nil, json.RawMessage("null")))
		return
	}
	dest, ok := ch.Route(req.Method)
	if !ok {
		c.Release()
		c.SendDirect(protocol.Error(req.RequestID(), "method_not_found", nil, json.RawMessage("null")))
		return
	}
	body, err := req.BackendBody(c.ID)
	if err != nil {
		c.Release()
		c.SendDirect(protocol.Error(req.RequestID(), protocol.ErrorKind(err), nil, errorText(err)))
		return
	}
	header := jsonHeader()
	header.Set("Authorization", TangleAuth(c.UserID()))
	ch.config.Log(3, "chat %s: %s calls %s on %s: %s", ch.Name, c.ID, req.Method, dest, body)

	// the call outlives the connection; a closed connection discards the reply
	go func() {
		defer c.Release()
		resp, err := ch.Pool.dispatcher.Do(ch.Pool.ctx, dest, &dispatch.Request{
			Path:   protocol.MethodPath(req.Method),
			Header: header,
			Body:   body,
		})
		c.SendDirect(reply(req.RequestID(), resp, err))
	}()
}

func reply(requestID json.RawMessage, resp *dispatch.Response, err error) protocol.Frame {
	switch {
	case err != nil:
		return protocol.Error(requestID, protocol.ErrorKind(err), nil, json.RawMessage("null"))
	case !resp.OK():
		data := json.RawMessage("null")
		if json.Valid(resp.Body) {
			data = resp.Body
		}
		return protocol.Error(requestID, "http_error", protocol.Meta{"http_error": resp.StatusCode}, data)
	case !json.Valid(resp.Body):
		return protocol.Error(requestID, "data_error", nil, json.RawMessage("null"))
	}
	return protocol.Result(requestID, resp.Body)
}

// TangleAuth builds the Authorization header identifying a user to backends.
func TangleAuth(userID string) string {
	b, _ := json.Marshal(map[string]string{"user_id": userID})
	return "Tangle " + base64.StdEncoding.EncodeToString(b)
}

func requestIDOf(data []byte) json.RawMessage {
	var parts []json.RawMessage
	if json.Unmarshal(data, &parts) != nil || len(parts) < 2 {
		return json.RawMessage("null")
	}
	var meta map[string]json.RawMessage
	if json.Unmarshal(parts[1], &meta) != nil {
		return json.RawMessage("null")
	}
	if id, ok := meta["request_id"]; ok {
		return id
	}
	return json.RawMessage("null")
}

func errorText(err error) json.RawMessage {
	b, _ := json.Marshal(err.Error())
	return b
}
