package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/pool"
	"github.com/zot/chatproxy/internal/protocol"
)

const (
	defaultPollWait = 30 * time.Second
	maxPollWait     = 120 * time.Second

	// closed queues kept around for their final poll
	closedQueueLimit = 4096
)

// PendingFrameQueue accumulates frames for a long-polling client.
// It is the Sink of a long-poll connection.
type PendingFrameQueue struct {
	mu      sync.Mutex
	queue   []protocol.Frame
	waiters []chan struct{}
	limit   int
	closed  bool
	code    int
	reason  string

	onClose func()
}

// NewPendingFrameQueue creates a queue holding at most limit frames (0 = unbounded).
func NewPendingFrameQueue(limit int) *PendingFrameQueue {
	return &PendingFrameQueue{limit: limit}
}

func (q *PendingFrameQueue) notify() {
	for _, ch := range q.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Send queues a frame.
func (q *PendingFrameQueue) Send(frame protocol.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errSinkClosed
	}
	if q.limit > 0 && len(q.queue) >= q.limit {
		return protocol.ErrSlowClient
	}
	q.queue = append(q.queue, frame)
	q.notify()
	return nil
}

// Close marks the queue closed. Frames already queued can still be drained.
func (q *PendingFrameQueue) Close(code int, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.code = code
	q.reason = reason
	q.notify()
	if q.onClose != nil {
		q.onClose()
	}
}

// Drain returns all pending frames and clears the queue.
func (q *PendingFrameQueue) Drain() []protocol.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.queue
	q.queue = nil
	return frames
}

// Closed reports whether the queue is closed, with the close code and reason.
func (q *PendingFrameQueue) Closed() (bool, int, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed, q.code, q.reason
}

// Poll returns pending frames, waiting up to wait for the first one.
func (q *PendingFrameQueue) Poll(ctx context.Context, wait time.Duration) []protocol.Frame {
	q.mu.Lock()
	if len(q.queue) > 0 || wait <= 0 || q.closed {
		frames := q.queue
		q.queue = nil
		q.mu.Unlock()
		return frames
	}
	ch := make(chan struct{}, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	q.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	return q.Drain()
}

// LongPollEndpoint serves the long-poll transport of a chat route.
type LongPollEndpoint struct {
	config *config.Config
	chat   *pool.Chat

	mu     sync.RWMutex
	queues map[string]*PendingFrameQueue
	closed *expirable.LRU[string, *PendingFrameQueue]
}

// NewLongPollEndpoint creates the long-poll endpoint of a chat route.
func NewLongPollEndpoint(cfg *config.Config, ch *pool.Chat) *LongPollEndpoint {
	return &LongPollEndpoint{
		config: cfg,
		chat:   ch,
		queues: make(map[string]*PendingFrameQueue),
		closed: expirable.NewLRU[string, *PendingFrameQueue](closedQueueLimit, nil, maxPollWait),
	}
}

// Routes mounts the long-poll handlers.
func (lp *LongPollEndpoint) Routes(r chi.Router) {
	r.Post("/connect", lp.handleConnect)
	r.Get("/poll/{conn_id}", lp.handlePoll)
	r.Post("/poll/{conn_id}", lp.handleRequest)
	r.Delete("/poll/{conn_id}", lp.handleClose)
}

type connectResponse struct {
	ConnectionID string            `json:"connection_id"`
	Frames       []json.RawMessage `json:"frames"`
}

type pollResponse struct {
	Frames    []json.RawMessage `json:"frames"`
	Closed    bool              `json:"closed,omitempty"`
	CloseCode int               `json:"close_code,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func rawFrames(frames []protocol.Frame) []json.RawMessage {
	result := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		result[i] = json.RawMessage(f)
	}
	return result
}

// handleConnect admits a long-poll connection and authorizes it before
// answering with the first frames (hello or fatal_error).
func (lp *LongPollEndpoint) handleConnect(w http.ResponseWriter, r *http.Request) {
	p := lp.chat.Pool
	q := NewPendingFrameQueue(sendBufferSize)
	id := uuid.NewString()
	q.onClose = func() { lp.retire(id) }
	c, err := p.AdmitID(id, q)
	if err != nil {
		writeError(lp.config, w, err)
		return
	}
	lp.mu.Lock()
	lp.queues[c.ID] = q
	lp.mu.Unlock()
	lp.config.Log(1, "LongPoll connected: chat=%s conn=%s", lp.chat.Name, c.ID)

	if err := lp.chat.Authorize(r.Context(), c, AuthInputOf(r)); err != nil {
		lp.config.Log(1, "LongPoll %s: authorization failed: %v", c.ID, err)
		lp.forget(c.ID)
	}
	writeJSON(w, http.StatusOK, connectResponse{ConnectionID: c.ID, Frames: rawFrames(q.Drain())})
}

func (lp *LongPollEndpoint) queue(connID string) (*PendingFrameQueue, error) {
	if err := protocol.ValidateConnectionID(connID); err != nil {
		return nil, err
	}
	lp.mu.RLock()
	q, ok := lp.queues[connID]
	lp.mu.RUnlock()
	if !ok {
		if q, ok = lp.closed.Get(connID); !ok {
			return nil, protocol.ErrNotFound
		}
	}
	return q, nil
}

// retire moves a closed queue out of the live set. It stays pollable for
// one more poll window so the client can read the close reason.
func (lp *LongPollEndpoint) retire(connID string) {
	lp.mu.Lock()
	q, ok := lp.queues[connID]
	delete(lp.queues, connID)
	lp.mu.Unlock()
	if ok {
		lp.closed.Add(connID, q)
	}
}

func (lp *LongPollEndpoint) forget(connID string) {
	lp.mu.Lock()
	delete(lp.queues, connID)
	lp.mu.Unlock()
	lp.closed.Remove(connID)
}

func pollWait(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return defaultPollWait, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, protocol.Invalid("bad wait %q", v)
	}
	if d > maxPollWait {
		d = maxPollWait
	}
	return d, nil
}

// handlePoll drains pending frames, waiting for the first one. A poll counts
// as client activity.
func (lp *LongPollEndpoint) handlePoll(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "conn_id")
	q, err := lp.queue(connID)
	if err != nil {
		writeError(lp.config, w, err)
		return
	}
	wait, err := pollWait(r)
	if err != nil {
		writeError(lp.config, w, err)
		return
	}
	lp.chat.Pool.RecordActivity(connID, 0)

	resp := pollResponse{Frames: rawFrames(q.Poll(r.Context(), wait))}
	if closed, code, reason := q.Closed(); closed {
		resp.Closed, resp.CloseCode, resp.Reason = true, code, reason
		lp.forget(connID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequest accepts one client request frame. The reply arrives on a later poll.
func (lp *LongPollEndpoint) handleRequest(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "conn_id")
	if _, err := lp.queue(connID); err != nil {
		writeError(lp.config, w, err)
		return
	}
	c, err := lp.chat.Pool.Get(connID)
	if err != nil {
		writeError(lp.config, w, err)
		return
	}
	body, err := readBody(w, r, lp.chat.Pool.Settings().MaxPayloadSize)
	if err != nil {
		writeError(lp.config, w, err)
		return
	}
	lp.chat.HandleFrame(c, body)
	w.WriteHeader(http.StatusAccepted)
}

func (lp *LongPollEndpoint) handleClose(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "conn_id")
	if _, err := lp.queue(connID); err != nil {
		writeError(lp.config, w, err)
		return
	}
	lp.forget(connID)
	if err := lp.chat.Pool.Close(connID, pool.CloseNormal, "client_closed"); err != nil && !errors.Is(err, protocol.ErrNotFound) {
		writeError(lp.config, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readBody reads a request body of at most limit bytes.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, protocol.ErrPayloadTooLarge
		}
		return nil, protocol.Invalid("reading body: %v", err)
	}
	return body, nil
}
