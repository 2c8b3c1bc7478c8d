package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/dispatch"
	"github.com/zot/chatproxy/internal/pool"
)

const shutdownTimeout = 10 * time.Second

// Server owns the session pools, the dispatcher and the listeners.
type Server struct {
	config     *config.Config
	dispatcher *dispatch.Dispatcher
	pools      map[string]*pool.Pool
	chats      []*pool.Chat
	public     *HTTPEndpoint
	controls   map[string]*ControlEndpoint

	mu      sync.Mutex
	bound   []*boundServer
	watcher *config.Watcher
}

type boundServer struct {
	name     string
	server   *http.Server
	listener net.Listener
}

// New creates a server with the given configuration. Nothing listens until Listen.
func New(cfg *config.Config) *Server {
	s := &Server{
		config:     cfg,
		dispatcher: dispatch.New(cfg),
		pools:      make(map[string]*pool.Pool),
		controls:   make(map[string]*ControlEndpoint),
	}

	for _, name := range config.SortedKeys(cfg.SessionPools) {
		p := pool.New(name, cfg.SessionPools[name], cfg, pool.NewComponents(cfg), s.dispatcher)
		s.pools[name] = p
		s.controls[name] = NewControlEndpoint(cfg, p)
	}
	for _, name := range config.SortedKeys(cfg.Chat) {
		settings := cfg.Chat[name]
		p, ok := s.pools[settings.SessionPool]
		if !ok {
			// Validate rejects this; skip rather than panic for unvalidated configs
			cfg.Log(0, "Server: chat %s references unknown pool %s", name, settings.SessionPool)
			continue
		}
		s.chats = append(s.chats, pool.NewChat(name, settings, p, cfg))
	}
	s.public = NewHTTPEndpoint(cfg, s.chats)
	return s
}

// Pool returns a session pool by name.
func (s *Server) Pool(name string) (*pool.Pool, bool) {
	p, ok := s.pools[name]
	return p, ok
}

// Dispatcher returns the backend dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Handler returns the public handler (websocket, long-poll, http_route forwarding).
func (s *Server) Handler() http.Handler {
	return s.public
}

// ControlHandler returns the control-plane API of a pool.
func (s *Server) ControlHandler(poolName string) (http.Handler, bool) {
	c, ok := s.controls[poolName]
	return c, ok
}

// Listen binds the public address and every pool's control-plane addresses.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bound) > 0 {
		return errors.New("server already listening")
	}

	bind := func(name, addr string, handler http.Handler, pause func() time.Duration) error {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%s: failed to listen on %s: %w", name, addr, err)
		}
		s.bound = append(s.bound, &boundServer{
			name:     name,
			server:   &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
			listener: newPauseListener(l, s.config, pause),
		})
		s.config.Log(0, "%s listening on %s", name, l.Addr())
		return nil
	}

	if err := bind("public", s.config.Server.Listen, s.public, s.publicPause); err != nil {
		s.closeBound()
		return err
	}
	for _, name := range config.SortedKeys(s.pools) {
		p := s.pools[name]
		pause := func() time.Duration { return p.Settings().ListenErrorTimeout.Duration() }
		for _, addr := range p.Settings().Listen {
			if err := bind("pool "+name, addr, s.controls[name], pause); err != nil {
				s.closeBound()
				return err
			}
		}
	}
	return nil
}

// publicPause is the smallest listen_error_timeout of the pools.
func (s *Server) publicPause() time.Duration {
	d := config.DefaultSessionPool().ListenErrorTimeout.Duration()
	first := true
	for _, p := range s.pools {
		if t := p.Settings().ListenErrorTimeout.Duration(); first || t < d {
			d, first = t, false
		}
	}
	return d
}

func (s *Server) closeBound() {
	for _, b := range s.bound {
		b.listener.Close()
	}
	s.bound = nil
}

// Addrs returns the bound addresses by listener name.
func (s *Server) Addrs() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string][]string)
	for _, b := range s.bound {
		result[b.name] = append(result[b.name], b.listener.Addr().String())
	}
	return result
}

// Serve runs the listeners and the config watcher until ctx is done or a
// listener fails, then shuts everything down.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	needListen := len(s.bound) == 0
	s.mu.Unlock()
	if needListen {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.startWatcher()

	g, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	for _, b := range s.bound {
		b := b
		g.Go(func() error {
			if err := b.server.Serve(b.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", b.name, err)
			}
			return nil
		})
	}
	s.mu.Unlock()
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) startWatcher() {
	if s.config.Path == "" {
		return
	}
	if _, err := os.Stat(s.config.Path); err != nil {
		return
	}
	w, err := config.NewWatcher(s.config, s.Reload)
	if err == nil {
		err = w.Start()
	}
	if err != nil {
		s.config.Log(0, "Server: config reload disabled: %v", err)
		return
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
}

// Reload applies a new configuration to the running pools and destinations.
// Added pools and changed chat routes take effect on restart.
func (s *Server) Reload(next *config.Config) {
	for _, name := range config.SortedKeys(next.SessionPools) {
		if p, ok := s.pools[name]; ok {
			p.Reconfigure(next.SessionPools[name])
		} else {
			s.config.Log(0, "Server: new session pool %s needs a restart", name)
		}
	}
	s.dispatcher.Reconfigure(next.HTTPDestinations)
}

// Shutdown closes every client connection with 1001, stops the listeners
// and the dispatcher.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	bound := s.bound
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	for _, b := range bound {
		b.server.SetKeepAlivesEnabled(false)
	}
	// closing the pools releases pending long polls so Shutdown can finish
	for _, p := range s.pools {
		p.Shutdown()
	}
	var errs []error
	for _, b := range bound {
		if err := b.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	s.dispatcher.Close()
	s.config.Log(0, "Server: shut down")
	return errors.Join(errs...)
}
