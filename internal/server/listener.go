package server

import (
	"errors"
	"net"
	"time"

	"github.com/zot/chatproxy/internal/config"
)

// pauseListener keeps accepting after transient accept errors (such as
// running out of file descriptors) by pausing for listen_error_timeout
// instead of failing the server.
type pauseListener struct {
	net.Listener
	config *config.Config
	pause  func() time.Duration
}

func newPauseListener(l net.Listener, cfg *config.Config, pause func() time.Duration) *pauseListener {
	return &pauseListener{Listener: l, config: cfg, pause: pause}
}

func (l *pauseListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		d := l.pause()
		l.config.Log(0, "Listener %s: accept failed, pausing %v: %v", l.Addr(), d, err)
		time.Sleep(d)
	}
}
