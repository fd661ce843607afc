package setup

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

// Server accepts configuration channels from joining peers, over TCP and
// through its WebSocket handler.
type Server struct {
	Logger *logging.Logger

	upgrader websocket.Upgrader
	accepted chan Channel
	done     chan struct{}
	once     sync.Once

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a Server that only accepts through Offer and the
// WebSocket handler until Listen is called.
func NewServer() *Server {
	return &Server{
		Logger: logging.MustGetLogger("setup_server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		accepted: make(chan Channel, 16),
		done:     make(chan struct{}),
	}
}

// Listen starts accepting TCP connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.Logger.Infof("Accepting configuration channels on %s", ln.Addr())
	go s.serve(ln)
	return nil
}

// Addr returns the TCP listening address, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.Logger.WithError(err).Warn("Accept failed")
			}
			return
		}
		s.Offer(NewStreamChannel(conn, conn.RemoteAddr().String()))
	}
}

// ServeHTTP upgrades the request to a WebSocket configuration channel.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.WithError(err).Warn("Upgrade failed")
		return
	}
	s.Offer(NewWSChannel(conn))
}

// Offer hands an already established channel to the accept queue.
func (s *Server) Offer(ch Channel) {
	select {
	case <-s.done:
		ch.Close() // nolint:errcheck
	case s.accepted <- ch:
		s.Logger.Debugf("Accepted channel from %s", ch.RemoteAddr())
	}
}

// Accepted returns the queue of new channels.
func (s *Server) Accepted() <-chan Channel { return s.accepted }

// Close stops accepting.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.mu.Unlock()
	})
	return err
}
