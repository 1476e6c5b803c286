// Package server implements the connection engine: accept loop, framed
// envelope reads, the per-connection authentication state machine, and
// message routing between live sessions.
package server

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"jim/protocol"
	"jim/storage"
)

type Server struct {
	store    storage.Store
	config   *Config
	sessions *Table
	log      *log.Logger

	listener net.Listener
}

type Config struct {
	Addr         string
	Port         int
	MaxClients   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrame     int
}

func New(store storage.Store, config *Config, logger *log.Logger) *Server {
	if config.MaxClients <= 0 {
		config.MaxClients = 100
	}
	if config.MaxFrame <= 0 {
		config.MaxFrame = protocol.DefaultMaxFrame
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		store:    store,
		config:   config,
		sessions: NewTable(),
		log:      logger,
	}
}

// Start listens on the configured address and serves until shut down.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.config.Addr, strconv.Itoa(s.config.Port)))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections from listener until it is closed.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	defer listener.Close()

	s.log.Printf("jim server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Printf("accept error: %v", err)
			continue
		}

		if s.sessions.Len() >= s.config.MaxClients {
			s.log.Printf("connection limit reached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection owns one socket: it reads frames in arrival order,
// dispatches each envelope, and tears the session down on any read error,
// framing violation, or decode failure.
func (s *Server) handleConnection(conn net.Conn) {
	session := newSession(conn, s.config.WriteTimeout)
	s.sessions.Add(session)

	remoteAddr := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}
	s.log.Printf("client connected from %s (session %s)", remoteAddr, session.ID)

	defer func() {
		s.destroySession(session)
		if session.Login != "" {
			s.log.Printf("client %s disconnected from %s", session.Login, remoteAddr)
		} else {
			s.log.Printf("client disconnected from %s", remoteAddr)
		}
	}()

	fr := protocol.NewFrameReader(bufio.NewReader(conn), s.config.MaxFrame)

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		payload, err := fr.ReadFrame()
		if err != nil {
			// An expired read deadline on an idle connection is not a
			// disconnect; the partial-frame state survives in the reader.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if err != io.EOF && !isClosedErr(err) {
				s.log.Printf("read error from %s: %v", remoteAddr, err)
			}
			return
		}

		envelope, err := protocol.Decode(payload)
		if err != nil {
			s.log.Printf("decode error from %s: %v", remoteAddr, err)
			return
		}

		s.handleEnvelope(session, envelope, payload)
	}
}

// destroySession closes the socket and removes the session from every
// index. Safe to call more than once.
func (s *Server) destroySession(session *Session) {
	s.sessions.Remove(session)
	session.Conn.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

// Shutdown closes every live session and stops the accept loop.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	for _, session := range s.sessions.All() {
		s.destroySession(session)
	}
}

// Stats returns server statistics as a formatted string.
func (s *Server) Stats() string {
	logins := s.sessions.Logins()
	return "connections=" + strconv.Itoa(s.sessions.Len()) +
		",users=" + strings.Join(logins, ";")
}
