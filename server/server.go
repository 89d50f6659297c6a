package server

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"chatd/db"
	"chatd/protocol"
)

type Server struct {
	db       *db.DB
	config   *ServerConfig
	presence *Presence
	media    *MediaTransferManager

	mu        sync.Mutex
	listener  net.Listener
	startedAt time.Time
}

type ServerConfig struct {
	ListenAddr   string
	MaxFrameSize int
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	MediaPortRangeStart int
	MediaPortRangeEnd   int
}

// Session is the live binding between a handle and one connection. It is
// created per accepted conn and owned by that conn's goroutine; Handle stays
// empty until authentication succeeds. mu serializes writes to Conn so
// routed frames from other sessions never interleave.
type Session struct {
	Handle      string
	Conn        net.Conn
	ConnectedAt time.Time
	mu          sync.Mutex
}

func New(database *db.DB, config *ServerConfig) *Server {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if config.MediaPortRangeStart == 0 {
		config.MediaPortRangeStart = 35000
	}
	if config.MediaPortRangeEnd == 0 {
		config.MediaPortRangeEnd = 35999
	}

	media := NewMediaTransferManager(config.MediaPortRangeStart, config.MediaPortRangeEnd)
	media.StartCleanupTask()

	return &Server{
		db:        database,
		config:    config,
		presence:  NewPresence(),
		media:     media,
		startedAt: time.Now(),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Printf("chatd listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.HandleConnection(conn)
	}
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HandleConnection runs one session from accept to close: read a frame,
// dispatch it, repeat. Only transport-level failures (peer gone, malformed
// length header, oversized frame, idle timeout) end the loop; per-message
// errors are replied to the client and the loop continues.
func (s *Server) HandleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	log.Printf("New client connected from %s", remoteAddr)

	sess := &Session{Conn: conn, ConnectedAt: time.Now()}
	defer s.teardown(sess, remoteAddr)

	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		payload, err := protocol.ReadFrame(conn, s.config.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrConnectionClosed):
			case errors.Is(err, protocol.ErrBadHeader), errors.Is(err, protocol.ErrFrameTooLarge):
				// The stream cannot be resynchronized after a bad length
				// prefix, so this is fatal to the session.
				log.Printf("Frame error from %s: %v", remoteAddr, err)
				s.sendError(sess, "", err.Error())
			default:
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					log.Printf("Client %s idle for %s, disconnecting", remoteAddr, s.config.IdleTimeout)
				} else if !errors.Is(err, net.ErrClosed) {
					log.Printf("Error reading from %s: %v", remoteAddr, err)
				}
			}
			return
		}

		env, err := protocol.Decode(payload)
		if err != nil {
			log.Printf("Decode error from %s: %v", remoteAddr, err)
			s.sendError(sess, "", "undecodable payload")
			continue
		}

		if env.Type == protocol.KindLogout {
			log.Printf("Client %s logged out", sessionName(sess, remoteAddr))
			return
		}

		if !s.dispatch(sess, env) {
			log.Printf("Closing session for %s after refused authentication", remoteAddr)
			return
		}
	}
}

func (s *Server) teardown(sess *Session, remoteAddr string) {
	if sess.Handle == "" {
		log.Printf("Client disconnected from %s", remoteAddr)
		return
	}
	if s.presence.Deregister(sess.Handle, sess) {
		log.Printf("Client %s disconnected from %s", sess.Handle, remoteAddr)
	}
}

func sessionName(sess *Session, remoteAddr string) string {
	if sess.Handle != "" {
		return sess.Handle
	}
	return remoteAddr
}

// send serializes env and writes it as one frame under the session's write
// mutex. The caller must not hold any store lock.
func (s *Server) send(sess *Session, env *protocol.Envelope) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return s.writeLocked(sess, env)
}

func (s *Server) writeLocked(sess *Session, env *protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if s.config.WriteTimeout > 0 {
		sess.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return protocol.WriteFrame(sess.Conn, payload)
}

func (s *Server) sendError(sess *Session, op, reason string) {
	env := &protocol.Envelope{Type: protocol.KindError, Op: op, Reason: reason}
	if err := s.send(sess, env); err != nil {
		log.Printf("Error writing to %s: %v", sessionName(sess, sess.Conn.RemoteAddr().String()), err)
	}
}

// Stats is reported over the control socket and the admin API.
type Stats struct {
	Connections int       `json:"connections"`
	Online      []string  `json:"online"`
	StartedAt   time.Time `json:"started_at"`
}

func (s *Server) GetStats() Stats {
	return Stats{
		Connections: s.presence.Count(),
		Online:      s.presence.ListOnline(),
		StartedAt:   s.startedAt,
	}
}

// Shutdown notifies every live session, closes them, and stops the listener.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	for _, sess := range s.presence.Snapshot() {
		s.send(sess, &protocol.Envelope{
			Type:   protocol.KindError,
			Op:     "shutdown",
			Reason: reason,
		})
		sess.Conn.Close()
		s.presence.Deregister(sess.Handle, sess)
	}
}
