package server

import (
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"chatd/protocol"

	"github.com/google/uuid"
)

// Inline MEDIA frames are bounded by the max frame size. Files above that
// go out of band: the sender offers a transfer, the recipient accepts, and
// the server bridges two short-lived TCP ports (upload side to download
// side) without buffering the file itself.

var (
	ErrTransferNotFound   = errors.New("transfer not found")
	ErrTransferNotPending = errors.New("transfer not in pending state")
	ErrNotYourTransfer    = errors.New("transfer belongs to another user")
	ErrNoAvailablePorts   = errors.New("no available ports")
)

type TransferSession struct {
	ID        string
	Sender    string
	Recipient string
	Filename  string
	Size      int64

	UploadPort   int
	DownloadPort int
	uploadConn   net.Conn
	downloadConn net.Conn

	Status    string // "pending", "transferring", "completed", "declined", "cancelled", "error"
	CreatedAt time.Time
	ExpiresAt time.Time
	mu        sync.Mutex
}

type MediaTransferManager struct {
	sessions map[string]*TransferSession
	mu       sync.RWMutex

	portRangeStart int
	portRangeEnd   int
	usedPorts      map[int]bool
	portMu         sync.Mutex
}

func NewMediaTransferManager(portStart, portEnd int) *MediaTransferManager {
	return &MediaTransferManager{
		sessions:       make(map[string]*TransferSession),
		usedPorts:      make(map[int]bool),
		portRangeStart: portStart,
		portRangeEnd:   portEnd,
	}
}

// CreateSession registers a pending transfer. The recipient has five
// minutes to respond before the reaper discards it.
func (m *MediaTransferManager) CreateSession(sender, recipient, filename string, size int64) *TransferSession {
	session := &TransferSession{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Filename:  filename,
		Size:      size,
		Status:    "pending",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	log.Printf("Created media transfer %s: %s -> %s, %s (%d bytes)",
		session.ID, sender, recipient, filename, size)
	return session
}

func (m *MediaTransferManager) get(id string) (*TransferSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Accept allocates the port pair and starts the proxy. Only the offer's
// recipient may accept.
func (m *MediaTransferManager) Accept(id, recipient string) (*TransferSession, error) {
	session, ok := m.get(id)
	if !ok {
		return nil, ErrTransferNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Recipient != recipient {
		return nil, ErrNotYourTransfer
	}
	if session.Status != "pending" {
		return nil, ErrTransferNotPending
	}

	uploadPort, err := m.allocatePort()
	if err != nil {
		return nil, err
	}
	downloadPort, err := m.allocatePort()
	if err != nil {
		m.releasePort(uploadPort)
		return nil, err
	}

	session.UploadPort = uploadPort
	session.DownloadPort = downloadPort
	session.Status = "transferring"
	session.ExpiresAt = time.Now().Add(10 * time.Minute)

	go m.runProxy(session)

	log.Printf("Accepted media transfer %s: upload=%d download=%d", id, uploadPort, downloadPort)
	return session, nil
}

// Decline is only valid from the recipient of a pending offer.
func (m *MediaTransferManager) Decline(id, recipient string) (*TransferSession, error) {
	session, ok := m.get(id)
	if !ok {
		return nil, ErrTransferNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Recipient != recipient {
		return nil, ErrNotYourTransfer
	}
	if session.Status != "pending" {
		return nil, ErrTransferNotPending
	}
	session.Status = "declined"

	log.Printf("Declined media transfer %s", id)
	return session, nil
}

// Cancel tears a transfer down from the sender side, in any state.
func (m *MediaTransferManager) Cancel(id, sender string) (*TransferSession, error) {
	session, ok := m.get(id)
	if !ok {
		return nil, ErrTransferNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Sender != sender {
		return nil, ErrNotYourTransfer
	}
	session.Status = "cancelled"
	if session.uploadConn != nil {
		session.uploadConn.Close()
	}
	if session.downloadConn != nil {
		session.downloadConn.Close()
	}

	log.Printf("Cancelled media transfer %s", id)
	return session, nil
}

// CleanExpired drops sessions past their deadline and frees their ports.
func (m *MediaTransferManager) CleanExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, session := range m.sessions {
		session.mu.Lock()
		done := session.Status == "completed" || session.Status == "declined" ||
			session.Status == "cancelled" || session.Status == "error"
		if done || now.After(session.ExpiresAt) {
			if !done {
				log.Printf("Reaping expired media transfer %s", id)
				session.Status = "cancelled"
				if session.uploadConn != nil {
					session.uploadConn.Close()
				}
				if session.downloadConn != nil {
					session.downloadConn.Close()
				}
			}
			if session.UploadPort > 0 {
				m.releasePort(session.UploadPort)
			}
			if session.DownloadPort > 0 {
				m.releasePort(session.DownloadPort)
			}
			delete(m.sessions, id)
		}
		session.mu.Unlock()
	}
}

func (m *MediaTransferManager) StartCleanupTask() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for range ticker.C {
			m.CleanExpired()
		}
	}()
}

func (m *MediaTransferManager) allocatePort() (int, error) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	for port := m.portRangeStart; port <= m.portRangeEnd; port++ {
		if !m.usedPorts[port] {
			m.usedPorts[port] = true
			return port, nil
		}
	}
	return 0, ErrNoAvailablePorts
}

func (m *MediaTransferManager) releasePort(port int) {
	m.portMu.Lock()
	defer m.portMu.Unlock()
	delete(m.usedPorts, port)
}

// runProxy waits for the uploader and the downloader on their ports, then
// pipes one into the other. One shot, then both ports are released.
func (m *MediaTransferManager) runProxy(session *TransferSession) {
	defer func() {
		m.releasePort(session.UploadPort)
		m.releasePort(session.DownloadPort)
	}()

	uploadListener, err := net.Listen("tcp", ":"+strconv.Itoa(session.UploadPort))
	if err != nil {
		log.Printf("Media transfer %s: upload listen failed: %v", session.ID, err)
		m.markError(session)
		return
	}
	defer uploadListener.Close()

	downloadListener, err := net.Listen("tcp", ":"+strconv.Itoa(session.DownloadPort))
	if err != nil {
		log.Printf("Media transfer %s: download listen failed: %v", session.ID, err)
		m.markError(session)
		return
	}
	defer downloadListener.Close()

	deadline := session.ExpiresAt
	uploadListener.(*net.TCPListener).SetDeadline(deadline)
	downloadListener.(*net.TCPListener).SetDeadline(deadline)

	type accepted struct {
		conn net.Conn
		err  error
	}
	uploadCh := make(chan accepted, 1)
	downloadCh := make(chan accepted, 1)

	go func() {
		conn, err := uploadListener.Accept()
		uploadCh <- accepted{conn, err}
	}()
	go func() {
		conn, err := downloadListener.Accept()
		downloadCh <- accepted{conn, err}
	}()

	up := <-uploadCh
	down := <-downloadCh
	if up.err != nil || down.err != nil {
		log.Printf("Media transfer %s: accept failed (up=%v down=%v)", session.ID, up.err, down.err)
		if up.conn != nil {
			up.conn.Close()
		}
		if down.conn != nil {
			down.conn.Close()
		}
		m.markError(session)
		return
	}

	session.mu.Lock()
	if session.Status != "transferring" {
		session.mu.Unlock()
		up.conn.Close()
		down.conn.Close()
		return
	}
	session.uploadConn = up.conn
	session.downloadConn = down.conn
	session.mu.Unlock()

	n, err := io.Copy(down.conn, up.conn)
	up.conn.Close()
	down.conn.Close()

	session.mu.Lock()
	if err != nil {
		log.Printf("Media transfer %s failed after %d bytes: %v", session.ID, n, err)
		session.Status = "error"
	} else {
		log.Printf("Media transfer %s completed: %d bytes", session.ID, n)
		session.Status = "completed"
	}
	session.mu.Unlock()
}

func (m *MediaTransferManager) markError(session *TransferSession) {
	session.mu.Lock()
	session.Status = "error"
	session.mu.Unlock()
}

// Offer/accept/decline/cancel wiring into the session dispatch.

func (s *Server) handleMediaOffer(sess *Session, env *protocol.Envelope) {
	fail := func(reason string) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindMediaErr, Transfer: env.Transfer, Reason: reason})
	}
	if env.To == "" || env.Filename == "" || env.Size <= 0 {
		fail("recipient, filename and size required")
		return
	}

	friends, err := s.db.AreFriends(sess.Handle, env.To)
	if err != nil {
		log.Printf("Media offer error: %v", err)
		fail("internal error")
		return
	}
	if !friends {
		fail("you are not friends with " + env.To)
		return
	}

	// Offers live minutes, not days; an offline recipient gets an error, not
	// a queued offer that would be long expired at next login.
	recipient, ok := s.presence.Lookup(env.To)
	if !ok {
		fail(env.To + " is offline")
		return
	}

	session := s.media.CreateSession(sess.Handle, env.To, env.Filename, env.Size)
	err = s.send(recipient, &protocol.Envelope{
		Type:     protocol.KindMediaOffer,
		Transfer: session.ID,
		From:     sess.Handle,
		Filename: env.Filename,
		Size:     env.Size,
	})
	if err != nil {
		s.media.Cancel(session.ID, sess.Handle)
		fail("could not reach " + env.To)
	}
}

func (s *Server) handleMediaAccept(sess *Session, env *protocol.Envelope) {
	fail := func(reason string) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindMediaErr, Transfer: env.Transfer, Reason: reason})
	}
	if env.Transfer == "" {
		fail("transfer id required")
		return
	}

	session, err := s.media.Accept(env.Transfer, sess.Handle)
	if err != nil {
		fail(err.Error())
		return
	}

	ready := &protocol.Envelope{
		Type:         protocol.KindMediaReady,
		Transfer:     session.ID,
		From:         session.Sender,
		To:           session.Recipient,
		Filename:     session.Filename,
		Size:         session.Size,
		UploadPort:   session.UploadPort,
		DownloadPort: session.DownloadPort,
	}
	s.send(sess, ready)

	if sender, ok := s.presence.Lookup(session.Sender); ok {
		s.send(sender, ready)
	} else {
		s.media.Cancel(session.ID, session.Sender)
		fail("sender went offline")
	}
}

func (s *Server) handleMediaDecline(sess *Session, env *protocol.Envelope) {
	if env.Transfer == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindMediaErr, Reason: "transfer id required"})
		return
	}

	session, err := s.media.Decline(env.Transfer, sess.Handle)
	if err != nil {
		s.send(sess, &protocol.Envelope{Type: protocol.KindMediaErr, Transfer: env.Transfer, Reason: err.Error()})
		return
	}

	if sender, ok := s.presence.Lookup(session.Sender); ok {
		s.send(sender, &protocol.Envelope{
			Type:     protocol.KindMediaDeclined,
			Transfer: session.ID,
			From:     sess.Handle,
		})
	}
}

func (s *Server) handleMediaCancel(sess *Session, env *protocol.Envelope) {
	if env.Transfer == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindMediaErr, Reason: "transfer id required"})
		return
	}

	session, err := s.media.Cancel(env.Transfer, sess.Handle)
	if err != nil {
		s.send(sess, &protocol.Envelope{Type: protocol.KindMediaErr, Transfer: env.Transfer, Reason: err.Error()})
		return
	}

	if recipient, ok := s.presence.Lookup(session.Recipient); ok {
		s.send(recipient, &protocol.Envelope{
			Type:     protocol.KindMediaDeclined,
			Transfer: session.ID,
			From:     sess.Handle,
			Reason:   "cancelled by sender",
		})
	}
}
