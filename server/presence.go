package server

import "sync"

// Presence is the authoritative handle -> live session table. Every mutation
// happens under one mutex; lookups never hold the lock across conn I/O.
type Presence struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewPresence() *Presence {
	return &Presence{sessions: make(map[string]*Session)}
}

// Register binds handle to sess. If another session already holds the
// handle it is returned so the caller can evict it; the registry itself
// only ever tracks the newest session.
func (p *Presence) Register(handle string, sess *Session) (evicted *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.sessions[handle]; ok && prev != sess {
		evicted = prev
	}
	p.sessions[handle] = sess
	return evicted
}

// Deregister removes the entry only if sess still owns it. An evicted
// session racing its own disconnect must not knock out its evictor.
func (p *Presence) Deregister(handle string, sess *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.sessions[handle]; ok && cur == sess {
		delete(p.sessions, handle)
		return true
	}
	return false
}

func (p *Presence) Lookup(handle string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sess, ok := p.sessions[handle]
	return sess, ok
}

func (p *Presence) ListOnline() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	handles := make([]string, 0, len(p.sessions))
	for handle := range p.sessions {
		handles = append(handles, handle)
	}
	return handles
}

// Snapshot returns the live sessions at this instant.
func (p *Presence) Snapshot() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}
