package server

import (
	"encoding/json"
	"log"
	"time"

	"chatd/protocol"

	"github.com/google/uuid"
)

// stamp assigns the server-side message ID and timestamp to a routed
// envelope, if the handler did not already.
func stamp(env *protocol.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}

// deliverOrQueue routes one envelope to recipient: written to the live
// session if there is one, appended to the offline queue otherwise. A failed
// live write also falls back to the queue; routing never surfaces a fatal
// error to the sender.
func (s *Server) deliverOrQueue(recipient string, env *protocol.Envelope) {
	stamp(env)

	if sess, ok := s.presence.Lookup(recipient); ok {
		if err := s.send(sess, env); err == nil {
			return
		} else {
			log.Printf("Error delivering %s to %s, queueing offline: %v", env.Type, recipient, err)
		}
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		log.Printf("Error encoding %s for %s: %v", env.Type, recipient, err)
		return
	}
	if err := s.db.EnqueueOffline(recipient, payload); err != nil {
		log.Printf("Error queueing %s for %s: %v", env.Type, recipient, err)
	}
}

// broadcastToGroup routes env to every member except exclude. Live members
// get it directly, offline members through their queue.
func (s *Server) broadcastToGroup(group, exclude string, env *protocol.Envelope) {
	members, err := s.db.GroupMembers(group)
	if err != nil {
		log.Printf("Error listing members of %s: %v", group, err)
		return
	}

	stamp(env)
	for _, member := range members {
		if member == exclude {
			continue
		}
		s.deliverOrQueue(member, env)
	}
}

// activate completes a successful REGISTER or LOGIN: the session takes the
// handle, registers in presence (evicting any prior session for the same
// handle), and receives the reply followed by the drained offline batch.
//
// The write mutex is held across registration, drain, and both writes, so a
// message routed concurrently during this window serializes after the batch.
// That gives the ordering guarantee: queued messages arrive as one batch
// before anything routed live to this session.
func (s *Server) activate(sess *Session, handle string, reply *protocol.Envelope) {
	sess.Handle = handle

	sess.mu.Lock()
	evicted := s.presence.Register(handle, sess)

	if err := s.writeLocked(sess, reply); err != nil {
		log.Printf("Error writing %s to %s: %v", reply.Type, handle, err)
	}

	payloads, err := s.db.DrainOffline(handle)
	if err != nil {
		log.Printf("Error draining offline queue for %s: %v", handle, err)
	} else if len(payloads) > 0 {
		messages := make([]json.RawMessage, len(payloads))
		for i, p := range payloads {
			messages[i] = json.RawMessage(p)
		}
		batch := &protocol.Envelope{Type: protocol.KindOfflineBatch, Messages: messages}
		if err := s.writeLocked(sess, batch); err != nil {
			log.Printf("Error writing offline batch to %s: %v", handle, err)
		}
	}
	sess.mu.Unlock()

	if evicted != nil {
		s.send(evicted, &protocol.Envelope{
			Type:   protocol.KindSessionEvicted,
			Reason: "signed in from another connection",
		})
		evicted.Conn.Close()
		log.Printf("Evicted previous session for %s", handle)
	}
}
