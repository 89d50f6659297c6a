package server

import (
	"errors"
	"log"

	"chatd/db"
	"chatd/protocol"
)

// dispatch routes one decoded envelope and reports whether the session may
// continue. REGISTER, LOGIN and PING are the only kinds accepted before
// authentication; everything else on an unauthenticated session is a
// per-frame error, not a disconnect. A definitive auth refusal, on the other
// hand, ends the session: there is no retry loop, the client reconnects.
func (s *Server) dispatch(sess *Session, env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.KindPing:
		s.send(sess, &protocol.Envelope{Type: protocol.KindPong})
		return true
	case protocol.KindRegister:
		return s.handleRegister(sess, env)
	case protocol.KindLogin:
		return s.handleLogin(sess, env)
	}

	if sess.Handle == "" {
		s.sendError(sess, string(env.Type), "not authenticated")
		return true
	}

	switch env.Type {
	case protocol.KindListOnline:
		s.send(sess, &protocol.Envelope{Type: protocol.KindOnlineList, Handles: s.presence.ListOnline()})
	case protocol.KindFriendRequest:
		s.handleFriendRequest(sess, env)
	case protocol.KindFriendResponse:
		s.handleFriendResponse(sess, env)
	case protocol.KindUnfriend:
		s.handleUnfriend(sess, env)
	case protocol.KindGetFriends:
		s.handleGetFriends(sess)
	case protocol.KindEditProfile:
		s.handleEditProfile(sess, env)
	case protocol.KindDirectMessage:
		s.handleDirectMessage(sess, env)
	case protocol.KindMedia:
		s.handleMedia(sess, env)
	case protocol.KindCreateGroup:
		s.handleCreateGroup(sess, env)
	case protocol.KindGroupInvite:
		s.handleGroupInvite(sess, env)
	case protocol.KindGroupInviteResponse:
		s.handleGroupInviteResponse(sess, env)
	case protocol.KindJoinGroup:
		s.handleJoinGroup(sess, env)
	case protocol.KindLeaveGroup:
		s.handleLeaveGroup(sess, env)
	case protocol.KindGroupMessage:
		s.handleGroupMessage(sess, env)
	case protocol.KindGroupMedia:
		s.handleGroupMedia(sess, env)
	case protocol.KindMediaOffer:
		s.handleMediaOffer(sess, env)
	case protocol.KindMediaAccept:
		s.handleMediaAccept(sess, env)
	case protocol.KindMediaDecline:
		s.handleMediaDecline(sess, env)
	case protocol.KindMediaCancel:
		s.handleMediaCancel(sess, env)
	default:
		s.sendError(sess, string(env.Type), "unknown message type")
	}
	return true
}

// handleRegister reports whether the session survives: a refusal from the
// identity store closes the connection, a missing field does not.
func (s *Server) handleRegister(sess *Session, env *protocol.Envelope) bool {
	if sess.Handle != "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindRegisterErr, Reason: "already authenticated"})
		return true
	}
	if env.Handle == "" || env.Credential == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindRegisterErr, Reason: "handle and credential required"})
		return true
	}

	err := s.db.CreateUser(env.Handle, env.Credential, env.Profile)
	if errors.Is(err, db.ErrUserExists) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindRegisterErr, Reason: "handle already exists"})
		return false
	}
	if err != nil {
		log.Printf("Register error for %s: %v", env.Handle, err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindRegisterErr, Reason: "internal error"})
		return false
	}

	groups, err := s.db.GroupsFor(env.Handle)
	if err != nil {
		log.Printf("Register error listing groups for %s: %v", env.Handle, err)
	}

	log.Printf("User %s registered", env.Handle)
	s.activate(sess, env.Handle, &protocol.Envelope{Type: protocol.KindRegisterOK, Groups: groups})
	return true
}

func (s *Server) handleLogin(sess *Session, env *protocol.Envelope) bool {
	if sess.Handle != "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindLoginErr, Reason: "already authenticated"})
		return true
	}
	if env.Handle == "" || env.Credential == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindLoginErr, Reason: "handle and credential required"})
		return true
	}

	profile, err := s.db.Authenticate(env.Handle, env.Credential)
	if errors.Is(err, db.ErrNoRows) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindLoginErr, Reason: "user not found"})
		return false
	}
	if errors.Is(err, db.ErrWrongCredential) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindLoginErr, Reason: "wrong credential"})
		return false
	}
	if err != nil {
		log.Printf("Login error for %s: %v", env.Handle, err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindLoginErr, Reason: "internal error"})
		return false
	}

	groups, err := s.db.GroupsFor(env.Handle)
	if err != nil {
		log.Printf("Login error listing groups for %s: %v", env.Handle, err)
	}

	log.Printf("User %s logged in", env.Handle)
	s.activate(sess, env.Handle, &protocol.Envelope{
		Type:    protocol.KindLoginOK,
		Profile: profile,
		Groups:  groups,
	})
	return true
}

func (s *Server) handleFriendRequest(sess *Session, env *protocol.Envelope) {
	op := string(protocol.KindFriendRequest)
	if env.To == "" {
		s.sendError(sess, op, "recipient required")
		return
	}
	if env.To == sess.Handle {
		s.sendError(sess, op, "cannot friend yourself")
		return
	}

	exists, err := s.db.UserExists(env.To)
	if err != nil {
		log.Printf("Friend request error: %v", err)
		s.sendError(sess, op, "internal error")
		return
	}
	if !exists {
		s.sendError(sess, op, "user not found")
		return
	}

	friends, err := s.db.AreFriends(sess.Handle, env.To)
	if err != nil {
		log.Printf("Friend request error: %v", err)
		s.sendError(sess, op, "internal error")
		return
	}
	if friends {
		s.sendError(sess, op, "already friends")
		return
	}

	created, err := s.db.CreateFriendRequest(sess.Handle, env.To)
	if err != nil {
		log.Printf("Friend request error: %v", err)
		s.sendError(sess, op, "internal error")
		return
	}
	// A duplicate pending request is idempotent: the first notification is
	// already queued or delivered, so nothing more to route.
	if !created {
		return
	}

	profile, err := s.db.GetProfile(sess.Handle)
	if err != nil {
		profile = nil
	}
	s.deliverOrQueue(env.To, &protocol.Envelope{
		Type:    protocol.KindFriendRequest,
		From:    sess.Handle,
		Profile: profile,
	})
	log.Printf("Friend request %s -> %s routed", sess.Handle, env.To)
}

func (s *Server) handleFriendResponse(sess *Session, env *protocol.Envelope) {
	op := string(protocol.KindFriendResponse)
	requester := env.To
	if requester == "" {
		s.sendError(sess, op, "requester required")
		return
	}

	if env.Accept {
		err := s.db.AcceptFriendRequest(requester, sess.Handle)
		if errors.Is(err, db.ErrNoRows) {
			s.sendError(sess, op, "no pending request")
			return
		}
		if err != nil {
			log.Printf("Friend response error: %v", err)
			s.sendError(sess, op, "internal error")
			return
		}

		s.send(sess, &protocol.Envelope{Type: protocol.KindFriendAdded, Target: requester})
		s.deliverOrQueue(requester, &protocol.Envelope{
			Type: protocol.KindFriendAccepted,
			From: sess.Handle,
		})
		log.Printf("Friendship established: %s <-> %s", sess.Handle, requester)
		return
	}

	err := s.db.DeclineFriendRequest(requester, sess.Handle)
	if errors.Is(err, db.ErrNoRows) {
		s.sendError(sess, op, "no pending request")
		return
	}
	if err != nil {
		log.Printf("Friend response error: %v", err)
		s.sendError(sess, op, "internal error")
		return
	}

	s.deliverOrQueue(requester, &protocol.Envelope{
		Type: protocol.KindFriendDeclined,
		From: sess.Handle,
	})
}

func (s *Server) handleUnfriend(sess *Session, env *protocol.Envelope) {
	op := string(protocol.KindUnfriend)
	if env.Target == "" {
		s.sendError(sess, op, "target required")
		return
	}

	err := s.db.RemoveFriendship(sess.Handle, env.Target)
	if errors.Is(err, db.ErrNoRows) {
		s.sendError(sess, op, "not friends")
		return
	}
	if err != nil {
		log.Printf("Unfriend error: %v", err)
		s.sendError(sess, op, "internal error")
		return
	}

	s.send(sess, &protocol.Envelope{Type: protocol.KindUnfriendOK, Target: env.Target})
	s.deliverOrQueue(env.Target, &protocol.Envelope{
		Type: protocol.KindUnfriended,
		From: sess.Handle,
	})
}

func (s *Server) handleGetFriends(sess *Session) {
	friends, err := s.db.GetFriends(sess.Handle)
	if err != nil {
		log.Printf("Friend list error: %v", err)
		s.sendError(sess, string(protocol.KindGetFriends), "internal error")
		return
	}
	s.send(sess, &protocol.Envelope{Type: protocol.KindFriendList, Friends: friends})
}

func (s *Server) handleEditProfile(sess *Session, env *protocol.Envelope) {
	if len(env.Profile) == 0 {
		s.send(sess, &protocol.Envelope{Type: protocol.KindEditProfileErr, Reason: "no fields"})
		return
	}

	err := s.db.UpdateProfile(sess.Handle, env.Profile)
	if errors.Is(err, db.ErrNoRows) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindEditProfileErr, Reason: "user not found"})
		return
	}
	if err != nil {
		log.Printf("Profile edit error: %v", err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindEditProfileErr, Reason: "internal error"})
		return
	}
	s.send(sess, &protocol.Envelope{Type: protocol.KindEditProfileOK})
}

// requireFriends enforces the authorization gate on direct payload routing.
func (s *Server) requireFriends(sess *Session, to string) bool {
	friends, err := s.db.AreFriends(sess.Handle, to)
	if err != nil {
		log.Printf("Friendship check error: %v", err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "internal error"})
		return false
	}
	if !friends {
		s.send(sess, &protocol.Envelope{
			Type:   protocol.KindDeliveryError,
			Reason: "you are not friends with " + to,
		})
		return false
	}
	return true
}

func (s *Server) handleDirectMessage(sess *Session, env *protocol.Envelope) {
	if env.To == "" || env.Payload == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "recipient and payload required"})
		return
	}
	if !s.requireFriends(sess, env.To) {
		return
	}

	s.deliverOrQueue(env.To, &protocol.Envelope{
		Type:      protocol.KindDirectMessage,
		From:      sess.Handle,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
}

func (s *Server) handleMedia(sess *Session, env *protocol.Envelope) {
	if env.To == "" || env.Filename == "" || env.BytesBase64 == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "recipient, filename and data required"})
		return
	}
	if !s.requireFriends(sess, env.To) {
		return
	}

	s.deliverOrQueue(env.To, &protocol.Envelope{
		Type:        protocol.KindMedia,
		From:        sess.Handle,
		Filename:    env.Filename,
		BytesBase64: env.BytesBase64,
		Timestamp:   env.Timestamp,
	})
}

// requireMember enforces group membership before broadcast routing.
func (s *Server) requireMember(sess *Session, group string) bool {
	exists, err := s.db.GroupExists(group)
	if err != nil {
		log.Printf("Group check error: %v", err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "internal error"})
		return false
	}
	if !exists {
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "group " + group + " does not exist"})
		return false
	}

	member, err := s.db.IsGroupMember(group, sess.Handle)
	if err != nil {
		log.Printf("Membership check error: %v", err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "internal error"})
		return false
	}
	if !member {
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "you are not a member of " + group})
		return false
	}
	return true
}

func (s *Server) handleGroupMessage(sess *Session, env *protocol.Envelope) {
	if env.Group == "" || env.Payload == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "group and payload required"})
		return
	}
	if !s.requireMember(sess, env.Group) {
		return
	}

	s.broadcastToGroup(env.Group, sess.Handle, &protocol.Envelope{
		Type:      protocol.KindGroupMessage,
		From:      sess.Handle,
		Group:     env.Group,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
}

func (s *Server) handleGroupMedia(sess *Session, env *protocol.Envelope) {
	if env.Group == "" || env.Filename == "" || env.BytesBase64 == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindDeliveryError, Reason: "group, filename and data required"})
		return
	}
	if !s.requireMember(sess, env.Group) {
		return
	}

	s.broadcastToGroup(env.Group, sess.Handle, &protocol.Envelope{
		Type:        protocol.KindGroupMedia,
		From:        sess.Handle,
		Group:       env.Group,
		Filename:    env.Filename,
		BytesBase64: env.BytesBase64,
		Timestamp:   env.Timestamp,
	})
}

func (s *Server) handleCreateGroup(sess *Session, env *protocol.Envelope) {
	if env.Group == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindCreateGroupErr, Reason: "group name required"})
		return
	}

	err := s.db.CreateGroup(env.Group, sess.Handle, env.Description)
	if errors.Is(err, db.ErrGroupExists) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindCreateGroupErr, Reason: "group already exists"})
		return
	}
	if err != nil {
		log.Printf("Create group error: %v", err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindCreateGroupErr, Reason: "internal error"})
		return
	}

	log.Printf("Group %s created by %s", env.Group, sess.Handle)
	s.send(sess, &protocol.Envelope{Type: protocol.KindCreateGroupOK, Group: env.Group})
}

func (s *Server) handleGroupInvite(sess *Session, env *protocol.Envelope) {
	fail := func(reason string) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindGroupInviteErr, Group: env.Group, Reason: reason})
	}
	if env.Group == "" || env.To == "" {
		fail("group and recipient required")
		return
	}

	exists, err := s.db.GroupExists(env.Group)
	if err != nil {
		log.Printf("Group invite error: %v", err)
		fail("internal error")
		return
	}
	if !exists {
		fail("group does not exist")
		return
	}

	member, err := s.db.IsGroupMember(env.Group, sess.Handle)
	if err != nil {
		log.Printf("Group invite error: %v", err)
		fail("internal error")
		return
	}
	if !member {
		fail("you are not a member of this group")
		return
	}

	userExists, err := s.db.UserExists(env.To)
	if err != nil {
		log.Printf("Group invite error: %v", err)
		fail("internal error")
		return
	}
	if !userExists {
		fail("user not found")
		return
	}

	already, err := s.db.IsGroupMember(env.Group, env.To)
	if err != nil {
		log.Printf("Group invite error: %v", err)
		fail("internal error")
		return
	}
	if already {
		fail("user is already a member")
		return
	}

	created, err := s.db.CreateGroupInvite(env.Group, sess.Handle, env.To)
	if err != nil {
		log.Printf("Group invite error: %v", err)
		fail("internal error")
		return
	}
	if !created {
		// Invite already pending; idempotent like friend requests.
		return
	}

	profile, err := s.db.GetProfile(sess.Handle)
	if err != nil {
		profile = nil
	}
	s.deliverOrQueue(env.To, &protocol.Envelope{
		Type:    protocol.KindGroupInvite,
		From:    sess.Handle,
		Group:   env.Group,
		Profile: profile,
	})
	log.Printf("Group invite %s -> %s for %s routed", sess.Handle, env.To, env.Group)
}

func (s *Server) handleGroupInviteResponse(sess *Session, env *protocol.Envelope) {
	fail := func(reason string) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindGroupInviteErr, Group: env.Group, Reason: reason})
	}
	if env.Group == "" {
		fail("group required")
		return
	}

	existed, err := s.db.DeleteGroupInvite(env.Group, sess.Handle)
	if err != nil {
		log.Printf("Group invite response error: %v", err)
		fail("internal error")
		return
	}
	if !existed {
		fail("no pending invite")
		return
	}

	inviter := env.From
	if !env.Accept {
		if inviter != "" {
			s.deliverOrQueue(inviter, &protocol.Envelope{
				Type:  protocol.KindGroupInviteDeclined,
				From:  sess.Handle,
				Group: env.Group,
			})
		}
		return
	}

	err = s.db.AddGroupMember(env.Group, sess.Handle)
	if errors.Is(err, db.ErrNoRows) {
		fail("group no longer exists")
		return
	}
	if errors.Is(err, db.ErrAlreadyMember) {
		fail("you are already a member")
		return
	}
	if err != nil {
		log.Printf("Group invite response error: %v", err)
		fail("internal error")
		return
	}

	s.send(sess, &protocol.Envelope{Type: protocol.KindGroupJoined, Group: env.Group})
	if inviter != "" {
		s.deliverOrQueue(inviter, &protocol.Envelope{
			Type:  protocol.KindGroupInviteAccepted,
			From:  sess.Handle,
			Group: env.Group,
		})
	}
	log.Printf("%s joined group %s via invite", sess.Handle, env.Group)
}

func (s *Server) handleJoinGroup(sess *Session, env *protocol.Envelope) {
	if env.Group == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindJoinGroupErr, Reason: "group required"})
		return
	}

	// Groups are open: knowing the name is enough to join.
	err := s.db.AddGroupMember(env.Group, sess.Handle)
	if errors.Is(err, db.ErrNoRows) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindJoinGroupErr, Group: env.Group, Reason: "group does not exist"})
		return
	}
	if errors.Is(err, db.ErrAlreadyMember) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindJoinGroupErr, Group: env.Group, Reason: "you are already a member"})
		return
	}
	if err != nil {
		log.Printf("Join group error: %v", err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindJoinGroupErr, Group: env.Group, Reason: "internal error"})
		return
	}

	log.Printf("%s joined group %s", sess.Handle, env.Group)
	s.send(sess, &protocol.Envelope{Type: protocol.KindGroupJoined, Group: env.Group})
}

func (s *Server) handleLeaveGroup(sess *Session, env *protocol.Envelope) {
	if env.Group == "" {
		s.send(sess, &protocol.Envelope{Type: protocol.KindLeaveGroupErr, Reason: "group required"})
		return
	}

	destroyed, newAdmin, err := s.db.LeaveGroup(env.Group, sess.Handle)
	if errors.Is(err, db.ErrNoRows) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindLeaveGroupErr, Group: env.Group, Reason: "group does not exist"})
		return
	}
	if errors.Is(err, db.ErrNotMember) {
		s.send(sess, &protocol.Envelope{Type: protocol.KindLeaveGroupErr, Group: env.Group, Reason: "you are not a member"})
		return
	}
	if err != nil {
		log.Printf("Leave group error: %v", err)
		s.send(sess, &protocol.Envelope{Type: protocol.KindLeaveGroupErr, Group: env.Group, Reason: "internal error"})
		return
	}

	switch {
	case destroyed:
		log.Printf("Group %s destroyed (no members left)", env.Group)
	case newAdmin != "":
		log.Printf("Admin of %s transferred to %s", env.Group, newAdmin)
	}
	s.send(sess, &protocol.Envelope{Type: protocol.KindLeaveGroupOK, Group: env.Group})
}
