package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Wire format: an 8-digit, zero-padded ASCII decimal length immediately
// followed by that many payload bytes. No delimiter after the payload.
const HeaderLen = 8

// DefaultMaxFrameSize bounds how much a single frame may ask us to buffer.
const DefaultMaxFrameSize = 1_000_000

var (
	ErrConnectionClosed = errors.New("connection closed by peer")
	ErrBadHeader        = errors.New("malformed frame header")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
)

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	header := fmt.Sprintf("%08d", len(payload))
	if len(header) != HeaderLen {
		return ErrFrameTooLarge
	}
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame from r, rejecting headers that are not pure
// ASCII digits or that announce more than maxSize payload bytes. The payload
// is not read in the oversize case.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}

	length := 0
	for _, b := range header {
		if b < '0' || b > '9' {
			return nil, ErrBadHeader
		}
		length = length*10 + int(b-'0')
	}

	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if length > maxSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return payload, nil
}

// Kind discriminates envelope payloads. The dispatch switch in the server is
// exhaustive over this set; anything else is a per-frame protocol error.
type Kind string

// Client to server.
const (
	KindRegister            Kind = "REGISTER"
	KindLogin               Kind = "LOGIN"
	KindLogout              Kind = "LOGOUT"
	KindPing                Kind = "PING"
	KindListOnline          Kind = "LIST_ONLINE"
	KindFriendRequest       Kind = "FRIEND_REQUEST"
	KindFriendResponse      Kind = "FRIEND_RESPONSE"
	KindUnfriend            Kind = "UNFRIEND"
	KindGetFriends          Kind = "GET_FRIENDS"
	KindEditProfile         Kind = "EDIT_PROFILE"
	KindDirectMessage       Kind = "DIRECT_MESSAGE"
	KindMedia               Kind = "MEDIA"
	KindGroupMedia          Kind = "GROUP_MEDIA"
	KindCreateGroup         Kind = "CREATE_GROUP"
	KindGroupInvite         Kind = "GROUP_INVITE"
	KindGroupInviteResponse Kind = "GROUP_INVITE_RESPONSE"
	KindJoinGroup           Kind = "JOIN_GROUP"
	KindLeaveGroup          Kind = "LEAVE_GROUP"
	KindGroupMessage        Kind = "GROUP_MESSAGE"
	KindMediaOffer          Kind = "MEDIA_OFFER"
	KindMediaAccept         Kind = "MEDIA_ACCEPT"
	KindMediaDecline        Kind = "MEDIA_DECLINE"
	KindMediaCancel         Kind = "MEDIA_CANCEL"
)

// Server to client.
const (
	KindRegisterOK          Kind = "REGISTER_OK"
	KindRegisterErr         Kind = "REGISTER_ERR"
	KindLoginOK             Kind = "LOGIN_OK"
	KindLoginErr            Kind = "LOGIN_ERR"
	KindPong                Kind = "PONG"
	KindOnlineList          Kind = "ONLINE_LIST"
	KindOfflineBatch        Kind = "OFFLINE_BATCH"
	KindFriendAccepted      Kind = "FRIEND_ACCEPTED"
	KindFriendDeclined      Kind = "FRIEND_DECLINED"
	KindFriendAdded         Kind = "FRIEND_ADDED"
	KindUnfriended          Kind = "UNFRIENDED"
	KindUnfriendOK          Kind = "UNFRIEND_OK"
	KindFriendList          Kind = "FRIEND_LIST"
	KindDeliveryError       Kind = "DELIVERY_ERROR"
	KindError               Kind = "ERROR"
	KindCreateGroupOK       Kind = "CREATE_GROUP_OK"
	KindCreateGroupErr      Kind = "CREATE_GROUP_ERR"
	KindGroupInviteAccepted Kind = "GROUP_INVITE_ACCEPTED"
	KindGroupInviteDeclined Kind = "GROUP_INVITE_DECLINED"
	KindGroupInviteErr      Kind = "GROUP_INVITE_ERR"
	KindGroupJoined         Kind = "GROUP_JOINED"
	KindJoinGroupErr        Kind = "JOIN_GROUP_ERR"
	KindLeaveGroupOK        Kind = "LEAVE_GROUP_OK"
	KindLeaveGroupErr       Kind = "LEAVE_GROUP_ERR"
	KindEditProfileOK       Kind = "EDIT_PROFILE_OK"
	KindEditProfileErr      Kind = "EDIT_PROFILE_ERR"
	KindSessionEvicted      Kind = "SESSION_EVICTED"
	KindMediaReady          Kind = "MEDIA_READY"
	KindMediaDeclined       Kind = "MEDIA_DECLINED"
	KindMediaErr            Kind = "MEDIA_ERR"
)

// Envelope is the single JSON shape every frame carries. Fields are used
// per kind; unused ones stay empty and are omitted on the wire.
type Envelope struct {
	Type Kind `json:"type"`

	// Server-stamped on routed messages.
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Identity.
	Handle     string            `json:"handle,omitempty"`
	Credential string            `json:"credential,omitempty"`
	Profile    map[string]string `json:"profile,omitempty"`

	// Routing.
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Payload string `json:"payload,omitempty"`

	// Friendship / invites.
	Accept  bool     `json:"accept,omitempty"`
	Target  string   `json:"target,omitempty"`
	Friends []string `json:"friends,omitempty"`

	// Groups.
	Group       string   `json:"group,omitempty"`
	Description string   `json:"description,omitempty"`
	Groups      []string `json:"groups,omitempty"`

	// Media.
	Filename     string `json:"filename,omitempty"`
	BytesBase64  string `json:"bytesBase64,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Transfer     string `json:"transfer,omitempty"`
	UploadPort   int    `json:"uploadPort,omitempty"`
	DownloadPort int    `json:"downloadPort,omitempty"`

	// Presence and batches.
	Handles  []string          `json:"handles,omitempty"`
	Messages []json.RawMessage `json:"messages,omitempty"`

	// Errors.
	Op     string `json:"op,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Encode marshals an envelope into a frame payload.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode unmarshals a frame payload. A failure here is recoverable at the
// session level; the stream itself is still framed correctly.
func Decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("missing type discriminator")
	}
	return &env, nil
}
