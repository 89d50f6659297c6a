package server

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatd/db"
	"chatd/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	config := &ServerConfig{
		MaxFrameSize:        protocol.DefaultMaxFrameSize,
		IdleTimeout:         30 * time.Second,
		WriteTimeout:        5 * time.Second,
		MediaPortRangeStart: 45000,
		MediaPortRangeEnd:   45099,
	}
	return New(database, config)
}

// testClient drives one in-process session over a net.Pipe, the way a GUI
// client would over TCP.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	go srv.HandleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })

	return &testClient{t: t, conn: clientConn}
}

func (c *testClient) send(env *protocol.Envelope) {
	c.t.Helper()

	payload, err := protocol.Encode(env)
	require.NoError(c.t, err)
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(c.t, protocol.WriteFrame(c.conn, payload))
}

func (c *testClient) sendRaw(payload []byte) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(c.t, protocol.WriteFrame(c.conn, payload))
}

func (c *testClient) recv() *protocol.Envelope {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := protocol.ReadFrame(c.conn, protocol.DefaultMaxFrameSize)
	require.NoError(c.t, err)
	env, err := protocol.Decode(payload)
	require.NoError(c.t, err)
	return env
}

// expectClosed asserts the server ended the session.
func (c *testClient) expectClosed() {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := protocol.ReadFrame(c.conn, protocol.DefaultMaxFrameSize)
	require.ErrorIs(c.t, err, protocol.ErrConnectionClosed)
}

// register signs a fresh handle up and consumes the REGISTER_OK.
func (c *testClient) register(handle string) {
	c.t.Helper()

	c.send(&protocol.Envelope{Type: protocol.KindRegister, Handle: handle, Credential: "secret"})
	reply := c.recv()
	require.Equal(c.t, protocol.KindRegisterOK, reply.Type, "reason: %s", reply.Reason)
}

func (c *testClient) login(handle string) *protocol.Envelope {
	c.t.Helper()

	c.send(&protocol.Envelope{Type: protocol.KindLogin, Handle: handle, Credential: "secret"})
	reply := c.recv()
	require.Equal(c.t, protocol.KindLoginOK, reply.Type, "reason: %s", reply.Reason)
	return reply
}

func TestPing(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.send(&protocol.Envelope{Type: protocol.KindPing})
	assert.Equal(t, protocol.KindPong, c.recv().Type)
}

func TestRegisterDuplicateHandle(t *testing.T) {
	srv := setupTestServer(t)

	c1 := connect(t, srv)
	c1.register("alice")

	c2 := connect(t, srv)
	c2.send(&protocol.Envelope{Type: protocol.KindRegister, Handle: "alice", Credential: "other"})
	reply := c2.recv()
	assert.Equal(t, protocol.KindRegisterErr, reply.Type)
	assert.Equal(t, "handle already exists", reply.Reason)
	c2.expectClosed()
}

func TestLoginFailuresCloseSession(t *testing.T) {
	srv := setupTestServer(t)
	require.NoError(t, srv.db.CreateUser("alice", "secret", nil))

	// Refused credentials end the session; the client must reconnect.
	c := connect(t, srv)
	c.send(&protocol.Envelope{Type: protocol.KindLogin, Handle: "alice", Credential: "wrong"})
	reply := c.recv()
	assert.Equal(t, protocol.KindLoginErr, reply.Type)
	assert.Equal(t, "wrong credential", reply.Reason)
	c.expectClosed()

	c = connect(t, srv)
	c.send(&protocol.Envelope{Type: protocol.KindLogin, Handle: "nobody", Credential: "secret"})
	reply = c.recv()
	assert.Equal(t, protocol.KindLoginErr, reply.Type)
	assert.Equal(t, "user not found", reply.Reason)
	c.expectClosed()

	// A malformed auth frame is a per-message error, not a refusal: the
	// same connection can still authenticate.
	c = connect(t, srv)
	c.send(&protocol.Envelope{Type: protocol.KindLogin, Handle: "alice"})
	reply = c.recv()
	assert.Equal(t, protocol.KindLoginErr, reply.Type)
	c.send(&protocol.Envelope{Type: protocol.KindLogin, Handle: "alice", Credential: "secret"})
	assert.Equal(t, protocol.KindLoginOK, c.recv().Type)
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.send(&protocol.Envelope{Type: protocol.KindDirectMessage, To: "bob", Payload: "hi"})
	reply := c.recv()
	assert.Equal(t, protocol.KindError, reply.Type)
	assert.Equal(t, "not authenticated", reply.Reason)
}

func TestMalformedPayloadIsRecoverable(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.sendRaw([]byte("this is not json"))
	reply := c.recv()
	assert.Equal(t, protocol.KindError, reply.Type)

	c.send(&protocol.Envelope{Type: protocol.KindPing})
	assert.Equal(t, protocol.KindPong, c.recv().Type, "session must survive a bad frame")
}

func TestUnknownKindRejected(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)
	c.register("alice")

	c.sendRaw([]byte(`{"type":"MAKE_COFFEE"}`))
	reply := c.recv()
	assert.Equal(t, protocol.KindError, reply.Type)
	assert.Equal(t, "unknown message type", reply.Reason)
}

func TestListOnline(t *testing.T) {
	srv := setupTestServer(t)

	alice := connect(t, srv)
	alice.register("alice")
	bob := connect(t, srv)
	bob.register("bob")

	alice.send(&protocol.Envelope{Type: protocol.KindListOnline})
	reply := alice.recv()
	require.Equal(t, protocol.KindOnlineList, reply.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, reply.Handles)
}

// The online end-to-end scenario: request, accept, direct message.
func TestFriendRequestAndDirectMessage(t *testing.T) {
	srv := setupTestServer(t)

	alice := connect(t, srv)
	alice.register("alice")
	bob := connect(t, srv)
	bob.register("bob")

	alice.send(&protocol.Envelope{Type: protocol.KindFriendRequest, To: "bob"})

	relay := bob.recv()
	require.Equal(t, protocol.KindFriendRequest, relay.Type)
	assert.Equal(t, "alice", relay.From)

	bob.send(&protocol.Envelope{Type: protocol.KindFriendResponse, To: "alice", Accept: true})

	added := bob.recv()
	assert.Equal(t, protocol.KindFriendAdded, added.Type)
	assert.Equal(t, "alice", added.Target)

	accepted := alice.recv()
	assert.Equal(t, protocol.KindFriendAccepted, accepted.Type)
	assert.Equal(t, "bob", accepted.From)

	alice.send(&protocol.Envelope{Type: protocol.KindDirectMessage, To: "bob", Payload: "hi"})

	msg := bob.recv()
	assert.Equal(t, protocol.KindDirectMessage, msg.Type)
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "hi", msg.Payload)
	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.Timestamp)
}

func TestDirectMessageRequiresFriendship(t *testing.T) {
	srv := setupTestServer(t)

	alice := connect(t, srv)
	alice.register("alice")
	bob := connect(t, srv)
	bob.register("bob")

	alice.send(&protocol.Envelope{Type: protocol.KindDirectMessage, To: "bob", Payload: "hi"})
	reply := alice.recv()
	assert.Equal(t, protocol.KindDeliveryError, reply.Type)
	assert.Contains(t, reply.Reason, "not friends")

	// Same gate for media, and it holds when the recipient is offline too.
	alice.send(&protocol.Envelope{Type: protocol.KindMedia, To: "nobody-here", Filename: "x.png", BytesBase64: "aGk="})
	reply = alice.recv()
	assert.Equal(t, protocol.KindDeliveryError, reply.Type)

	count, err := srv.db.OfflineCount("bob")
	require.NoError(t, err)
	assert.Zero(t, count, "rejected messages must not be queued")
}

func TestDuplicateFriendRequestRoutedOnce(t *testing.T) {
	srv := setupTestServer(t)

	alice := connect(t, srv)
	alice.register("alice")
	bob := connect(t, srv)
	bob.register("bob")

	alice.send(&protocol.Envelope{Type: protocol.KindFriendRequest, To: "bob"})
	alice.send(&protocol.Envelope{Type: protocol.KindFriendRequest, To: "bob"})
	// PONG confirms both requests are fully processed before bob looks.
	alice.send(&protocol.Envelope{Type: protocol.KindPing})
	require.Equal(t, protocol.KindPong, alice.recv().Type)

	require.Equal(t, protocol.KindFriendRequest, bob.recv().Type)
	bob.send(&protocol.Envelope{Type: protocol.KindPing})
	assert.Equal(t, protocol.KindPong, bob.recv().Type, "no second relay for a duplicate request")
}

func TestUnfriendNotifiesTarget(t *testing.T) {
	srv := setupTestServer(t)
	require.NoError(t, srv.db.CreateUser("alice", "secret", nil))
	require.NoError(t, srv.db.CreateUser("bob", "secret", nil))
	require.NoError(t, srv.db.AddFriendship("alice", "bob"))

	alice := connect(t, srv)
	alice.login("alice")
	bob := connect(t, srv)
	bob.login("bob")

	alice.send(&protocol.Envelope{Type: protocol.KindUnfriend, Target: "bob"})
	reply := alice.recv()
	assert.Equal(t, protocol.KindUnfriendOK, reply.Type)

	notice := bob.recv()
	assert.Equal(t, protocol.KindUnfriended, notice.Type)
	assert.Equal(t, "alice", notice.From)

	friends, err := srv.db.AreFriends("alice", "bob")
	require.NoError(t, err)
	assert.False(t, friends)
}

// The offline end-to-end scenario: queued messages arrive as one ordered
// batch on the next login, and only once.
func TestOfflineDelivery(t *testing.T) {
	srv := setupTestServer(t)
	require.NoError(t, srv.db.CreateUser("alice", "secret", nil))
	require.NoError(t, srv.db.CreateUser("bob", "secret", nil))
	require.NoError(t, srv.db.AddFriendship("alice", "bob"))

	alice := connect(t, srv)
	alice.login("alice")

	for _, text := range []string{"m1", "m2", "m3"} {
		alice.send(&protocol.Envelope{Type: protocol.KindDirectMessage, To: "bob", Payload: text})
	}
	alice.send(&protocol.Envelope{Type: protocol.KindPing})
	require.Equal(t, protocol.KindPong, alice.recv().Type)

	bob := connect(t, srv)
	bob.login("bob")

	batch := bob.recv()
	require.Equal(t, protocol.KindOfflineBatch, batch.Type)
	require.Len(t, batch.Messages, 3)
	for i, want := range []string{"m1", "m2", "m3"} {
		env, err := protocol.Decode(batch.Messages[i])
		require.NoError(t, err)
		assert.Equal(t, protocol.KindDirectMessage, env.Type)
		assert.Equal(t, "alice", env.From)
		assert.Equal(t, want, env.Payload)
	}

	bob.send(&protocol.Envelope{Type: protocol.KindLogout})
	require.Eventually(t, func() bool {
		_, online := srv.presence.Lookup("bob")
		return !online
	}, 5*time.Second, 10*time.Millisecond)

	// Second login with nothing queued: no batch at all.
	bob2 := connect(t, srv)
	bob2.login("bob")
	bob2.send(&protocol.Envelope{Type: protocol.KindPing})
	assert.Equal(t, protocol.KindPong, bob2.recv().Type, "no OFFLINE_BATCH expected before the pong")
}

func TestSecondLoginEvictsFirst(t *testing.T) {
	srv := setupTestServer(t)
	require.NoError(t, srv.db.CreateUser("alice", "secret", nil))

	first := connect(t, srv)
	first.login("alice")

	second := connect(t, srv)
	second.login("alice")

	notice := first.recv()
	assert.Equal(t, protocol.KindSessionEvicted, notice.Type)

	// The evicted transport is closed by the server.
	first.expectClosed()

	// The registry points at the new session and routing still works.
	second.send(&protocol.Envelope{Type: protocol.KindPing})
	assert.Equal(t, protocol.KindPong, second.recv().Type)
	assert.Equal(t, []string{"alice"}, srv.presence.ListOnline())
}

func TestWriteFailureFallsBackToQueue(t *testing.T) {
	srv := setupTestServer(t)
	srv.config.WriteTimeout = 100 * time.Millisecond
	require.NoError(t, srv.db.CreateUser("bob", "secret", nil))

	// A registered session whose peer never reads: the pipe write times
	// out and the message must land in the offline queue instead.
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	sess := &Session{Handle: "bob", Conn: serverConn, ConnectedAt: time.Now()}
	srv.presence.Register("bob", sess)

	srv.deliverOrQueue("bob", &protocol.Envelope{
		Type:    protocol.KindDirectMessage,
		From:    "alice",
		Payload: "hi",
	})

	count, err := srv.db.OfflineCount("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMediaOfferRequiresOnlineFriend(t *testing.T) {
	srv := setupTestServer(t)
	require.NoError(t, srv.db.CreateUser("alice", "secret", nil))
	require.NoError(t, srv.db.CreateUser("bob", "secret", nil))

	alice := connect(t, srv)
	alice.login("alice")

	// Not friends yet.
	alice.send(&protocol.Envelope{Type: protocol.KindMediaOffer, To: "bob", Filename: "demo.mp4", Size: 1 << 20})
	reply := alice.recv()
	assert.Equal(t, protocol.KindMediaErr, reply.Type)
	assert.Contains(t, reply.Reason, "not friends")

	require.NoError(t, srv.db.AddFriendship("alice", "bob"))

	// Friends, but offline: offers are never queued.
	alice.send(&protocol.Envelope{Type: protocol.KindMediaOffer, To: "bob", Filename: "demo.mp4", Size: 1 << 20})
	reply = alice.recv()
	assert.Equal(t, protocol.KindMediaErr, reply.Type)
	assert.Equal(t, "bob is offline", reply.Reason)

	count, err := srv.db.OfflineCount("bob")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMediaOfferDeclineFlow(t *testing.T) {
	srv := setupTestServer(t)
	require.NoError(t, srv.db.CreateUser("alice", "secret", nil))
	require.NoError(t, srv.db.CreateUser("bob", "secret", nil))
	require.NoError(t, srv.db.AddFriendship("alice", "bob"))

	alice := connect(t, srv)
	alice.login("alice")
	bob := connect(t, srv)
	bob.login("bob")

	alice.send(&protocol.Envelope{Type: protocol.KindMediaOffer, To: "bob", Filename: "demo.mp4", Size: 1 << 20})

	offer := bob.recv()
	require.Equal(t, protocol.KindMediaOffer, offer.Type)
	assert.Equal(t, "alice", offer.From)
	assert.Equal(t, "demo.mp4", offer.Filename)
	assert.EqualValues(t, 1<<20, offer.Size)
	require.NotEmpty(t, offer.Transfer)

	bob.send(&protocol.Envelope{Type: protocol.KindMediaDecline, Transfer: offer.Transfer})

	declined := alice.recv()
	assert.Equal(t, protocol.KindMediaDeclined, declined.Type)
	assert.Equal(t, offer.Transfer, declined.Transfer)
	assert.Equal(t, "bob", declined.From)
}

func TestEditProfileAndGetFriends(t *testing.T) {
	srv := setupTestServer(t)

	alice := connect(t, srv)
	alice.register("alice")

	alice.send(&protocol.Envelope{Type: protocol.KindEditProfile, Profile: map[string]string{"display_name": "Alice"}})
	assert.Equal(t, protocol.KindEditProfileOK, alice.recv().Type)

	profile, err := srv.db.GetProfile("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", profile["display_name"])

	require.NoError(t, srv.db.AddFriendship("alice", "bob"))
	alice.send(&protocol.Envelope{Type: protocol.KindGetFriends})
	reply := alice.recv()
	require.Equal(t, protocol.KindFriendList, reply.Type)
	assert.Equal(t, []string{"bob"}, reply.Friends)
}
