package server

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaTransferValidation(t *testing.T) {
	m := NewMediaTransferManager(46000, 46099)

	session := m.CreateSession("alice", "bob", "demo.mp4", 1<<20)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "pending", session.Status)

	_, err := m.Accept("no-such-id", "bob")
	assert.ErrorIs(t, err, ErrTransferNotFound)

	_, err = m.Accept(session.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotYourTransfer)

	_, err = m.Decline(session.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotYourTransfer)

	_, err = m.Cancel(session.ID, "bob")
	assert.ErrorIs(t, err, ErrNotYourTransfer)
}

func TestMediaTransferDecline(t *testing.T) {
	m := NewMediaTransferManager(46000, 46099)
	session := m.CreateSession("alice", "bob", "demo.mp4", 1024)

	declined, err := m.Decline(session.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "declined", declined.Status)

	// Not pending anymore: a late accept is refused.
	_, err = m.Accept(session.ID, "bob")
	assert.ErrorIs(t, err, ErrTransferNotPending)
}

func TestMediaTransferPortExhaustion(t *testing.T) {
	// Two ports serve exactly one transfer.
	m := NewMediaTransferManager(46100, 46101)

	first := m.CreateSession("alice", "bob", "a.bin", 1)
	_, err := m.Accept(first.ID, "bob")
	require.NoError(t, err)

	second := m.CreateSession("alice", "bob", "b.bin", 1)
	_, err = m.Accept(second.ID, "bob")
	assert.ErrorIs(t, err, ErrNoAvailablePorts)

	_, err = m.Cancel(first.ID, "alice")
	require.NoError(t, err)
}

func TestMediaTransferCleanExpired(t *testing.T) {
	m := NewMediaTransferManager(46200, 46299)
	session := m.CreateSession("alice", "bob", "demo.mp4", 1024)
	session.ExpiresAt = time.Now().Add(-time.Second)

	m.CleanExpired()

	_, err := m.Accept(session.ID, "bob")
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

// dialTransferPort retries until the proxy listener is up.
func dialTransferPort(t *testing.T, port int) net.Conn {
	t.Helper()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("could not reach transfer port %d", port)
	return nil
}

func TestMediaTransferProxyEndToEnd(t *testing.T) {
	m := NewMediaTransferManager(46300, 46399)
	session := m.CreateSession("alice", "bob", "demo.bin", 11)

	accepted, err := m.Accept(session.ID, "bob")
	require.NoError(t, err)
	require.NotZero(t, accepted.UploadPort)
	require.NotZero(t, accepted.DownloadPort)
	require.NotEqual(t, accepted.UploadPort, accepted.DownloadPort)

	upload := dialTransferPort(t, accepted.UploadPort)
	defer upload.Close()
	download := dialTransferPort(t, accepted.DownloadPort)
	defer download.Close()

	payload := []byte("hello world")
	_, err = upload.Write(payload)
	require.NoError(t, err)
	require.NoError(t, upload.Close())

	download.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(download)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)
}
