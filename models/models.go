package models

import "time"

type User struct {
	ID        int64
	Handle    string
	Password  string // bcrypt hash
	Profile   map[string]string
	CreatedAt time.Time
}

// FriendRequest is a pending request from one handle to another. Accepting
// deletes the row and writes the friendship edge; declining just deletes it.
type FriendRequest struct {
	ID        int64
	From      string
	To        string
	CreatedAt time.Time
}

type Group struct {
	Name        string
	Admin       string
	Description string
	Members     []string
	CreatedAt   time.Time
}

type GroupInvite struct {
	ID        int64
	Group     string
	From      string
	To        string
	CreatedAt time.Time
}

// QueuedMessage is one undelivered routed frame held for an offline
// recipient. Payload is the serialized envelope, opaque to the queue.
type QueuedMessage struct {
	ID         int64
	Recipient  string
	Payload    []byte
	EnqueuedAt time.Time
}
