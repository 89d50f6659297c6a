package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"chatd/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows          = errors.New("no rows found")
	ErrUserExists      = errors.New("user already exists")
	ErrWrongCredential = errors.New("wrong credential")
	ErrGroupExists     = errors.New("group already exists")
	ErrAlreadyMember   = errors.New("already a member")
	ErrNotMember       = errors.New("not a member")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			handle TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			profile TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		// One row per unordered pair, stored with low < high. Symmetry is
		// structural; there is no second copy to fall out of sync.
		`CREATE TABLE IF NOT EXISTS friendships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			low TEXT NOT NULL,
			high TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(low, high)
		)`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(from_handle, to_handle)
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			admin TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_name TEXT NOT NULL,
			member TEXT NOT NULL,
			UNIQUE(group_name, member)
		)`,
		`CREATE TABLE IF NOT EXISTS group_invites (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_name TEXT NOT NULL,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(group_name, to_handle)
		)`,
		`CREATE TABLE IF NOT EXISTS offline_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_friendships_low ON friendships(low)`,
		`CREATE INDEX IF NOT EXISTS idx_friendships_high ON friendships(high)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_to ON friend_requests(to_handle)`,
		`CREATE INDEX IF NOT EXISTS idx_members_group ON group_members(group_name)`,
		`CREATE INDEX IF NOT EXISTS idx_members_member ON group_members(member)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_recipient ON offline_messages(recipient, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// orderPair returns the canonical (low, high) form of an unordered pair.
func orderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// User methods

func (db *DB) CreateUser(handle, password string, profile map[string]string) error {
	exists, err := db.UserExists(handle)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	if profile == nil {
		profile = map[string]string{}
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.Exec(
		"INSERT INTO users (handle, password, profile, created_at) VALUES (?, ?, ?, ?)",
		handle, string(hashed), string(profileJSON), now,
	)
	return err
}

// Authenticate checks the credential and returns the stored profile.
func (db *DB) Authenticate(handle, password string) (map[string]string, error) {
	var hashedPassword, profileJSON string
	err := db.conn.QueryRow(
		"SELECT password, profile FROM users WHERE handle = ?", handle,
	).Scan(&hashedPassword, &profileJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) != nil {
		return nil, ErrWrongCredential
	}

	var profile map[string]string
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		profile = map[string]string{}
	}
	return profile, nil
}

func (db *DB) UserExists(handle string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE handle = ?", handle).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetProfile(handle string) (map[string]string, error) {
	var profileJSON string
	err := db.conn.QueryRow("SELECT profile FROM users WHERE handle = ?", handle).Scan(&profileJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	var profile map[string]string
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		return map[string]string{}, nil
	}
	return profile, nil
}

// UpdateProfile merges fields into the stored profile. The handle itself is
// immutable and never part of the profile map.
func (db *DB) UpdateProfile(handle string, fields map[string]string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var profileJSON string
	err = tx.QueryRow("SELECT profile FROM users WHERE handle = ?", handle).Scan(&profileJSON)
	if err == sql.ErrNoRows {
		return ErrNoRows
	}
	if err != nil {
		return err
	}

	var profile map[string]string
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		profile = map[string]string{}
	}
	for k, v := range fields {
		profile[k] = v
	}

	merged, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE users SET profile = ? WHERE handle = ?", string(merged), handle); err != nil {
		return err
	}
	return tx.Commit()
}

// Friendship methods

func (db *DB) AreFriends(a, b string) (bool, error) {
	low, high := orderPair(a, b)
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM friendships WHERE low = ? AND high = ?", low, high,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) AddFriendship(a, b string) error {
	low, high := orderPair(a, b)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO friendships (low, high, created_at) VALUES (?, ?, ?)",
		low, high, now,
	)
	return err
}

func (db *DB) RemoveFriendship(a, b string) error {
	low, high := orderPair(a, b)
	result, err := db.conn.Exec("DELETE FROM friendships WHERE low = ? AND high = ?", low, high)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) GetFriends(handle string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT low, high FROM friendships WHERE low = ? OR high = ? ORDER BY id",
		handle, handle,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var low, high string
		if err := rows.Scan(&low, &high); err != nil {
			return nil, err
		}
		if low == handle {
			friends = append(friends, high)
		} else {
			friends = append(friends, low)
		}
	}
	return friends, rows.Err()
}

// CreateFriendRequest records a pending request. A duplicate from the same
// sender is idempotent: created reports false and nothing changes.
func (db *DB) CreateFriendRequest(from, to string) (created bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := db.conn.Exec(
		"INSERT OR IGNORE INTO friend_requests (from_handle, to_handle, created_at) VALUES (?, ?, ?)",
		from, to, now,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (db *DB) HasFriendRequest(from, to string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM friend_requests WHERE from_handle = ? AND to_handle = ?", from, to,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AcceptFriendRequest deletes the pending request and writes the edge in the
// same transaction, so a crash can never leave the two out of step.
func (db *DB) AcceptFriendRequest(from, to string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"DELETE FROM friend_requests WHERE from_handle = ? AND to_handle = ?", from, to,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}

	low, high := orderPair(from, to)
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO friendships (low, high, created_at) VALUES (?, ?, ?)",
		low, high, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) DeclineFriendRequest(from, to string) error {
	result, err := db.conn.Exec(
		"DELETE FROM friend_requests WHERE from_handle = ? AND to_handle = ?", from, to,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

// Group methods

func (db *DB) CreateGroup(name, admin, description string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM groups WHERE name = ?", name).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrGroupExists
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		"INSERT INTO groups (name, admin, description, created_at) VALUES (?, ?, ?, ?)",
		name, admin, description, now,
	); err != nil {
		return err
	}
	// The founder is a member from the start; the admin invariant holds.
	if _, err := tx.Exec(
		"INSERT INTO group_members (group_name, member) VALUES (?, ?)", name, admin,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) GetGroup(name string) (*models.Group, error) {
	var g models.Group
	var createdAt string
	err := db.conn.QueryRow(
		"SELECT name, admin, description, created_at FROM groups WHERE name = ?", name,
	).Scan(&g.Name, &g.Admin, &g.Description, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	rows, err := db.conn.Query(
		"SELECT member FROM group_members WHERE group_name = ? ORDER BY id", name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, member)
	}
	return &g, rows.Err()
}

func (db *DB) GroupExists(name string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM groups WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) IsGroupMember(name, handle string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM group_members WHERE group_name = ? AND member = ?", name, handle,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GroupMembers(name string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT member FROM group_members WHERE group_name = ? ORDER BY id", name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// GroupsFor returns the names of every group the handle belongs to.
func (db *DB) GroupsFor(handle string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT group_name FROM group_members WHERE member = ? ORDER BY id", handle,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		groups = append(groups, name)
	}
	return groups, rows.Err()
}

func (db *DB) AddGroupMember(name, handle string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM groups WHERE name = ?", name).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrNoRows
	}

	result, err := tx.Exec(
		"INSERT OR IGNORE INTO group_members (group_name, member) VALUES (?, ?)", name, handle,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyMember
	}

	return tx.Commit()
}

// LeaveGroup removes the member. An emptied group is destroyed; a departing
// admin hands the role to an arbitrary remaining member. All in one
// transaction so the admin invariant is never observable as broken.
func (db *DB) LeaveGroup(name, handle string) (destroyed bool, newAdmin string, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	var admin string
	err = tx.QueryRow("SELECT admin FROM groups WHERE name = ?", name).Scan(&admin)
	if err == sql.ErrNoRows {
		return false, "", ErrNoRows
	}
	if err != nil {
		return false, "", err
	}

	result, err := tx.Exec(
		"DELETE FROM group_members WHERE group_name = ? AND member = ?", name, handle,
	)
	if err != nil {
		return false, "", err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if affected == 0 {
		return false, "", ErrNotMember
	}

	var remaining int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM group_members WHERE group_name = ?", name,
	).Scan(&remaining); err != nil {
		return false, "", err
	}

	if remaining == 0 {
		if _, err := tx.Exec("DELETE FROM groups WHERE name = ?", name); err != nil {
			return false, "", err
		}
		if _, err := tx.Exec("DELETE FROM group_invites WHERE group_name = ?", name); err != nil {
			return false, "", err
		}
		return true, "", tx.Commit()
	}

	if admin == handle {
		if err := tx.QueryRow(
			"SELECT member FROM group_members WHERE group_name = ? ORDER BY id LIMIT 1", name,
		).Scan(&newAdmin); err != nil {
			return false, "", err
		}
		if _, err := tx.Exec("UPDATE groups SET admin = ? WHERE name = ?", newAdmin, name); err != nil {
			return false, "", err
		}
	}

	return false, newAdmin, tx.Commit()
}

// Group invite methods

func (db *DB) CreateGroupInvite(group, from, to string) (created bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := db.conn.Exec(
		"INSERT OR IGNORE INTO group_invites (group_name, from_handle, to_handle, created_at) VALUES (?, ?, ?, ?)",
		group, from, to, now,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteGroupInvite discards the invite and reports whether one existed.
func (db *DB) DeleteGroupInvite(group, to string) (existed bool, err error) {
	result, err := db.conn.Exec(
		"DELETE FROM group_invites WHERE group_name = ? AND to_handle = ?", group, to,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Offline queue methods

func (db *DB) EnqueueOffline(recipient string, payload []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.conn.Exec(
		"INSERT INTO offline_messages (recipient, payload, enqueued_at) VALUES (?, ?, ?)",
		recipient, payload, now,
	)
	return err
}

// DrainOffline atomically returns all queued payloads for recipient in
// enqueue order and clears the queue.
func (db *DB) DrainOffline(recipient string) ([][]byte, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT payload FROM offline_messages WHERE recipient = ? ORDER BY id", recipient,
	)
	if err != nil {
		return nil, err
	}

	var payloads [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.Exec("DELETE FROM offline_messages WHERE recipient = ?", recipient); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return payloads, nil
}

// OfflineCount reports how many messages are queued for recipient.
func (db *DB) OfflineCount(recipient string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM offline_messages WHERE recipient = ?", recipient,
	).Scan(&count)
	return count, err
}
