package db

import (
	"database/sql"
	"errors"
	"fmt"

	"fastchat/models"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the SQLite gateway.
type DB struct {
	conn *sql.DB
}

var _ Gateway = (*DB)(nil)

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
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
			id INTEGER PRIMARY KEY,
			password TEXT NOT NULL,
			server_id INTEGER NOT NULL DEFAULT -1,
			public_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			admin INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL REFERENCES chat_groups(id),
			user_id INTEGER NOT NULL,
			UNIQUE(group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender INTEGER NOT NULL,
			receiver INTEGER NOT NULL,
			time TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			receiver INTEGER NOT NULL,
			time TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS numclients (
			server_id INTEGER PRIMARY KEY,
			clients INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver, id)`,
		`CREATE INDEX IF NOT EXISTS idx_group_messages_receiver ON group_messages(receiver, id)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_group ON group_members(group_id, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// User methods
func (db *DB) RegisterUser(id int, password, publicKey string, serverID int) (bool, error) {
	hashed, err := hashPassword(password)
	if err != nil {
		return false, err
	}

	res, err := db.conn.Exec(
		"INSERT OR IGNORE INTO users (id, password, server_id, public_key) VALUES (?, ?, ?, ?)",
		id, hashed, serverID, publicKey,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (db *DB) UserExists(id int) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) FetchPublicKey(id int) (string, error) {
	var key string
	err := db.conn.QueryRow("SELECT public_key FROM users WHERE id = ?", id).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return key, err
}

func (db *DB) CheckCredentials(id int, password string) (bool, error) {
	var digest string
	err := db.conn.QueryRow("SELECT password FROM users WHERE id = ?", id).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return matchPassword(digest, password), nil
}

func (db *DB) AssignServer(id, serverID int) error {
	res, err := db.conn.Exec("UPDATE users SET server_id = ? WHERE id = ?", serverID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) QueryServer(id int) (models.Location, error) {
	var server int
	err := db.conn.QueryRow("SELECT server_id FROM users WHERE id = ?", id).Scan(&server)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotRegistered, nil
	}
	if err != nil {
		return 0, err
	}
	if server <= 0 {
		return models.Offline, nil
	}
	return models.Location(server), nil
}

// Offline queues
func (db *DB) EnqueueOfflineDirect(msg models.PendingMessage) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (sender, receiver, time, payload) VALUES (?, ?, ?, ?)",
		msg.Sender, msg.Receiver, msg.Time, msg.Payload,
	)
	return err
}

func (db *DB) EnqueueOfflineGroup(msg models.PendingGroupMessage) error {
	_, err := db.conn.Exec(
		"INSERT INTO group_messages (sender, group_id, receiver, time, payload) VALUES (?, ?, ?, ?, ?)",
		msg.Sender, msg.Group, msg.Receiver, msg.Time, msg.Payload,
	)
	return err
}

func (db *DB) DrainOfflineDirect(user int) ([]models.PendingMessage, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT id, sender, receiver, time, payload FROM messages WHERE receiver = ? ORDER BY id",
		user,
	)
	if err != nil {
		return nil, err
	}

	var out []models.PendingMessage
	for rows.Next() {
		var m models.PendingMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Time, &m.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE receiver = ? AND id <= ?", user, out[len(out)-1].ID); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (db *DB) DrainOfflineGroup(user int) ([]models.PendingGroupMessage, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT id, sender, group_id, receiver, time, payload FROM group_messages WHERE receiver = ? ORDER BY id",
		user,
	)
	if err != nil {
		return nil, err
	}

	var out []models.PendingGroupMessage
	for rows.Next() {
		var m models.PendingGroupMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Group, &m.Receiver, &m.Time, &m.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec("DELETE FROM group_messages WHERE receiver = ? AND id <= ?", user, out[len(out)-1].ID); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// Group methods
func (db *DB) CreateGroup(admin int, participants []int) (int, error) {
	members := groupMembers(admin, participants)

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, id := range members {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count); err != nil {
			return 0, err
		}
		if count == 0 {
			return -1, nil
		}
	}

	res, err := tx.Exec("INSERT INTO chat_groups (admin) VALUES (?)", admin)
	if err != nil {
		return 0, err
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, id := range members {
		if _, err := tx.Exec("INSERT INTO group_members (group_id, user_id) VALUES (?, ?)", groupID, id); err != nil {
			return 0, err
		}
	}
	return int(groupID), tx.Commit()
}

func (db *DB) Group(id int) (models.Group, error) {
	g := models.Group{ID: id}
	err := db.conn.QueryRow("SELECT admin FROM chat_groups WHERE id = ?", id).Scan(&g.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Group{}, err
	}
	g.Participants, err = db.GroupParticipants(id)
	return g, err
}

func (db *DB) GroupParticipants(id int) ([]int, error) {
	rows, err := db.conn.Query("SELECT user_id FROM group_members WHERE group_id = ? ORDER BY id", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var user int
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

func (db *DB) AddParticipant(group, user int) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)", group, user)
	return err
}

func (db *DB) RemoveParticipant(group, user int) error {
	_, err := db.conn.Exec("DELETE FROM group_members WHERE group_id = ? AND user_id = ?", group, user)
	return err
}

// Load counters
func (db *DB) InitLoad(total int) error {
	for id := 1; id <= total; id++ {
		if _, err := db.conn.Exec("INSERT OR IGNORE INTO numclients (server_id, clients) VALUES (?, 0)", id); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) IncrementLoad(serverID int) error {
	return db.adjustLoad(serverID, 1)
}

func (db *DB) DecrementLoad(serverID int) error {
	return db.adjustLoad(serverID, -1)
}

func (db *DB) adjustLoad(serverID, delta int) error {
	_, err := db.conn.Exec(
		`INSERT INTO numclients (server_id, clients) VALUES (?, MAX(?, 0))
		ON CONFLICT(server_id) DO UPDATE SET clients = MAX(numclients.clients + ?, 0)`,
		serverID, delta, delta,
	)
	return err
}

func (db *DB) LoadCounters() ([]models.ServerLoad, error) {
	rows, err := db.conn.Query("SELECT server_id, clients FROM numclients ORDER BY server_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ServerLoad
	for rows.Next() {
		var l models.ServerLoad
		if err := rows.Scan(&l.ServerID, &l.Clients); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (db *DB) MinLoadServer(pool []int) (int, error) {
	loads, err := db.LoadCounters()
	if err != nil {
		return 0, err
	}
	return minLoad(pool, loads)
}
