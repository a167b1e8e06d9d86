// Package store is the bridge's persistent registry: users and their Gitter
// credentials, bridged rooms, registered virtual users, and the rooms each
// virtual user has been joined to. It is a plain SQLite database owned by a
// single process; every write auto-commits.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// User is a bridge participant, keyed by fully qualified Matrix username.
// The three Gitter fields are set together once OAuth completes and cleared
// together on logout.
type User struct {
	MatrixUsername    string
	MatrixPrivateRoom string
	GithubUsername    string
	GitterID          string
	GitterAccessToken string
}

// Authenticated reports whether the user has completed the Gitter OAuth
// flow.
func (u *User) Authenticated() bool {
	return u.GithubUsername != "" && u.GitterID != "" && u.GitterAccessToken != ""
}

// BridgedRoom is a persisted link between one Matrix room and one Gitter
// room, owned by one user.
type BridgedRoom struct {
	User           string
	MatrixRoom     string
	GitterRoomName string
	GitterRoomID   string
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS users (
	matrix_username TEXT NOT NULL PRIMARY KEY,
	matrix_private_room TEXT NULL UNIQUE,
	github_username TEXT NULL,
	gitter_id TEXT NULL,
	gitter_access_token TEXT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_github ON users(github_username);

CREATE TABLE IF NOT EXISTS virtual_users (
	matrix_username TEXT NOT NULL PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS rooms (
	user TEXT NOT NULL,
	matrix_room TEXT NOT NULL,
	gitter_room_name TEXT NOT NULL,
	gitter_room_id TEXT NOT NULL,
	UNIQUE(user, matrix_room)
);

CREATE TABLE IF NOT EXISTS virtual_user_rooms (
	matrix_username TEXT NOT NULL,
	matrix_room TEXT NOT NULL,
	UNIQUE(matrix_username, matrix_room)
);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}

	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var privateRoom, github, gitterID, token sql.NullString

	err := row.Scan(&u.MatrixUsername, &privateRoom, &github, &gitterID, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.MatrixPrivateRoom = privateRoom.String
	u.GithubUsername = github.String
	u.GitterID = gitterID.String
	u.GitterAccessToken = token.String
	return &u, nil
}

// GetUserByMatrix returns the user with the given Matrix username, or nil.
func (s *Store) GetUserByMatrix(matrixUsername string) (*User, error) {
	row := s.db.QueryRow(`
SELECT matrix_username, matrix_private_room, github_username, gitter_id, gitter_access_token
FROM users WHERE matrix_username = ?
`, matrixUsername)
	return scanUser(row)
}

// GetUserByGithub returns the user with the given Gitter login, or nil.
func (s *Store) GetUserByGithub(githubUsername string) (*User, error) {
	row := s.db.QueryRow(`
SELECT matrix_username, matrix_private_room, github_username, gitter_id, gitter_access_token
FROM users WHERE github_username = ?
`, githubUsername)
	return scanUser(row)
}

// CreateUser inserts a user row if none exists and returns the (possibly
// pre-existing) user.
func (s *Store) CreateUser(matrixUsername string) (*User, error) {
	s.mu.Lock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO users(matrix_username) VALUES(?)`, matrixUsername)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return s.GetUserByMatrix(matrixUsername)
}

// SetGitterInfo stores the three Gitter credential fields in one write.
func (s *Store) SetGitterInfo(matrixUsername, githubUsername, gitterID, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
UPDATE users SET github_username = ?, gitter_id = ?, gitter_access_token = ?
WHERE matrix_username = ?
`, githubUsername, gitterID, accessToken, matrixUsername)
	if err != nil {
		return fmt.Errorf("set gitter info: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set gitter info: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set gitter info: no such user %q", matrixUsername)
	}

	return nil
}

// ClearGitterInfo nulls the three Gitter credential fields (logout).
func (s *Store) ClearGitterInfo(matrixUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
UPDATE users SET github_username = NULL, gitter_id = NULL, gitter_access_token = NULL
WHERE matrix_username = ?
`, matrixUsername)
	if err != nil {
		return fmt.Errorf("clear gitter info: %w", err)
	}

	return nil
}

// SetPrivateRoom records room as the user's private control room and
// returns the previous value ("" if none). A Matrix room is private to at
// most one user, so any other holder of the same room is cleared first.
func (s *Store) SetPrivateRoom(matrixUsername, room string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("set private room: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO users(matrix_username) VALUES(?)`, matrixUsername); err != nil {
		return "", fmt.Errorf("set private room: %w", err)
	}

	var prev sql.NullString
	err = tx.QueryRow(`SELECT matrix_private_room FROM users WHERE matrix_username = ?`, matrixUsername).Scan(&prev)
	if err != nil {
		return "", fmt.Errorf("set private room: %w", err)
	}

	if _, err := tx.Exec(`
UPDATE users SET matrix_private_room = NULL
WHERE matrix_private_room = ? AND matrix_username <> ?
`, room, matrixUsername); err != nil {
		return "", fmt.Errorf("set private room: %w", err)
	}

	if _, err := tx.Exec(`
UPDATE users SET matrix_private_room = ? WHERE matrix_username = ?
`, room, matrixUsername); err != nil {
		return "", fmt.Errorf("set private room: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("set private room: %w", err)
	}

	return prev.String, nil
}

// ClearPrivateRoomByValue nulls the private-room pointer of whichever user
// currently holds room.
func (s *Store) ClearPrivateRoomByValue(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
UPDATE users SET matrix_private_room = NULL WHERE matrix_private_room = ?
`, room)
	if err != nil {
		return fmt.Errorf("clear private room: %w", err)
	}

	return nil
}

// InsertBridgedRoom persists a bridged-room link. The (user, matrix_room)
// pair is unique; inserting a duplicate is an error.
func (s *Store) InsertBridgedRoom(user, matrixRoom, gitterRoomName, gitterRoomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO rooms(user, matrix_room, gitter_room_name, gitter_room_id)
VALUES(?, ?, ?, ?)
`, user, matrixRoom, gitterRoomName, gitterRoomID)
	if err != nil {
		return fmt.Errorf("insert bridged room: %w", err)
	}

	return nil
}

func (s *Store) DeleteBridgedRoom(user, matrixRoom string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
DELETE FROM rooms WHERE user = ? AND matrix_room = ?
`, user, matrixRoom)
	if err != nil {
		return fmt.Errorf("delete bridged room: %w", err)
	}

	return nil
}

// ListBridgedRooms returns every persisted link. Used once at startup to
// rebuild the live room index.
func (s *Store) ListBridgedRooms() ([]BridgedRoom, error) {
	rows, err := s.db.Query(`
SELECT user, matrix_room, gitter_room_name, gitter_room_id FROM rooms
`)
	if err != nil {
		return nil, fmt.Errorf("list bridged rooms: %w", err)
	}
	defer rows.Close()

	var links []BridgedRoom
	for rows.Next() {
		var r BridgedRoom
		if err := rows.Scan(&r.User, &r.MatrixRoom, &r.GitterRoomName, &r.GitterRoomID); err != nil {
			return nil, fmt.Errorf("scan bridged room: %w", err)
		}
		links = append(links, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bridged rooms: %w", err)
	}

	return links, nil
}

// ListBridgedRoomIDsForUser maps gitter_room_id to matrix_room for every
// room the user has bridged.
func (s *Store) ListBridgedRoomIDsForUser(matrixUsername string) (map[string]string, error) {
	rows, err := s.db.Query(`
SELECT gitter_room_id, matrix_room FROM rooms WHERE user = ?
`, matrixUsername)
	if err != nil {
		return nil, fmt.Errorf("list bridged room ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var gitterID, matrixRoom string
		if err := rows.Scan(&gitterID, &matrixRoom); err != nil {
			return nil, fmt.Errorf("scan bridged room id: %w", err)
		}
		ids[gitterID] = matrixRoom
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bridged room ids: %w", err)
	}

	return ids, nil
}

// VirtualUserExists reports whether the virtual user has been registered on
// the homeserver.
func (s *Store) VirtualUserExists(matrixUsername string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
SELECT 1 FROM virtual_users WHERE matrix_username = ?
`, matrixUsername).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("virtual user exists: %w", err)
	}
	return true, nil
}

// AddVirtualUser records a registered virtual user. Idempotent.
func (s *Store) AddVirtualUser(matrixUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT OR IGNORE INTO virtual_users(matrix_username) VALUES(?)
`, matrixUsername)
	if err != nil {
		return fmt.Errorf("add virtual user: %w", err)
	}

	return nil
}

// VirtualUserInRoom reports whether the virtual user has already been
// invited and joined to the room.
func (s *Store) VirtualUserInRoom(matrixUsername, matrixRoom string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
SELECT 1 FROM virtual_user_rooms WHERE matrix_username = ? AND matrix_room = ?
`, matrixUsername, matrixRoom).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("virtual user in room: %w", err)
	}
	return true, nil
}

// AddVirtualUserInRoom records a virtual user's membership. Idempotent.
func (s *Store) AddVirtualUserInRoom(matrixUsername, matrixRoom string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT OR IGNORE INTO virtual_user_rooms(matrix_username, matrix_room) VALUES(?, ?)
`, matrixUsername, matrixRoom)
	if err != nil {
		return fmt.Errorf("add virtual user in room: %w", err)
	}

	return nil
}
