// Package storage persists users, last-seen metadata, and directed
// contact edges. The router consumes the Store interface; SQLite is the
// shipped implementation.
package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"jim/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store is the contact-store contract consumed by the protocol router.
// All calls are synchronous; implementations must be safe for use from
// multiple goroutines.
type Store interface {
	UserExists(login string) (bool, error)
	CreateUser(login, passwordHash string) error
	PasswordHash(login string) (string, error)
	Touch(login string, t time.Time, ip string) error
	HasEdge(owner, contact string) (bool, error)
	AddEdge(owner, contact string) error
	RemoveEdge(owner, contact string) error
	EdgesOf(owner string) ([]string, error)
	Close() error
}

// SQLite implements Store on a single sqlite3 database. A path of
// ":memory:" keeps everything in memory.
type SQLite struct {
	conn *sql.DB
}

func Open(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	s := &SQLite{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			last_connect_time TEXT,
			last_connect_ip TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			PRIMARY KEY (owner, contact)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
	}
	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) UserExists(login string) (bool, error) {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLite) CreateUser(login, passwordHash string) error {
	_, err := s.conn.Exec(
		"INSERT INTO users (login, password_hash) VALUES (?, ?)",
		login, passwordHash,
	)
	if isConstraintErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLite) PasswordHash(login string) (string, error) {
	var hash string
	err := s.conn.QueryRow("SELECT password_hash FROM users WHERE login = ?", login).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Touch records a successful connect: time and source address.
func (s *SQLite) Touch(login string, t time.Time, ip string) error {
	result, err := s.conn.Exec(
		"UPDATE users SET last_connect_time = ?, last_connect_ip = ? WHERE login = ?",
		t.UTC().Format(time.RFC3339), ip, login,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUser returns the full user record, mainly for tests and tooling.
func (s *SQLite) GetUser(login string) (*models.User, error) {
	var u models.User
	var timeStr, ip sql.NullString
	err := s.conn.QueryRow(
		"SELECT id, login, password_hash, last_connect_time, last_connect_ip FROM users WHERE login = ?",
		login,
	).Scan(&u.ID, &u.Login, &u.PasswordHash, &timeStr, &ip)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if timeStr.Valid && timeStr.String != "" {
		u.LastConnectTime, _ = time.Parse(time.RFC3339, timeStr.String)
	}
	u.LastConnectIP = ip.String
	return &u, nil
}

func (s *SQLite) HasEdge(owner, contact string) (bool, error) {
	var count int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM contacts WHERE owner = ? AND contact = ?",
		owner, contact,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLite) AddEdge(owner, contact string) error {
	_, err := s.conn.Exec("INSERT INTO contacts (owner, contact) VALUES (?, ?)", owner, contact)
	if isConstraintErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLite) RemoveEdge(owner, contact string) error {
	result, err := s.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// EdgesOf returns the owner's contact logins in insertion order.
func (s *SQLite) EdgesOf(owner string) ([]string, error) {
	rows, err := s.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY rowid", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
