package client

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Message is one entry in the local chat history.
type Message struct {
	Contact  string
	Incoming bool
	Text     string
}

// Cache is the client's local store of contacts and message history.
// A path of ":memory:" keeps it in memory.
type Cache struct {
	conn *sql.DB
}

func OpenCache(path string) (*Cache, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1")
	if err != nil {
		return nil, err
	}
	c := &Cache{conn: conn}
	if err := c.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.conn.Close()
}

func (c *Cache) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact_id INTEGER NOT NULL,
			incoming INTEGER NOT NULL,
			text TEXT NOT NULL,
			FOREIGN KEY (contact_id) REFERENCES contacts(id)
		)`,
	}
	for _, query := range queries {
		if _, err := c.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) AddContact(login string) error {
	_, err := c.conn.Exec("INSERT INTO contacts (login) VALUES (?)", login)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return nil // already cached
	}
	return err
}

func (c *Cache) DeleteContact(login string) error {
	_, err := c.conn.Exec("DELETE FROM contacts WHERE login = ?", login)
	return err
}

func (c *Cache) Contacts() ([]string, error) {
	rows, err := c.conn.Query("SELECT login FROM contacts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

// AddMessage records one history entry, creating the contact row if the
// peer is not cached yet.
func (c *Cache) AddMessage(contact string, incoming bool, text string) error {
	if err := c.AddContact(contact); err != nil {
		return err
	}
	_, err := c.conn.Exec(
		`INSERT INTO messages (contact_id, incoming, text)
		 SELECT id, ?, ? FROM contacts WHERE login = ?`,
		boolToInt(incoming), text, contact,
	)
	return err
}

// Messages returns the history with one contact in insertion order.
func (c *Cache) Messages(contact string) ([]Message, error) {
	rows, err := c.conn.Query(
		`SELECT m.incoming, m.text FROM messages m
		 JOIN contacts c ON c.id = m.contact_id
		 WHERE c.login = ? ORDER BY m.id`,
		contact,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var incoming int
		var text string
		if err := rows.Scan(&incoming, &text); err != nil {
			return nil, err
		}
		messages = append(messages, Message{
			Contact:  contact,
			Incoming: incoming != 0,
			Text:     text,
		})
	}
	return messages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
