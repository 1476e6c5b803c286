package models

import "time"

type User struct {
	ID              int64
	Login           string
	PasswordHash    string
	LastConnectTime time.Time
	LastConnectIP   string
}

// Contact is a directed edge: Owner considers Contact a friend.
type Contact struct {
	Owner   string
	Contact string
}
