package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"jim/protocol"
)

// State of one connection's authentication handshake.
type State int

const (
	StateUnauthenticated State = iota
	StateChallenged
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// ErrAlreadyOnline is returned by BindLogin when another session already
// holds the login.
var ErrAlreadyOnline = errors.New("login already online")

// Session is the server-side record of one live connection. It is mutated
// only by the goroutine reading that connection; concurrent writers go
// through Write, which serializes socket access.
type Session struct {
	ID           string
	Conn         net.Conn
	Login        string // set on transition to Authenticated
	State        State
	PendingLogin string // login named by the challenge, set only while Challenged
	PendingToken string // set only while Challenged
	RemoteIP     string

	writeTimeout time.Duration
	wmu          sync.Mutex
}

func newSession(conn net.Conn, writeTimeout time.Duration) *Session {
	ip := ""
	if addr := conn.RemoteAddr(); addr != nil {
		host, _, err := net.SplitHostPort(addr.String())
		if err == nil {
			ip = host
		} else {
			ip = addr.String()
		}
	}
	return &Session{
		ID:           uuid.NewString(),
		Conn:         conn,
		State:        StateUnauthenticated,
		RemoteIP:     ip,
		writeTimeout: writeTimeout,
	}
}

// Write sends one envelope to the session's socket.
func (s *Session) Write(e protocol.Envelope) error {
	buf, err := protocol.EncodeFrame(e)
	if err != nil {
		return err
	}
	return s.writeRaw(buf)
}

// WriteFramed sends a pre-framed byte sequence verbatim. Used for message
// relay, where the recipient must receive the sender's exact payload.
func (s *Session) WriteFramed(frame []byte) error {
	return s.writeRaw(frame)
}

func (s *Session) writeRaw(buf []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.Conn.Write(buf)
	return err
}

// Table indexes live sessions by session ID and, once authenticated, by
// login. One mutex guards both indexes so the at-most-one-online check
// and the login bind are a single atomic step.
type Table struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byLogin map[string]*Session
}

func NewTable() *Table {
	return &Table{
		byID:    make(map[string]*Session),
		byLogin: make(map[string]*Session),
	}
}

func (t *Table) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s.ID] = s
}

// BindLogin registers the session under a login and marks it
// Authenticated. Fails if another live session already holds the login.
func (t *Table) BindLogin(s *Session, login string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if other, ok := t.byLogin[login]; ok && other != s {
		return ErrAlreadyOnline
	}
	s.Login = login
	s.State = StateAuthenticated
	s.PendingLogin = ""
	s.PendingToken = ""
	t.byLogin[login] = s
	return nil
}

// Remove drops the session from both indexes. The login entry is removed
// only if it still points at this session.
func (t *Table) Remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, s.ID)
	if s.Login != "" {
		if bound, ok := t.byLogin[s.Login]; ok && bound == s {
			delete(t.byLogin, s.Login)
		}
	}
}

// ByLogin returns the authenticated session holding a login, if online.
func (t *Table) ByLogin(login string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byLogin[login]
	return s, ok
}

// Online reports whether any live session holds the login.
func (t *Table) Online(login string) bool {
	_, ok := t.ByLogin(login)
	return ok
}

// Len reports the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// All returns a snapshot of every live session.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sessions := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		sessions = append(sessions, s)
	}
	return sessions
}

// Logins returns the logins currently online.
func (t *Table) Logins() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	logins := make([]string, 0, len(t.byLogin))
	for login := range t.byLogin {
		logins = append(logins, login)
	}
	return logins
}
