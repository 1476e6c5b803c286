package server

import (
	"encoding/hex"
	"errors"
	"time"

	"jim/protocol"
	"jim/security"
	"jim/storage"
)

// handleEnvelope interprets one decoded envelope against the session's
// state. raw is the undecoded payload, kept so a chat message can be
// relayed to its recipient byte for byte.
func (s *Server) handleEnvelope(session *Session, envelope protocol.Envelope, raw []byte) {
	action := envelope.Action()

	switch action {
	case protocol.ActionPresence, protocol.ActionAuth,
		protocol.ActionAddContact, protocol.ActionDelContact,
		protocol.ActionGetContacts, protocol.ActionMsg:
	default:
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("unknown action"))
		return
	}

	switch session.State {
	case StateUnauthenticated:
		if action != protocol.ActionPresence {
			s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
				WithError("not authenticated"))
			return
		}
		s.handlePresence(session, envelope)

	case StateChallenged:
		if action != protocol.ActionAuth {
			s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
				WithError("not authenticated"))
			return
		}
		s.handleAuthenticate(session, envelope)

	case StateAuthenticated:
		switch action {
		case protocol.ActionPresence, protocol.ActionAuth:
			s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
				WithError("already online"))
		case protocol.ActionAddContact:
			s.handleAddContact(session, envelope)
		case protocol.ActionDelContact:
			s.handleDelContact(session, envelope)
		case protocol.ActionGetContacts:
			s.handleGetContacts(session)
		case protocol.ActionMsg:
			s.handleMsg(session, envelope, raw)
		}
	}
}

// handlePresence admits a brand-new login immediately and challenges a
// returning one. An online login cannot be taken over.
func (s *Server) handlePresence(session *Session, envelope protocol.Envelope) {
	login := envelope.AccountName()
	if login == "" {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("account_name required"))
		return
	}

	exists, err := s.store.UserExists(login)
	if err != nil {
		s.internalError(session, "presence", err)
		return
	}

	if !exists {
		// First-time join: register and admit without a challenge. An
		// optional hex-encoded derived secret seeds the credential for
		// future visits; plaintext passwords never cross the wire.
		hash := envelope.Password()
		if hash != "" {
			if _, err := hex.DecodeString(hash); err != nil {
				s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
					WithError("malformed credential"))
				return
			}
		}
		if err := s.store.CreateUser(login, hash); err != nil {
			s.internalError(session, "presence", err)
			return
		}
		if err := s.sessions.BindLogin(session, login); err != nil {
			s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
				WithError("already online"))
			return
		}
		if err := s.store.Touch(login, time.Now().UTC(), session.RemoteIP); err != nil {
			s.log.Printf("touch failed for %s: %v", login, err)
		}
		s.log.Printf("new client %s registered from %s", login, session.RemoteIP)
		s.send(session, protocol.NewResponse(protocol.StatusOK))
		return
	}

	if s.sessions.Online(login) {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("already online"))
		return
	}

	token, err := security.NewToken()
	if err != nil {
		s.internalError(session, "presence", err)
		return
	}
	session.PendingLogin = login
	session.PendingToken = token
	session.State = StateChallenged
	s.send(session, protocol.NewResponse(protocol.StatusChallenge).
		Set("token", token))
}

// handleAuthenticate verifies the digest for the login challenged on this
// session. A mismatch keeps the session Challenged so the client may retry.
func (s *Server) handleAuthenticate(session *Session, envelope protocol.Envelope) {
	login := envelope.AccountName()
	digest := envelope.Password()
	if login == "" || digest == "" {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("account_name and password required"))
		return
	}
	if login != session.PendingLogin {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("login does not match challenge"))
		return
	}

	secret, err := s.store.PasswordHash(login)
	if err != nil {
		s.internalError(session, "authenticate", err)
		return
	}

	if !security.Verify(secret, session.PendingToken, digest) {
		s.send(session, protocol.NewResponse(protocol.StatusAuthFailed).
			WithError("authentication failed"))
		return
	}

	if err := s.sessions.BindLogin(session, login); err != nil {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("already online"))
		return
	}
	if err := s.store.Touch(login, time.Now().UTC(), session.RemoteIP); err != nil {
		s.log.Printf("touch failed for %s: %v", login, err)
	}
	s.log.Printf("client %s authenticated from %s", login, session.RemoteIP)
	s.send(session, protocol.NewResponse(protocol.StatusOK))
}

func (s *Server) handleAddContact(session *Session, envelope protocol.Envelope) {
	contact := envelope.Str("user_id")
	if contact == "" {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("user_id required"))
		return
	}

	exists, err := s.store.UserExists(contact)
	if err != nil {
		s.internalError(session, "add_contact", err)
		return
	}
	if !exists {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("user not found"))
		return
	}

	err = s.store.AddEdge(session.Login, contact)
	if errors.Is(err, storage.ErrDuplicate) {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("already in contacts"))
		return
	}
	if err != nil {
		s.internalError(session, "add_contact", err)
		return
	}
	s.send(session, protocol.NewResponse(protocol.StatusOK))
}

func (s *Server) handleDelContact(session *Session, envelope protocol.Envelope) {
	contact := envelope.Str("user_id")
	if contact == "" {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("user_id required"))
		return
	}

	exists, err := s.store.UserExists(contact)
	if err != nil {
		s.internalError(session, "del_contact", err)
		return
	}
	if !exists {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("user not found"))
		return
	}

	err = s.store.RemoveEdge(session.Login, contact)
	if errors.Is(err, storage.ErrNotFound) {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("not in contacts"))
		return
	}
	if err != nil {
		s.internalError(session, "del_contact", err)
		return
	}
	s.send(session, protocol.NewResponse(protocol.StatusOK))
}

// handleGetContacts answers with a 202 carrying the edge count, then one
// contact_list envelope per contact in store order.
func (s *Server) handleGetContacts(session *Session) {
	contacts, err := s.store.EdgesOf(session.Login)
	if err != nil {
		s.internalError(session, "get_contacts", err)
		return
	}

	if !s.send(session, protocol.NewResponse(protocol.StatusAccepted).
		SetInt("quantity", len(contacts))) {
		return
	}
	for _, contact := range contacts {
		item := protocol.Envelope{
			"action":  protocol.ActionContactList,
			"user_id": contact,
		}
		if !s.send(session, item) {
			return
		}
	}
}

// handleMsg relays a chat message to the recipient's live session. The
// recipient receives the sender's envelope verbatim; offline recipients
// mean the message is dropped.
func (s *Server) handleMsg(session *Session, envelope protocol.Envelope, raw []byte) {
	to := envelope.Str("to")
	if to == "" {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("recipient required"))
		return
	}

	recipient, online := s.sessions.ByLogin(to)
	if !online {
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("user "+to+" is offline"))
		return
	}

	if err := recipient.WriteFramed(protocol.Frame(raw)); err != nil {
		s.log.Printf("relay to %s failed: %v", to, err)
		s.destroySession(recipient)
		s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
			WithError("user "+to+" is offline"))
		return
	}
	s.send(session, protocol.NewResponse(protocol.StatusOK))
}

// send writes a response envelope to the session, tearing the session
// down on a socket error. Reports whether the write succeeded.
func (s *Server) send(session *Session, e protocol.Envelope) bool {
	if err := session.Write(e); err != nil {
		if !isClosedErr(err) {
			s.log.Printf("write error to %s: %v", session.RemoteIP, err)
		}
		s.destroySession(session)
		return false
	}
	return true
}

// internalError converts a store or crypto failure into a business-level
// response; it never crashes the connection loop.
func (s *Server) internalError(session *Session, operation string, err error) {
	s.log.Printf("%s error: %v", operation, err)
	s.send(session, protocol.NewResponse(protocol.StatusBadRequest).
		WithError("internal error"))
}
