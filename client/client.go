// Package client is a protocol-level client for the jim server: it dials,
// runs the login handshake, and splits inbound traffic into service
// responses and asynchronous chat events. It has no user interface.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"jim/protocol"
	"jim/security"
)

var (
	ErrAuthFailed = errors.New("authentication failed")
	ErrTimeout    = errors.New("timed out waiting for server response")
	ErrClosed     = errors.New("connection closed")
)

type Client struct {
	conn    net.Conn
	login   string
	timeout time.Duration

	// responses carries status envelopes and contact_list continuations;
	// Events carries incoming chat messages. Both are fed by one receive
	// goroutine, so per-connection arrival order is preserved.
	responses chan protocol.Envelope
	Events    chan protocol.Envelope
	done      chan struct{}
}

// Dial connects to a jim server. The returned client is not logged in.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:      conn,
		timeout:   timeout,
		responses: make(chan protocol.Envelope, 16),
		Events:    make(chan protocol.Envelope, 64),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// receiveLoop is the only reader of the socket. Chat messages go to
// Events; everything else is a service response.
func (c *Client) receiveLoop() {
	defer close(c.done)
	fr := protocol.NewFrameReader(c.conn, 0)
	for {
		envelope, err := fr.ReadEnvelope()
		if err != nil {
			return
		}
		if envelope.Action() == protocol.ActionMsg {
			select {
			case c.Events <- envelope:
			default: // drop if the consumer is not keeping up
			}
			continue
		}
		c.responses <- envelope
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Login returns the login name once authenticated.
func (c *Client) Login() string { return c.login }

func (c *Client) send(e protocol.Envelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return protocol.WriteFrame(c.conn, e)
}

func (c *Client) nextResponse() (protocol.Envelope, error) {
	select {
	case e := <-c.responses:
		return e, nil
	case <-c.done:
		return nil, ErrClosed
	case <-time.After(c.timeout):
		return nil, ErrTimeout
	}
}

func (c *Client) call(e protocol.Envelope) (protocol.Envelope, error) {
	if err := c.send(e); err != nil {
		return nil, err
	}
	return c.nextResponse()
}

// Register joins as a brand-new login, seeding the server with the
// derived secret so later visits can be challenged. The plaintext
// password never leaves the client.
func (c *Client) Register(login, password string) error {
	secret, err := security.PasswordHash(password)
	if err != nil {
		return err
	}
	presence := protocol.NewRequest(protocol.ActionPresence).
		Set("user", map[string]any{"account_name": login, "password": secret})
	resp, err := c.call(presence)
	if err != nil {
		return err
	}
	if resp.Response() != protocol.StatusOK {
		return responseErr(resp)
	}
	c.login = login
	return nil
}

// Authenticate performs the presence handshake for login. A first-time
// login is admitted directly; a returning login is challenged, and the
// password proves knowledge of the stored secret without crossing the
// wire.
func (c *Client) Authenticate(login, password string) error {
	presence := protocol.NewRequest(protocol.ActionPresence).
		Set("user", map[string]any{"account_name": login})
	resp, err := c.call(presence)
	if err != nil {
		return err
	}

	switch resp.Response() {
	case protocol.StatusOK:
		c.login = login
		return nil
	case protocol.StatusChallenge:
		// fall through to the digest exchange below
	default:
		return responseErr(resp)
	}

	token := resp.Str("token")
	secret, err := security.PasswordHash(password)
	if err != nil {
		return err
	}
	digest, err := security.AuthDigest(secret, token)
	if err != nil {
		return err
	}

	auth := protocol.NewRequest(protocol.ActionAuth).
		Set("user", map[string]any{"account_name": login, "password": digest})
	resp, err = c.call(auth)
	if err != nil {
		return err
	}
	switch resp.Response() {
	case protocol.StatusOK:
		c.login = login
		return nil
	case protocol.StatusAuthFailed:
		return ErrAuthFailed
	default:
		return responseErr(resp)
	}
}

func (c *Client) AddContact(login string) error {
	resp, err := c.call(protocol.NewRequest(protocol.ActionAddContact).
		Set("user_id", login))
	if err != nil {
		return err
	}
	return expectOK(resp)
}

func (c *Client) DelContact(login string) error {
	resp, err := c.call(protocol.NewRequest(protocol.ActionDelContact).
		Set("user_id", login))
	if err != nil {
		return err
	}
	return expectOK(resp)
}

// Contacts fetches the contact list: a 202 with the count, then that many
// contact_list envelopes.
func (c *Client) Contacts() ([]string, error) {
	resp, err := c.call(protocol.NewRequest(protocol.ActionGetContacts))
	if err != nil {
		return nil, err
	}
	if resp.Response() != protocol.StatusAccepted {
		return nil, responseErr(resp)
	}

	quantity := resp.Int("quantity")
	contacts := make([]string, 0, quantity)
	for i := 0; i < quantity; i++ {
		item, err := c.nextResponse()
		if err != nil {
			return nil, err
		}
		if item.Action() != protocol.ActionContactList {
			return nil, fmt.Errorf("unexpected envelope %q in contact list", item.Action())
		}
		contacts = append(contacts, item.Str("user_id"))
	}
	return contacts, nil
}

// SendMessage delivers text to another online user.
func (c *Client) SendMessage(to, text string) error {
	resp, err := c.call(protocol.NewRequest(protocol.ActionMsg).
		Set("to", to).
		Set("from", c.login).
		Set("encoding", "utf-8").
		Set("message", text))
	if err != nil {
		return err
	}
	return expectOK(resp)
}

func expectOK(resp protocol.Envelope) error {
	if resp.Response() == protocol.StatusOK {
		return nil
	}
	return responseErr(resp)
}

func responseErr(resp protocol.Envelope) error {
	if msg := resp.Str("error"); msg != "" {
		return fmt.Errorf("server: %d %s", resp.Response(), msg)
	}
	return fmt.Errorf("server: unexpected response %d", resp.Response())
}
