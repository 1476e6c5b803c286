package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// Request actions.
const (
	ActionPresence    = "presence"
	ActionAuth        = "authenticate"
	ActionAddContact  = "add_contact"
	ActionDelContact  = "del_contact"
	ActionGetContacts = "get_contacts"
	ActionMsg         = "msg"
	ActionContactList = "contact_list"
)

// Response status codes.
const (
	StatusOK         = 200
	StatusAccepted   = 202
	StatusBadRequest = 400
	StatusChallenge  = 401
	StatusAuthFailed = 402
)

// Envelope is one discrete protocol message: a JSON object of string keys.
// A request carries "action", a response carries "response".
type Envelope map[string]any

// NewRequest builds a request envelope with the action and current timestamp.
func NewRequest(action string) Envelope {
	return Envelope{
		"action": action,
		"time":   json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	}
}

// NewResponse builds a response envelope with the given status code.
func NewResponse(code int) Envelope {
	return Envelope{"response": json.Number(strconv.Itoa(code))}
}

// WithError returns e with an error description attached.
func (e Envelope) WithError(description string) Envelope {
	e["error"] = description
	return e
}

// Set assigns a field and returns e for chaining.
func (e Envelope) Set(key string, val any) Envelope {
	e[key] = val
	return e
}

// SetInt assigns an integer field, stored so that round-trips are lossless.
func (e Envelope) SetInt(key string, val int) Envelope {
	e[key] = json.Number(strconv.Itoa(val))
	return e
}

// Str returns the string value of a field, or "" if absent or not a string.
func (e Envelope) Str(key string) string {
	s, _ := e[key].(string)
	return s
}

// Int returns the integer value of a field, or 0 if absent or not numeric.
func (e Envelope) Int(key string) int {
	switch v := e[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Action returns the request verb, or "" for responses.
func (e Envelope) Action() string { return e.Str("action") }

// Response returns the status code, or 0 for requests.
func (e Envelope) Response() int { return e.Int("response") }

// IsRequest reports whether e carries an action verb.
func (e Envelope) IsRequest() bool {
	_, ok := e["action"]
	return ok
}

// User returns the nested "user" object, or nil if absent.
func (e Envelope) User() Envelope {
	switch v := e["user"].(type) {
	case map[string]any:
		return Envelope(v)
	case Envelope:
		return v
	}
	return nil
}

// AccountName returns user.account_name, or "".
func (e Envelope) AccountName() string {
	u := e.User()
	if u == nil {
		return ""
	}
	return u.Str("account_name")
}

// Password returns user.password, or "".
func (e Envelope) Password() string {
	u := e.User()
	if u == nil {
		return ""
	}
	return u.Str("password")
}

// Encode serializes the envelope to UTF-8 JSON.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeError reports a payload that is not a valid UTF-8 JSON object.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode envelope: " + e.Reason
}

// Decode parses one envelope from a JSON payload. Numbers are kept as
// json.Number so that decode(encode(e)) == e field for field.
func Decode(data []byte) (Envelope, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Reason: "payload is not valid UTF-8"}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if e == nil {
		return nil, &DecodeError{Reason: "payload is not a JSON object"}
	}
	return e, nil
}

// Equal reports whether two envelopes carry the same fields with equal
// values, comparing numeric fields by value regardless of representation.
func Equal(a, b Envelope) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(canonical(ja), canonical(jb))
}

func canonical(data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}
