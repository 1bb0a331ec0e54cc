package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultPriority is the priority assigned to envelopes that do not carry one.
const DefaultPriority = 1

// Kind distinguishes requests from replies.
type Kind int

const (
	KindRequest Kind = iota
	KindReply
)

func (k Kind) String() string {
	if k == KindReply {
		return "reply"
	}
	return "request"
}

// Envelope is the unit of exchange on a connection. An envelope is either a
// request (ReplyTo empty) or a reply correlated to an earlier request id.
type Envelope struct {
	ID       string          `json:"id"`
	ReplyTo  string          `json:"replyto,omitempty"`
	Command  string          `json:"command"`
	Data     json.RawMessage `json:"data,omitempty"`
	JWT      string          `json:"jwt,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

// FromCommand creates a request envelope with a fresh id.
func FromCommand(command string) Envelope {
	return Envelope{
		ID:       uuid.New().String(),
		Command:  command,
		Priority: DefaultPriority,
	}
}

// wireEnvelope accepts data either embedded or as a JSON encoded string.
type wireEnvelope struct {
	ID       string          `json:"id"`
	ReplyTo  string          `json:"replyto"`
	Command  string          `json:"command"`
	Data     json.RawMessage `json:"data"`
	JWT      string          `json:"jwt"`
	Priority *int            `json:"priority"`
}

// FromWire decodes an envelope from its wire representation.
func FromWire(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, &MalformedMessageError{Reason: err.Error()}
	}
	if w.ID == "" && w.ReplyTo == "" {
		return Envelope{}, &MalformedMessageError{Reason: "missing id"}
	}
	if w.ReplyTo == "" && w.Command == "" {
		return Envelope{}, &MalformedMessageError{Reason: "missing command"}
	}

	data, err := normalizeData(w.Data)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		ID:       w.ID,
		ReplyTo:  w.ReplyTo,
		Command:  w.Command,
		Data:     data,
		JWT:      w.JWT,
		Priority: DefaultPriority,
	}
	if w.Priority != nil {
		env.Priority = *w.Priority
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	return env, nil
}

func normalizeData(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '"' {
		if !json.Valid(trimmed) {
			return nil, &MalformedMessageError{Reason: "data is not valid json"}
		}
		return json.RawMessage(trimmed), nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, &MalformedMessageError{Reason: err.Error()}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, &MalformedMessageError{Reason: "data is not valid json"}
	}
	return json.RawMessage(s), nil
}

// ToWire encodes the envelope.
func (e Envelope) ToWire() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope %s: %w", e.ID, err)
	}
	return b, nil
}

// Kind reports whether the envelope is a request or a reply.
func (e Envelope) Kind() Kind {
	if e.ReplyTo != "" {
		return KindReply
	}
	return KindRequest
}

// Reply returns the reply envelope for e. The command is kept unless a
// non-empty replacement is given. The receiver is not modified.
func (e Envelope) Reply(command string) Envelope {
	r := e
	if command != "" {
		r.Command = command
	}
	r.ReplyTo = e.ID
	r.ID = uuid.New().String()
	return r
}

// WithData returns a copy of e carrying v as payload.
func (e Envelope) WithData(v any) (Envelope, error) {
	if v == nil {
		e.Data = nil
		return e, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		e.Data = raw
		return e, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return e, fmt.Errorf("failed to encode payload for %s: %w", e.Command, err)
	}
	e.Data = b
	return e, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &MalformedMessageError{Reason: err.Error()}
	}
	return nil
}

// Object decodes the payload as a JSON object. Non-object payloads yield nil.
func (e Envelope) Object() map[string]any {
	if len(e.Data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil
	}
	return m
}

// ErrorReply builds the generic error reply for e.
func (e Envelope) ErrorReply(message string) Envelope {
	r := e.Reply("error")
	r.Data, _ = json.Marshal(map[string]string{"message": message})
	return r
}

// NotSignedInMessage is sent when a command requires a token and none is available.
const NotSignedInMessage = "Not signed in, and missing jwt"

// EnsureAuthToken resolves the token for an authenticated command. A non-empty
// jwt string inside the payload object wins, then the envelope jwt, then the
// session token. The jwt key never survives in the payload. When no token is
// found the returned envelope is the error reply to send and ok is false.
func (e Envelope) EnsureAuthToken(sessionToken string) (Envelope, bool) {
	var obj map[string]json.RawMessage
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &obj) == nil && obj != nil {
		if raw, ok := obj["jwt"]; ok {
			delete(obj, "jwt")
			e.Data, _ = json.Marshal(obj)
			var tok string
			if json.Unmarshal(raw, &tok) == nil && tok != "" {
				e.JWT = tok
				return e, true
			}
		}
	}
	if e.JWT != "" {
		return e, true
	}
	if sessionToken != "" {
		e.JWT = sessionToken
		return e, true
	}
	return e.ErrorReply(NotSignedInMessage), false
}
