package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind discriminates the signaling envelope union.
type Kind string

const (
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"

	// KindExistingUsers is sent to a joiner only: Users is the membership
	// snapshot taken before the matching user-joined broadcast, and User is
	// the joiner's own relay-assigned identity.
	KindExistingUsers Kind = "existing-users"
	KindUserJoined    Kind = "user-joined"
	KindUserLeft      Kind = "user-left"

	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"

	// Screen-share negotiation uses a disjoint kind namespace so it can never
	// be dispatched to the camera negotiation handlers.
	KindScreenOffer     Kind = "screen-offer"
	KindScreenAnswer    Kind = "screen-answer"
	KindScreenCandidate Kind = "screen-candidate"

	KindChatMessage    Kind = "chat-message"
	KindChatHistory    Kind = "chat-history"
	KindChatEdit       Kind = "chat-edit"
	KindChatDelete     Kind = "chat-delete"
	KindChatReact      Kind = "chat-react"
	KindChatPin        Kind = "chat-pin"
	KindPinnedMessages Kind = "pinned-messages"

	KindToggleVideo Kind = "toggle-video"
	KindToggleAudio Kind = "toggle-audio"

	KindError Kind = "error"
)

// UserInfo identifies a room member on the wire.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Envelope is the tagged union carried over the signaling channel.
//
// Only the fields relevant to a given Kind are populated; ParseEnvelope
// rejects envelopes whose required fields are missing.
type Envelope struct {
	Kind Kind   `json:"kind"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// join
	Room        string `json:"room,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// offer / answer / screen-offer / screen-answer
	Description *Description `json:"description,omitempty"`
	// IceRestart marks an offer generated to recover a failed transport.
	IceRestart bool `json:"iceRestart,omitempty"`

	// candidate / screen-candidate
	Candidate *Candidate `json:"candidate,omitempty"`

	// user-joined / user-left
	User *UserInfo `json:"user,omitempty"`
	// existing-users
	Users []UserInfo `json:"users,omitempty"`

	// chat-message, chat-history, pinned-messages
	Chat     *ChatMessage  `json:"chat,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Pinned   []string      `json:"pinned,omitempty"`

	// chat-edit / chat-delete / chat-react / chat-pin
	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
	Pin       *bool  `json:"pin,omitempty"`

	// toggle-video / toggle-audio
	On *bool `json:"on,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Directed reports whether the envelope must carry a single recipient in To.
// The relay forwards directed envelopes point to point and never broadcasts
// them.
func (e Envelope) Directed() bool {
	switch e.Kind {
	case KindOffer, KindAnswer, KindCandidate,
		KindScreenOffer, KindScreenAnswer, KindScreenCandidate:
		return true
	}
	return false
}

// ScreenKind reports whether the envelope belongs to the screen-share
// negotiation namespace.
func (e Envelope) ScreenKind() bool {
	switch e.Kind {
	case KindScreenOffer, KindScreenAnswer, KindScreenCandidate:
		return true
	}
	return false
}

// ParseEnvelope decodes and validates a wire envelope. Unknown fields and
// trailing data are rejected so malformed clients fail loudly instead of
// being partially interpreted.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the fields required by the envelope's kind.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindJoin:
		if e.Room == "" {
			return fmt.Errorf("join envelope missing room")
		}
		if e.DisplayName == "" {
			return fmt.Errorf("join envelope missing displayName")
		}
	case KindLeave:
		// No payload.
	case KindOffer, KindScreenOffer:
		if e.To == "" {
			return fmt.Errorf("%s envelope missing to", e.Kind)
		}
		if e.Description == nil {
			return fmt.Errorf("%s envelope missing description", e.Kind)
		}
		if e.Description.Type != "offer" {
			return fmt.Errorf("%s envelope has description.type=%q", e.Kind, e.Description.Type)
		}
	case KindAnswer, KindScreenAnswer:
		if e.To == "" {
			return fmt.Errorf("%s envelope missing to", e.Kind)
		}
		if e.Description == nil {
			return fmt.Errorf("%s envelope missing description", e.Kind)
		}
		if e.Description.Type != "answer" {
			return fmt.Errorf("%s envelope has description.type=%q", e.Kind, e.Description.Type)
		}
	case KindCandidate, KindScreenCandidate:
		if e.To == "" {
			return fmt.Errorf("%s envelope missing to", e.Kind)
		}
		if e.Candidate == nil {
			return fmt.Errorf("%s envelope missing candidate", e.Kind)
		}
	case KindChatMessage:
		if e.Chat == nil {
			return fmt.Errorf("chat-message envelope missing chat")
		}
	case KindChatEdit:
		if e.MessageID == "" {
			return fmt.Errorf("chat-edit envelope missing messageId")
		}
		if e.Text == "" {
			return fmt.Errorf("chat-edit envelope missing text")
		}
	case KindChatDelete:
		if e.MessageID == "" {
			return fmt.Errorf("chat-delete envelope missing messageId")
		}
	case KindChatReact:
		if e.MessageID == "" {
			return fmt.Errorf("chat-react envelope missing messageId")
		}
		if e.Reaction == "" {
			return fmt.Errorf("chat-react envelope missing reaction")
		}
	case KindChatPin:
		if e.MessageID == "" {
			return fmt.Errorf("chat-pin envelope missing messageId")
		}
		if e.Pin == nil {
			return fmt.Errorf("chat-pin envelope missing pin")
		}
	case KindToggleVideo, KindToggleAudio:
		if e.On == nil {
			return fmt.Errorf("%s envelope missing on", e.Kind)
		}
	case KindExistingUsers, KindUserJoined, KindUserLeft,
		KindChatHistory, KindPinnedMessages:
		// Relay-originated kinds; clients never send these, and the relay
		// constructs them directly.
	case KindError:
		if e.Code == "" {
			return fmt.Errorf("error envelope missing code")
		}
	default:
		return fmt.Errorf("unsupported envelope kind %q", e.Kind)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
