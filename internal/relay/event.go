package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Upstream event types the relay interprets.
const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdate  = "session.update"
	TypeAudioDelta     = "response.audio.delta"
	TypeAudioDone      = "response.audio.done"
	TypeError          = "error"
)

// Event is an inbound upstream event. It is one of [SessionCreated],
// [AudioDelta], [AudioDone] or [Unrecognized].
type Event interface {
	// EventType returns the wire type discriminator.
	EventType() string

	event()
}

// SessionInfo describes the upstream session announced by session.created.
type SessionInfo struct {
	ID           string   `json:"id"`
	Model        string   `json:"model,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
}

// SessionCreated marks the upstream session as ready for client events.
type SessionCreated struct {
	Session SessionInfo
}

// AudioDelta carries one base64 PCM16 fragment of a spoken response.
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

// AudioDone marks the end of a response's audio.
type AudioDone struct {
	ResponseID string
}

// Unrecognized is any other event. It is passed through to polling clients
// verbatim.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (SessionCreated) EventType() string { return TypeSessionCreated }
func (AudioDelta) EventType() string     { return TypeAudioDelta }
func (AudioDone) EventType() string      { return TypeAudioDone }
func (u Unrecognized) EventType() string { return u.Type }

func (SessionCreated) event() {}
func (AudioDelta) event()     {}
func (AudioDone) event()      {}
func (Unrecognized) event()   {}

// envelope holds the union of fields the relay reads from inbound events.
type envelope struct {
	Type       string       `json:"type"`
	ResponseID string       `json:"response_id"`
	ItemID     string       `json:"item_id"`
	Delta      *string      `json:"delta"`
	Session    *SessionInfo `json:"session"`
}

// ParseEvent decodes one inbound upstream message. It returns an error
// wrapping [ErrMalformedEvent] when data is not a JSON object with a type, or
// when a recognised event lacks the fields the relay routes on.
func ParseEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch env.Type {
	case TypeSessionCreated:
		var info SessionInfo
		if env.Session != nil {
			info = *env.Session
		}
		return SessionCreated{Session: info}, nil

	case TypeAudioDelta:
		if env.ResponseID == "" || env.Delta == nil {
			return nil, fmt.Errorf("%w: %s without response_id or delta", ErrMalformedEvent, env.Type)
		}
		return AudioDelta{ResponseID: env.ResponseID, ItemID: env.ItemID, Delta: *env.Delta}, nil

	case TypeAudioDone:
		if env.ResponseID == "" {
			return nil, fmt.Errorf("%w: %s without response_id", ErrMalformedEvent, env.Type)
		}
		return AudioDone{ResponseID: env.ResponseID}, nil

	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unrecognized{Type: env.Type, Raw: raw}, nil
	}
}

// outboundType returns the type of a client event, rejecting anything that is
// not a JSON object with a non-empty string type.
func outboundType(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", fmt.Errorf("%w: event must be a JSON object", ErrMalformedEvent)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return head.Type, nil
}

type sessionUpdate struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string `json:"instructions,omitempty"`
	Voice             string `json:"voice,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

// newSessionUpdate builds the configuration event sent right after
// session.created.
func newSessionUpdate(instructions, voice string) sessionUpdate {
	return sessionUpdate{
		EventID: newEventID(),
		Type:    TypeSessionUpdate,
		Session: sessionParams{
			Instructions:      instructions,
			Voice:             voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
}

// newEventID returns a client event id in the upstream's "event_" style.
func newEventID() string {
	return "event_" + uuid.NewString()
}
