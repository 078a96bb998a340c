package transport

import (
	"context"
	"errors"
)

// Kind identifies the shape of an outbound payload.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindLocation Kind = "location"
	KindButtons  Kind = "buttons"
)

// Known reports whether k maps to a distinct send shape. Unknown kinds
// are delivered with plain-text semantics using Body.
func (k Kind) Known() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument, KindLocation, KindButtons:
		return true
	}
	return false
}

// Payload is the channel-agnostic content of one outbound message.
// Body doubles as text body and media caption depending on Kind.
type Payload struct {
	Kind Kind   `json:"kind"`
	Body string `json:"body,omitempty"`

	// Media (image/video/audio/document).
	Data      []byte `json:"data,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
	VoiceNote bool   `json:"voice_note,omitempty"`

	// Location.
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	Buttons []Button `json:"buttons,omitempty"`
}

// Button is a single interactive option attached to a buttons payload.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// State of the underlying channel session as reported by the adapter.
type State string

const (
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosed  State = "closed"
)

// StateEvent is emitted on the stream returned by Connect.
// Terminal closures (e.g. remote logout) require external re-linking;
// the connection supervisor must not reconnect after one.
type StateEvent struct {
	State    State
	Cause    error
	Terminal bool
}

var (
	// ErrUnavailable marks transient send failures worth retrying.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrAuthRequired marks an unrecoverable session loss.
	ErrAuthRequired = errors.New("transport authentication required")
)

// Transport is the opaque capability used to reach the external channel.
// Exactly one logical session exists per process; only the connection
// supervisor may call Connect or Close.
type Transport interface {
	// Connect establishes the session and returns a stream of state
	// events. The stream is closed when the session ends.
	Connect(ctx context.Context) (<-chan StateEvent, error)

	// Send delivers one payload to destination. It must return within
	// the context deadline; absence of an acknowledgment is a failure.
	Send(ctx context.Context, destination string, p Payload) error

	// Ready reports whether the session currently accepts sends.
	Ready() bool

	Close(ctx context.Context) error
}
