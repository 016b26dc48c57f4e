// Package s2s defines the Provider interface for realtime speech-to-speech
// backends.
//
// An S2S provider wraps a cloud voice service that accepts a continuous audio
// stream and answers with synthesised speech over one stateful session.
// Examples include the OpenAI Realtime API (and its Azure deployment) and
// Gemini Live.
//
// The central abstraction is SessionHandle. Audio goes in through SendAudio;
// everything the backend produces comes back as typed [Event] values on a
// single channel so that consumers see audio, end-of-response markers and
// barge-in notifications in the order the backend emitted them.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"slices"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrSessionClosed is returned by SessionHandle methods called after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// EventType classifies an [Event].
type EventType int

const (
	// EventAudio carries a chunk of synthesised speech in the session's output
	// format.
	EventAudio EventType = iota

	// EventAudioDone marks the end of the audio for the current response.
	EventAudioDone

	// EventInterrupted reports that the user started speaking over the model
	// (barge-in). Any audio not yet played should be discarded.
	EventInterrupted

	// EventTranscript carries recognised user speech or the text of the
	// model's spoken answer.
	EventTranscript

	// EventError reports a non-fatal error raised by the backend. Fatal errors
	// close the event channel and are available from SessionHandle.Err.
	EventError
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventAudioDone:
		return "audio_done"
	case EventInterrupted:
		return "interrupted"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item produced by a backend session.
type Event struct {
	Type EventType

	// Audio is set for EventAudio, encoded in SessionConfig.OutputFormat.
	Audio []byte

	// Role and Text are set for EventTranscript. Role is "user" or "assistant".
	Role string
	Text string

	// Err is set for EventError.
	Err error
}

// Voice is a selectable synthesis voice.
type Voice struct {
	ID   string
	Name string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Instructions is the system prompt for the conversation.
	Instructions string

	// Voice selects the synthesis voice. Empty uses the provider default.
	Voice string

	// InputFormat and OutputFormat are the audio encodings exchanged with the
	// backend. Providers that support a single encoding ignore them.
	InputFormat  audio.Format
	OutputFormat audio.Format

	// SampleRate is the rate of audio sent to and received from the backend.
	// Zero selects the provider's native rate; see Capabilities.
	SampleRate int

	// AgentID and ConversationID identify the logical conversation. They are
	// informational and may be forwarded as metadata.
	AgentID        string
	ConversationID string
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// InputSampleRate and OutputSampleRate are the native audio rates of the
	// backend. They may differ (Gemini Live takes 16 kHz and speaks 24 kHz).
	InputSampleRate  int
	OutputSampleRate int

	// Formats lists the audio encodings the backend accepts.
	Formats []audio.Format

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds. Zero means no documented limit.
	MaxSessionDurationMs int

	// SupportsInterrupt reports whether Interrupt cancels an in-flight response.
	SupportsInterrupt bool

	// Voices lists the voices available for this provider.
	Voices []Voice
}

// SupportsFormat reports whether f is listed in c.Formats.
func (c Capabilities) SupportsFormat(f audio.Format) bool {
	return slices.Contains(c.Formats, f)
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers an audio chunk in the session's input format. Returns
	// ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Events returns the channel on which backend events arrive in order. It is
	// closed when the session ends, either through Close or because the backend
	// connection failed; check Err afterwards. Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil after a clean close.
	Err() error

	// Interrupt asks the backend to stop the current response.
	Interrupt() error

	// Close terminates the session and closes the Events channel. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session. The returned SessionHandle accepts
	// audio immediately. The caller owns the handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
