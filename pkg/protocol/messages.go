package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedControl is returned when a control message is not valid JSON or
// lacks a "type" field.
var ErrMalformedControl = errors.New("protocol: malformed control message")

// Control message types exchanged over the text channel.
const (
	TypeHello            = "hello"
	TypeWakeWordDetected = "wake_word_detected"
	TypeStartListening   = "start_listening"
	TypeStopListening    = "stop_listening"
	TypeAbortSpeaking    = "abort_speaking"

	// Firmware-native forms of the listening and abort commands.
	TypeListen = "listen"
	TypeAbort  = "abort"

	// TypeTTS is sent by the server to bracket synthesised speech.
	TypeTTS = "tts"

	// TypeSTT carries recognised user speech to the client's display.
	TypeSTT = "stt"
)

// Values of the "state" field on listen and tts messages.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"

	TTSStart         = "start"
	TTSStop          = "stop"
	TTSSentenceStart = "sentence_start"
)

// AudioParams describes the audio stream one side of the connection expects.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// Features lists the optional client capabilities announced in the hello.
type Features struct {
	AEC bool `json:"aec,omitempty"`
	MCP bool `json:"mcp,omitempty"`
}

// ClientHello is the first message a client sends after connecting.
type ClientHello struct {
	Type        string       `json:"type"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	Features    *Features    `json:"features,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// ServerHello is the gateway's reply to a [ClientHello].
type ServerHello struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams AudioParams `json:"audio_params"`
}

// NewServerHello returns a hello reply for the websocket transport.
func NewServerHello(sessionID string, params AudioParams) ServerHello {
	return ServerHello{
		Type:        TypeHello,
		Transport:   "websocket",
		SessionID:   sessionID,
		AudioParams: params,
	}
}

// ListenMessage is the firmware's listen command.
type ListenMessage struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"` // auto, manual or realtime
	Text  string `json:"text,omitempty"`
}

// AbortMessage asks the server to stop speaking.
type AbortMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// TTSMessage tells the client that server speech starts or stops.
type TTSMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// STTMessage shows what the server heard the user say.
type STTMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

// ControlMessage is a parsed text-channel message. Raw keeps the original bytes
// so that handlers can decode the type-specific body.
type ControlMessage struct {
	Type string
	Raw  json.RawMessage
}

// ParseControl extracts the message type from a JSON control message.
func ParseControl(data []byte) (ControlMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %w", ErrMalformedControl, err)
	}
	if envelope.Type == "" {
		return ControlMessage{}, fmt.Errorf("%w: missing type", ErrMalformedControl)
	}
	return ControlMessage{Type: envelope.Type, Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the full message body into v.
func (m ControlMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedControl, m.Type, err)
	}
	return nil
}

// IsAbort reports whether m asks the server to stop speaking.
func (m ControlMessage) IsAbort() bool {
	return m.Type == TypeAbort || m.Type == TypeAbortSpeaking
}
