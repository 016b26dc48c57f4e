// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime API protocol. Audio is
// transmitted base64-encoded as either PCM16 at 24 kHz or G.711 μ-law at
// 8 kHz. The same wire protocol is served by Azure OpenAI deployments; see
// [WithAzure].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	defaultAzureAPIVersion = "2024-10-01-preview"

	// PCM16 is exchanged at 24 kHz; g711_ulaw implies 8 kHz.
	pcmSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions. For Azure this is the
// deployment name.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAzure switches to Azure OpenAI conventions: the API key is sent in the
// api-key header and the model is addressed as a deployment. The base URL
// must be set to the resource's realtime endpoint, e.g.
// wss://my-resource.openai.azure.com/openai/realtime. An empty apiVersion
// selects a default.
func WithAzure(apiVersion string) Option {
	return func(p *Provider) {
		p.azure = true
		if apiVersion == "" {
			apiVersion = defaultAzureAPIVersion
		}
		p.apiVersion = apiVersion
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	azure      bool
	apiVersion string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      pcmSampleRate,
		OutputSampleRate:     pcmSampleRate,
		Formats:              []audio.Format{audio.FormatPCM16, audio.FormatULaw},
		MaxSessionDurationMs: 30 * 60 * 1000,
		SupportsInterrupt:    true,
		Voices: []s2s.Voice{
			{ID: "alloy", Name: "Alloy"},
			{ID: "ash", Name: "Ash"},
			{ID: "ballad", Name: "Ballad"},
			{ID: "coral", Name: "Coral"},
			{ID: "echo", Name: "Echo"},
			{ID: "sage", Name: "Sage"},
			{ID: "shimmer", Name: "Shimmer"},
			{ID: "verse", Name: "Verse"},
		},
	}
}

func (p *Provider) dialTarget() (string, http.Header) {
	q := url.Values{}
	header := http.Header{}
	if p.azure {
		q.Set("api-version", p.apiVersion)
		q.Set("deployment", p.model)
		header.Set("api-key", p.apiKey)
	} else {
		q.Set("model", p.model)
		header.Set("Authorization", "Bearer "+p.apiKey)
		header.Set("OpenAI-Beta", "realtime=v1")
	}
	return p.baseURL + "?" + q.Encode(), header
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL, header := p.dialTarget()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Base64 audio deltas routinely exceed the library's 32 KiB default.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 in input_audio_format
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// wireFormat maps an audio format onto the Realtime API's format names.
// Anything but μ-law is sent as pcm16.
func wireFormat(f audio.Format) string {
	if f == audio.FormatULaw {
		return "g711_ulaw"
	}
	return "pcm16"
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, turn detection and audio formats.
func (s *session) sendSessionUpdate(cfg s2s.SessionConfig) error {
	params := sessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        wireFormat(cfg.InputFormat),
		OutputAudioFormat:       wireFormat(cfg.OutputFormat),
		InputAudioTranscription: &inputAudioTranscription{Model: "whisper-1"},
		TurnDetection:           &turnDetection{Type: "server_vad"},
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(s2s.Event{Type: s2s.EventAudio, Audio: audioData})

	case "response.audio.done":
		s.emit(s2s.Event{Type: s2s.EventAudioDone})

	case "input_audio_buffer.speech_started":
		s.emit(s2s.Event{Type: s2s.EventInterrupted})

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return
		}
		s.emit(s2s.Event{Type: s2s.EventTranscript, Role: "assistant", Text: evt.Transcript})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(s2s.Event{Type: s2s.EventTranscript, Role: "user", Text: evt.Transcript})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

func (s *session) emit(e s2s.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a chunk to the server-side input audio buffer.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Events returns the channel on which backend events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
