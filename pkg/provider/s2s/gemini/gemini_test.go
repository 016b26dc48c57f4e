package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/s2s"
	"github.com/MrWong99/voxgate/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for one event from h.
func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case e, ok := <-h.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Provider ──────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d; want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if !caps.SupportsFormat(audio.FormatPCM16) || caps.SupportsFormat(audio.FormatULaw) {
		t.Errorf("Formats = %v; want pcm16 only", caps.Formats)
	}
	if caps.SupportsInterrupt {
		t.Error("SupportsInterrupt should be false")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}

	type request struct {
		key   string
		setup setupMsg
	}
	got := make(chan request, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		got <- request{key: r.URL.Query().Get("key"), setup: msg}
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("k&y", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions: "Be brief.",
		Voice:        "Kore",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case r := <-got:
		if r.key != "k&y" {
			t.Errorf("key = %q; want k&y", r.key)
		}
		s := r.setup.Setup
		if s.Model != "models/custom-model" {
			t.Errorf("model = %q; want models/custom-model", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v", s.GenerationConfig.ResponseModalities)
		}
		if v := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
			t.Errorf("voiceName = %q; want Kore", v)
		}
		if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "Be brief." {
			t.Errorf("systemInstruction = %+v", s.SystemInstruction)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestSendAudio_UsesRealtimeInput(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	received := make(chan chunkMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		var msg chunkMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("mediaChunks = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("data = %q", chunks[0].Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = handle.Close()

	if err := handle.SendAudio([]byte{0, 0}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_ServerContent(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "hello"},
				"outputTranscription": map[string]any{"text": "hi there"},
				"turnComplete":        true,
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "bad audio"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	e := nextEvent(t, handle)
	if e.Type != s2s.EventAudio || string(e.Audio) != string(pcm) {
		t.Errorf("event 0 = %v %v; want audio", e.Type, e.Audio)
	}
	e = nextEvent(t, handle)
	if e.Type != s2s.EventTranscript || e.Role != "user" || e.Text != "hello" {
		t.Errorf("event 1 = %+v; want user transcript", e)
	}
	e = nextEvent(t, handle)
	if e.Type != s2s.EventTranscript || e.Role != "assistant" || e.Text != "hi there" {
		t.Errorf("event 2 = %+v; want assistant transcript", e)
	}
	if e = nextEvent(t, handle); e.Type != s2s.EventAudioDone {
		t.Errorf("event 3 = %v; want audio_done", e.Type)
	}
	if e = nextEvent(t, handle); e.Type != s2s.EventInterrupted {
		t.Errorf("event 4 = %v; want interrupted", e.Type)
	}
	e = nextEvent(t, handle)
	if e.Type != s2s.EventError || e.Err == nil || !strings.Contains(e.Err.Error(), "bad audio") {
		t.Errorf("event 5 = %+v; want error containing 'bad audio'", e)
	}
}

func TestEvents_ServerDisconnectSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("expected Events to close without events")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Events to close")
	}
	if handle.Err() == nil {
		t.Error("Err() = nil after server disconnect")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestInterrupt_Unsupported(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.Interrupt(); !errors.Is(err, gemini.ErrInterruptUnsupported) {
		t.Errorf("Interrupt = %v; want ErrInterruptUnsupported", err)
	}
}

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := range 3 {
		if err := handle.Close(); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
	}

	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Error("received event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events not closed after Close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() after clean Close = %v; want nil", err)
	}
}
