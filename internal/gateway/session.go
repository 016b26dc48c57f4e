// Package gateway bridges xiaozhi voice clients to a realtime speech backend.
//
// Each accepted WebSocket connection gets one [Session]. The session runs the
// handshake state machine, decodes client frames with the negotiated protocol
// version, converts audio between the client's Opus stream and the backend's
// PCM16 or μ-law stream, and reframes backend speech for the client.
//
// [Server] is the HTTP entry point: it parses the endpoint path, authenticates
// the device and hands the upgraded connection to a new Session.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/protocol"
	"github.com/MrWong99/voxgate/pkg/provider/s2s"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle stage of a [Session].
type State int

const (
	// StateAwaitingHello is the initial state. Audio is dropped.
	StateAwaitingHello State = iota
	// StateHandshakeComplete means the server hello was sent and the backend
	// is being connected.
	StateHandshakeComplete
	// StateBridging relays audio in both directions.
	StateBridging
	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateHandshakeComplete:
		return "handshake_complete"
	case StateBridging:
		return "bridging"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons sent to the client.
const (
	ReasonClientGone         = "client disconnected"
	ReasonBackendUnavailable = "backend unavailable"
	ReasonBackendEnded       = "backend session ended"
	ReasonShutdown           = "server shutting down"
)

// SessionConfig holds the dependencies and settings of one [Session].
type SessionConfig struct {
	// Transport is the client connection. Required.
	Transport Transport

	// Provider connects the backend session after the hello. Required.
	Provider s2s.Provider

	// BackendName labels logs and metrics.
	BackendName string

	// Gateway and Backend are the configuration snapshot taken when the
	// client connected.
	Gateway config.GatewayConfig
	Backend config.ProviderEntry

	// AgentID and ConversationID come from the endpoint path.
	AgentID        string
	ConversationID string

	// InitialVersion is used until the hello selects a version. Zero uses
	// Gateway.DefaultProtocolVersion.
	InitialVersion protocol.Version

	// Metrics receives connection metrics. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger is the connection-scoped logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// Session is the state machine for one client connection.
type Session struct {
	transport   Transport
	provider    s2s.Provider
	backendName string
	gw          config.GatewayConfig
	be          config.ProviderEntry
	agentID     string
	convID      string
	metrics     *observe.Metrics
	conv        *audio.Converter

	mu           sync.Mutex
	log          *slog.Logger
	state        State
	version      protocol.Version
	id           string
	declared     string // audio format from the client hello
	serverHello  []byte
	backend      s2s.SessionHandle
	inFormat     audio.Format
	outFormat    audio.Format
	inRate       int
	outRate      int
	earlyDropped int

	ready     chan struct{} // closed on entering StateBridging
	closed    chan struct{}
	abort     chan struct{}
	closeOnce sync.Once
	reason    string
}

// NewSession returns a session in [StateAwaitingHello].
func NewSession(cfg SessionConfig) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	version := cfg.InitialVersion
	if !version.IsValid() {
		if v, ok := protocol.ParseVersion(cfg.Gateway.DefaultProtocolVersion); ok {
			version = v
		} else {
			version = protocol.V3
		}
	}
	s := &Session{
		transport:   cfg.Transport,
		provider:    cfg.Provider,
		backendName: cfg.BackendName,
		gw:          cfg.Gateway,
		be:          cfg.Backend,
		agentID:     cfg.AgentID,
		convID:      cfg.ConversationID,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		state:       StateAwaitingHello,
		version:     version,
		declared:    cfg.Gateway.AudioFormat,
		ready:       make(chan struct{}),
		closed:      make(chan struct{}),
		abort:       make(chan struct{}, 1),
	}
	s.conv = audio.NewConverter(nil,
		audio.WithLogger(cfg.Logger),
		audio.WithQualityHook(func(_ audio.SignalStats, issues []string) {
			for _, issue := range issues {
				s.metrics.RecordQualityWarning(context.Background(), issue)
			}
		}),
	)
	return s
}

// ID returns the session id assigned at the hello, or "" before it.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the protocol version currently used for binary frames.
func (s *Session) Version() protocol.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// CloseReason returns the reason passed to the first Close call.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// handleControl dispatches one control message.
func (s *Session) handleControl(ctx context.Context, msg protocol.ControlMessage) error {
	switch {
	case msg.Type == protocol.TypeHello:
		return s.handleHello(ctx, msg)
	case msg.IsAbort():
		s.handleAbort(msg)
	case msg.Type == protocol.TypeListen:
		var l protocol.ListenMessage
		if err := msg.Decode(&l); err != nil {
			s.logger().Warn("ignoring malformed listen message", "err", err)
			return nil
		}
		s.logger().Info("client listen", "state", l.State, "mode", l.Mode, "text", l.Text)
	case msg.Type == protocol.TypeStartListening,
		msg.Type == protocol.TypeStopListening,
		msg.Type == protocol.TypeWakeWordDetected:
		s.logger().Info("client control", "type", msg.Type)
	default:
		s.logger().Debug("ignoring unknown control message", "type", msg.Type)
	}
	return nil
}

func (s *Session) handleHello(ctx context.Context, msg protocol.ControlMessage) error {
	var hello protocol.ClientHello
	if err := msg.Decode(&hello); err != nil {
		s.logger().Warn("ignoring malformed hello", "err", err)
		s.metrics.RecordFrameRejected(ctx, "malformed_control")
		return nil
	}

	s.mu.Lock()
	if s.state != StateAwaitingHello {
		reply := s.serverHello
		s.mu.Unlock()
		if reply == nil {
			return nil
		}
		s.log.Debug("repeated hello, resending server hello")
		return s.transport.SendText(ctx, string(reply))
	}

	if hello.Version != 0 {
		if v, ok := protocol.ParseVersion(hello.Version); ok {
			s.version = v
		} else {
			s.log.Warn("unsupported protocol version in hello, keeping current",
				"requested", hello.Version, "version", int(s.version))
		}
	}
	if hello.AudioParams != nil && hello.AudioParams.Format != "" {
		s.declared = hello.AudioParams.Format
	}
	s.id = uuid.NewString()
	s.log = s.log.With("session_id", s.id)
	reply, err := json.Marshal(protocol.NewServerHello(s.id, s.gw.AudioParams()))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.serverHello = reply
	s.state = StateHandshakeComplete
	log := s.log
	s.mu.Unlock()

	log.Info("client hello",
		"version", int(hello.Version),
		"transport", hello.Transport,
		"declared_format", s.declaredFormat(),
		"features", hello.Features,
	)
	if err := s.transport.SendText(ctx, string(reply)); err != nil {
		return err
	}

	sess, err := s.connectBackend(ctx)
	if err != nil {
		log.Error("backend connect failed", "backend", s.backendName, "err", err)
		s.Close(ReasonBackendUnavailable)
		return nil
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	s.backend = sess
	s.state = StateBridging
	close(s.ready)
	s.mu.Unlock()

	log.Info("bridging",
		"backend", s.backendName,
		"input_format", s.inFormat, "input_rate", s.inRate,
		"output_format", s.outFormat, "output_rate", s.outRate,
	)
	return nil
}

// connectBackend opens the backend session with formats and rates resolved
// against the provider's capabilities.
func (s *Session) connectBackend(ctx context.Context) (s2s.SessionHandle, error) {
	caps := s.provider.Capabilities()
	in := s.resolveFormat(caps, s.be.InputAudioFormat())
	out := s.resolveFormat(caps, s.be.OutputAudioFormat())
	inRate, outRate := backendRates(s.be.SampleRate, caps, in, out, s.gw.SampleRate)

	s.mu.Lock()
	s.inFormat, s.outFormat = in, out
	s.inRate, s.outRate = inRate, outRate
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "backend.connect", trace.WithAttributes(
		attribute.String("backend", s.backendName),
		attribute.String("agent_id", s.agentID),
		attribute.String("input_format", string(in)),
		attribute.String("output_format", string(out)),
	))
	start := time.Now()
	sess, err := s.provider.Connect(ctx, s2s.SessionConfig{
		Instructions:   s.be.Instructions,
		Voice:          s.be.Voice,
		InputFormat:    in,
		OutputFormat:   out,
		SampleRate:     s.be.SampleRate,
		AgentID:        s.agentID,
		ConversationID: s.convID,
	})
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.RecordBackendError(ctx, s.backendName, "connect")
	}
	s.metrics.RecordBackendConnect(ctx, s.backendName, status, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	return sess, err
}

func (s *Session) resolveFormat(caps s2s.Capabilities, f audio.Format) audio.Format {
	if len(caps.Formats) == 0 || caps.SupportsFormat(f) {
		return f
	}
	s.logger().Warn("backend does not support audio format, using pcm16",
		"backend", s.backendName, "format", f)
	return audio.FormatPCM16
}

// backendRates picks the sample rates used towards the backend. A configured
// rate wins; μ-law implies 8 kHz; otherwise the provider's native rates apply,
// falling back to the client rate when the provider reports none.
func backendRates(configured int, caps s2s.Capabilities, in, out audio.Format, clientRate int) (int, int) {
	if configured > 0 {
		return configured, configured
	}
	pick := func(f audio.Format, native int) int {
		switch {
		case f == audio.FormatULaw:
			return 8000
		case native > 0:
			return native
		default:
			return clientRate
		}
	}
	return pick(in, caps.InputSampleRate), pick(out, caps.OutputSampleRate)
}

func (s *Session) handleAbort(msg protocol.ControlMessage) {
	var a protocol.AbortMessage
	if err := msg.Decode(&a); err != nil {
		s.logger().Debug("malformed abort body, aborting anyway", "err", err)
	}

	s.mu.Lock()
	backend, state, log := s.backend, s.state, s.log
	s.mu.Unlock()

	log.Info("client abort", "reason", a.Reason)
	if state != StateBridging || backend == nil {
		return
	}
	select {
	case s.abort <- struct{}{}:
	default:
	}
	if err := backend.Interrupt(); err != nil {
		log.Debug("backend interrupt failed", "backend", s.backendName, "err", err)
	}
}

func (s *Session) declaredFormat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declared
}

// Close tears the connection down once: the backend session is closed, then
// the client transport. Later calls are no-ops.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		s.reason = reason
		backend, log := s.backend, s.log
		s.mu.Unlock()
		close(s.closed)

		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Warn("backend close failed", "backend", s.backendName, "err", err)
			}
		}
		if err := s.transport.Close(reason); err != nil {
			log.Debug("transport close failed", "err", err)
		}
		log.Info("connection closed", "reason", reason, "previous_state", prev.String())
	})
}
