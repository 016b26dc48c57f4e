// Package config provides the configuration schema, loader, and provider registry
// for the voxgate gateway.
package config

import (
	"log/slog"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/protocol"
)

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown or empty values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultEndpointPath    = "/xiaozhi/stream"
	DefaultProtocolVersion = 3
	DefaultSampleRate      = 24000
	DefaultChannels        = 1
	DefaultFrameDuration   = 60
	DefaultServiceName     = "voxgate"
	DefaultMetricsPath     = "/metrics"
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = "30s"
)

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Auth       AuthConfig       `yaml:"auth"`
	Backend    ProviderEntry    `yaml:"backend"`
	Observe    ObserveConfig    `yaml:"observe"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the voxgate server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GatewayConfig describes the device-facing side of the gateway: where clients
// connect and which audio parameters the server announces in its hello.
type GatewayConfig struct {
	// EndpointPath is the URL prefix clients connect to. The agent id and an
	// optional conversation id follow it as path segments.
	EndpointPath string `yaml:"endpoint_path"`

	// DefaultProtocolVersion is the framing version used until the client's
	// hello (or a Protocol-Version header) selects one.
	DefaultProtocolVersion int `yaml:"default_protocol_version"`

	// AudioFormat is the client-side audio format announced in the server hello.
	AudioFormat string `yaml:"audio_format"`

	// SampleRate is the client-side sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the client-side channel count. Only mono is supported.
	Channels int `yaml:"channels"`

	// FrameDuration is the client-side frame length in milliseconds.
	FrameDuration int `yaml:"frame_duration"`

	// DetectRawPCM enables the raw-PCM sniffer for clients that declare opus
	// but occasionally send uncompressed audio.
	DetectRawPCM bool `yaml:"detect_raw_pcm"`
}

// AudioParams returns the parameters announced to clients in the server hello.
func (g GatewayConfig) AudioParams() protocol.AudioParams {
	return protocol.AudioParams{
		Format:        g.AudioFormat,
		SampleRate:    g.SampleRate,
		Channels:      g.Channels,
		FrameDuration: g.FrameDuration,
	}
}

// AuthConfig toggles device authentication on the gateway endpoint.
type AuthConfig struct {
	// Enabled requires every connection to present a valid token.
	Enabled bool `yaml:"enabled"`

	// Key is the HMAC secret used to sign and verify JWT device tokens.
	Key string `yaml:"key"`

	// TokenExpireSeconds sets the lifetime of issued tokens. Zero issues
	// tokens without expiry.
	TokenExpireSeconds int `yaml:"token_expire_seconds"`

	// Tokens lists static tokens accepted in addition to signed JWTs.
	Tokens []StaticToken `yaml:"tokens"`
}

// StaticToken is a pre-shared device token.
type StaticToken struct {
	// Token is the secret value presented by the device.
	Token string `yaml:"token"`

	// Name identifies the device in logs.
	Name string `yaml:"name"`
}

// ProviderEntry configures the realtime speech backend. The Name field is used
// to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model or, for Azure, the deployment name.
	Model string `yaml:"model"`

	// InputFormat and OutputFormat are the audio encodings exchanged with the
	// backend: pcm16 or g711_ulaw.
	InputFormat  string `yaml:"input_format"`
	OutputFormat string `yaml:"output_format"`

	// SampleRate overrides the backend audio rate. Zero selects the
	// provider's native rate (8 kHz for g711_ulaw).
	SampleRate int `yaml:"sample_rate"`

	// Instructions is the system prompt sent when a session starts.
	Instructions string `yaml:"instructions"`

	// Voice selects the synthesis voice.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// InputAudioFormat returns the parsed backend input format.
func (p ProviderEntry) InputAudioFormat() audio.Format { return audio.ParseFormat(p.InputFormat) }

// OutputAudioFormat returns the parsed backend output format.
func (p ProviderEntry) OutputAudioFormat() audio.Format { return audio.ParseFormat(p.OutputFormat) }

// OptionString returns Options[key] when it is a string, or "".
func (p ProviderEntry) OptionString(key string) string {
	s, _ := p.Options[key].(string)
	return s
}

// ObserveConfig configures OpenTelemetry.
type ObserveConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is the HTTP path of the Prometheus scrape endpoint.
	MetricsPath string `yaml:"metrics_path"`
}

// ResilienceConfig tunes the circuit breaker in front of backend connects.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive connect failures that opens
	// the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before admitting a
	// probe, as a Go duration string.
	ResetTimeout string `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}

	g := &cfg.Gateway
	if g.EndpointPath == "" {
		g.EndpointPath = DefaultEndpointPath
	}
	if g.DefaultProtocolVersion == 0 {
		g.DefaultProtocolVersion = DefaultProtocolVersion
	}
	if g.AudioFormat == "" {
		g.AudioFormat = string(audio.FormatOpus)
	}
	if g.SampleRate == 0 {
		g.SampleRate = DefaultSampleRate
	}
	if g.Channels == 0 {
		g.Channels = DefaultChannels
	}
	if g.FrameDuration == 0 {
		g.FrameDuration = DefaultFrameDuration
	}

	if cfg.Backend.InputFormat == "" {
		cfg.Backend.InputFormat = string(audio.FormatPCM16)
	}
	if cfg.Backend.OutputFormat == "" {
		cfg.Backend.OutputFormat = string(audio.FormatPCM16)
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
	if cfg.Observe.MetricsPath == "" {
		cfg.Observe.MetricsPath = DefaultMetricsPath
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == "" {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}
