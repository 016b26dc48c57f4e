package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the backend names registered by cmd/voxgate.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = []string{"openai-realtime", "azure-openai-realtime", "gemini-live"}

// opusRates are the sample rates libopus accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Defaults are
// expected to have been applied already.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Gateway
	g := cfg.Gateway
	if !strings.HasPrefix(g.EndpointPath, "/") {
		errs = append(errs, fmt.Errorf("gateway.endpoint_path %q must start with /", g.EndpointPath))
	}
	if _, ok := protocol.ParseVersion(g.DefaultProtocolVersion); !ok {
		errs = append(errs, fmt.Errorf("gateway.default_protocol_version %d is invalid; valid values: 1, 2, 3", g.DefaultProtocolVersion))
	}
	if audio.ParseFormat(g.AudioFormat) != audio.FormatOpus {
		errs = append(errs, fmt.Errorf("gateway.audio_format %q is unsupported; clients must use opus", g.AudioFormat))
	}
	if !slices.Contains(opusRates, g.SampleRate) {
		errs = append(errs, fmt.Errorf("gateway.sample_rate %d is invalid; valid values: %v", g.SampleRate, opusRates))
	}
	if g.Channels != 1 {
		errs = append(errs, fmt.Errorf("gateway.channels %d is unsupported; only mono is supported", g.Channels))
	}
	if g.FrameDuration != audio.FrameDurationMs {
		slog.Warn("gateway.frame_duration differs from the encoder frame size; outgoing audio still uses the encoder size",
			"frame_duration", g.FrameDuration,
			"encoder_frame_ms", audio.FrameDurationMs,
		)
	}

	// Auth
	if cfg.Auth.Enabled && cfg.Auth.Key == "" && len(cfg.Auth.Tokens) == 0 {
		errs = append(errs, errors.New("auth.enabled requires auth.key or at least one auth.tokens entry"))
	}
	if cfg.Auth.Key != "" && len(cfg.Auth.Key) < 32 {
		slog.Warn("auth.key is shorter than 32 bytes; HS256 tokens will be weak")
	}
	if cfg.Auth.TokenExpireSeconds < 0 {
		errs = append(errs, fmt.Errorf("auth.token_expire_seconds %d must not be negative", cfg.Auth.TokenExpireSeconds))
	}
	for i, tok := range cfg.Auth.Tokens {
		if tok.Token == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d].token is required", i))
		}
	}

	// Backend
	b := cfg.Backend
	if b.Name == "" {
		errs = append(errs, errors.New("backend.name is required"))
	} else if !slices.Contains(ValidBackendNames, b.Name) {
		slog.Warn("unknown backend name — may be a typo or third-party provider",
			"name", b.Name,
			"known", ValidBackendNames,
		)
	}
	if b.Name == "azure-openai-realtime" && b.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required for azure-openai-realtime"))
	}
	for _, f := range []struct{ field, value string }{
		{"input_format", b.InputFormat},
		{"output_format", b.OutputFormat},
	} {
		if !audio.Known(f.value) || audio.ParseFormat(f.value) == audio.FormatOpus {
			errs = append(errs, fmt.Errorf("backend.%s %q is invalid; valid values: pcm16, g711_ulaw", f.field, f.value))
		}
	}
	if b.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("backend.sample_rate %d must not be negative", b.SampleRate))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if d, err := time.ParseDuration(cfg.Resilience.ResetTimeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %q is not a positive duration", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// ResetTimeoutDuration returns the parsed reset timeout, or 30s when the
// value does not parse.
func (r ResilienceConfig) ResetTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.ResetTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
