package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/pkg/audio"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  log_format: json
gateway:
  endpoint_path: /voice
  default_protocol_version: 2
  audio_format: opus
  sample_rate: 16000
  channels: 1
  frame_duration: 60
  detect_raw_pcm: true
auth:
  enabled: true
  key: "0123456789abcdef0123456789abcdef"
  token_expire_seconds: 3600
  tokens:
    - token: static-secret
      name: kitchen
backend:
  name: azure-openai-realtime
  api_key: azure-key
  base_url: wss://example.openai.azure.com/openai/realtime
  model: my-deployment
  input_format: g711_ulaw
  output_format: pcm16
  instructions: "You are helpful."
  voice: alloy
  options:
    api_version: "2024-10-01-preview"
observe:
  service_name: voxgate-test
resilience:
  max_failures: 3
  reset_timeout: 10s
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("server = %+v", cfg.Server)
	}
	g := cfg.Gateway
	if g.EndpointPath != "/voice" || g.DefaultProtocolVersion != 2 || g.SampleRate != 16000 || !g.DetectRawPCM {
		t.Errorf("gateway = %+v", g)
	}
	p := g.AudioParams()
	if p.Format != "opus" || p.SampleRate != 16000 || p.Channels != 1 || p.FrameDuration != 60 {
		t.Errorf("AudioParams() = %+v", p)
	}
	if !cfg.Auth.Enabled || cfg.Auth.TokenExpireSeconds != 3600 || len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].Name != "kitchen" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	b := cfg.Backend
	if b.InputAudioFormat() != audio.FormatULaw || b.OutputAudioFormat() != audio.FormatPCM16 {
		t.Errorf("backend formats = %q/%q", b.InputFormat, b.OutputFormat)
	}
	if got := b.OptionString("api_version"); got != "2024-10-01-preview" {
		t.Errorf(`OptionString("api_version") = %q`, got)
	}
	if got := b.OptionString("missing"); got != "" {
		t.Errorf(`OptionString("missing") = %q`, got)
	}
	if cfg.Observe.ServiceName != "voxgate-test" || cfg.Observe.MetricsPath != config.DefaultMetricsPath {
		t.Errorf("observe = %+v", cfg.Observe)
	}
	if cfg.Resilience.ResetTimeoutDuration() != 10*time.Second {
		t.Errorf("ResetTimeoutDuration() = %v", cfg.Resilience.ResetTimeoutDuration())
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("backend:\n  name: gemini-live\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Server.LogFormat != config.LogFormatText {
		t.Errorf("log = %q/%q", cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	g := cfg.Gateway
	if g.EndpointPath != "/xiaozhi/stream" || g.DefaultProtocolVersion != 3 || g.AudioFormat != "opus" ||
		g.SampleRate != 24000 || g.Channels != 1 || g.FrameDuration != 60 || g.DetectRawPCM {
		t.Errorf("gateway defaults = %+v", g)
	}
	if cfg.Backend.InputFormat != "pcm16" || cfg.Backend.OutputFormat != "pcm16" {
		t.Errorf("backend format defaults = %q/%q", cfg.Backend.InputFormat, cfg.Backend.OutputFormat)
	}
	if cfg.Resilience.MaxFailures != config.DefaultMaxFailures || cfg.Resilience.ResetTimeoutDuration() != 30*time.Second {
		t.Errorf("resilience defaults = %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("backend:\n  name: gemini-live\n  nope: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing backend", "server:\n  log_level: info\n", "backend.name is required"},
		{"bad log level", "server:\n  log_level: loud\nbackend:\n  name: gemini-live\n", "server.log_level"},
		{"bad log format", "server:\n  log_format: xml\nbackend:\n  name: gemini-live\n", "server.log_format"},
		{"tls without key", "server:\n  tls:\n    cert_file: c.pem\nbackend:\n  name: gemini-live\n", "server.tls"},
		{"bad endpoint", "gateway:\n  endpoint_path: voice\nbackend:\n  name: gemini-live\n", "gateway.endpoint_path"},
		{"bad version", "gateway:\n  default_protocol_version: 4\nbackend:\n  name: gemini-live\n", "default_protocol_version"},
		{"pcm client", "gateway:\n  audio_format: pcm16\nbackend:\n  name: gemini-live\n", "gateway.audio_format"},
		{"bad rate", "gateway:\n  sample_rate: 44100\nbackend:\n  name: gemini-live\n", "gateway.sample_rate"},
		{"stereo", "gateway:\n  channels: 2\nbackend:\n  name: gemini-live\n", "gateway.channels"},
		{"auth without secrets", "auth:\n  enabled: true\nbackend:\n  name: gemini-live\n", "auth.enabled"},
		{"negative expiry", "auth:\n  token_expire_seconds: -1\nbackend:\n  name: gemini-live\n", "token_expire_seconds"},
		{"empty static token", "auth:\n  tokens:\n    - name: x\nbackend:\n  name: gemini-live\n", "auth.tokens[0].token"},
		{"opus backend", "backend:\n  name: gemini-live\n  input_format: opus\n", "backend.input_format"},
		{"unknown backend format", "backend:\n  name: gemini-live\n  output_format: flac\n", "backend.output_format"},
		{"negative backend rate", "backend:\n  name: gemini-live\n  sample_rate: -8000\n", "backend.sample_rate"},
		{"bad reset timeout", "backend:\n  name: gemini-live\nresilience:\n  reset_timeout: soon\n", "resilience.reset_timeout"},
		{"azure without endpoint", "backend:\n  name: azure-openai-realtime\n", "backend.base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\ngateway:\n  channels: 2\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "gateway.channels", "backend.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxgate.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Model != "my-deployment" {
		t.Errorf("model = %q", cfg.Backend.Model)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	for lvl, want := range map[config.LogLevel]string{
		config.LogDebug: "DEBUG",
		config.LogInfo:  "INFO",
		config.LogWarn:  "WARN",
		config.LogError: "ERROR",
		"":              "INFO",
	} {
		if got := lvl.Level().String(); got != want {
			t.Errorf("%q.Level() = %s, want %s", lvl, got, want)
		}
	}
}
