package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  log_level: debug
  debug_addr: ":9090"
backend:
  base_url: https://api.example.com
audio:
  input: device
  output: bridge
  bridge_addr: ":8800"
  capture_rate: 16000
vad:
  speech_threshold: 0.02
  silence_threshold: 0.01
  silence_frames: 40
transcriber:
  mode: server
  url: http://localhost:8081
interview:
  audio_format: opus
  hangup_grace: 20s
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Audio.Output != AudioBridge || cfg.Audio.BridgeAddr != ":8800" {
		t.Errorf("bridge output not parsed: %+v", cfg.Audio)
	}
	if cfg.Interview.AudioFormat != FormatOpus {
		t.Errorf("audio_format = %q, want opus", cfg.Interview.AudioFormat)
	}
	if cfg.Interview.HangupGrace != 20*time.Second {
		t.Errorf("hangup_grace = %v, want 20s", cfg.Interview.HangupGrace)
	}
}

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader("backend:\n  base_url: https://api.example.com\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("default log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Audio.Input != AudioDevice || cfg.Audio.CaptureRate != 16000 || cfg.Audio.PlaybackRate != 24000 {
		t.Errorf("audio defaults not applied: %+v", cfg.Audio)
	}
	if cfg.Transcriber.Mode != TranscriberOff {
		t.Errorf("default transcriber mode = %q, want off", cfg.Transcriber.Mode)
	}
	if cfg.Interview.HangupGrace != 15*time.Second {
		t.Errorf("default hangup_grace = %v, want 15s", cfg.Interview.HangupGrace)
	}
	if !cfg.Interview.VoiceCommandsEnabled() {
		t.Error("voice commands must default to enabled")
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("backend:\n  base_url: x\n  typo_field: y\n"))
	if err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: verbose
audio:
  input: bridge
transcriber:
  mode: native
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("want validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"backend.base_url is required",
		"audio.bridge_addr is required",
		"transcriber.model_path is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidateRejectsInvertedVADThresholds(t *testing.T) {
	t.Parallel()

	yaml := `
backend:
  base_url: https://api.example.com
vad:
  speech_threshold: 0.01
  silence_threshold: 0.02
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "must be below") {
		t.Fatalf("want hysteresis validation error, got %v", err)
	}
}
