package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values the decoder may have overwritten with
// explicit empty sections.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Input == "" {
		cfg.Audio.Input = AudioDevice
	}
	if cfg.Audio.Output == "" {
		cfg.Audio.Output = AudioDevice
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = 16000
	}
	if cfg.Audio.PlaybackRate == 0 {
		cfg.Audio.PlaybackRate = 24000
	}
	if cfg.Transcriber.Mode == "" {
		cfg.Transcriber.Mode = TranscriberOff
	}
	if cfg.Interview.AudioFormat == "" {
		cfg.Interview.AudioFormat = FormatPCM
	}
	if cfg.Interview.HangupGrace <= 0 {
		cfg.Interview.HangupGrace = Default().Interview.HangupGrace
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if cfg.Backend.APIKeyEnv != "" && os.Getenv(cfg.Backend.APIKeyEnv) == "" {
		slog.Warn("backend api key environment variable is not set", "env", cfg.Backend.APIKeyEnv)
	}

	if !cfg.Audio.Input.IsValid() {
		errs = append(errs, fmt.Errorf("audio.input %q is invalid; valid values: device, bridge", cfg.Audio.Input))
	}
	if !cfg.Audio.Output.IsValid() {
		errs = append(errs, fmt.Errorf("audio.output %q is invalid; valid values: device, bridge", cfg.Audio.Output))
	}
	if (cfg.Audio.Input == AudioBridge || cfg.Audio.Output == AudioBridge) && cfg.Audio.BridgeAddr == "" {
		errs = append(errs, errors.New("audio.bridge_addr is required when input or output is bridge"))
	}
	if cfg.Audio.CaptureRate < 8000 || cfg.Audio.CaptureRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is out of range [8000, 48000]", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 8000 || cfg.Audio.PlaybackRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d is out of range [8000, 48000]", cfg.Audio.PlaybackRate))
	}

	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.3f is out of range [0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.SilenceThreshold < 0 || cfg.VAD.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f is out of range [0, 1]", cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.SpeechThreshold != 0 && cfg.VAD.SilenceThreshold != 0 &&
		cfg.VAD.SilenceThreshold >= cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f must be below vad.speech_threshold %.3f",
			cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}

	if !cfg.Transcriber.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transcriber.mode %q is invalid; valid values: off, server, native", cfg.Transcriber.Mode))
	}
	if cfg.Transcriber.Mode == TranscriberServer && cfg.Transcriber.URL == "" {
		errs = append(errs, errors.New("transcriber.url is required when mode is server"))
	}
	if cfg.Transcriber.Mode == TranscriberNative && cfg.Transcriber.ModelPath == "" {
		errs = append(errs, errors.New("transcriber.model_path is required when mode is native"))
	}

	if !cfg.Interview.AudioFormat.IsValid() {
		errs = append(errs, fmt.Errorf("interview.audio_format %q is invalid; valid values: pcm, opus", cfg.Interview.AudioFormat))
	}
	if cfg.Interview.VoiceCommandsEnabled() && cfg.Transcriber.Mode == TranscriberOff {
		slog.Warn("interview.voice_commands is enabled but transcriber.mode is off; spoken commands will not be recognized")
	}

	return errors.Join(errs...)
}
