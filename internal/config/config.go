// Package config provides the configuration schema, loader, file watcher and
// component registry for the Voxprep voice interview client.
package config

import "time"

// LogLevel controls log verbosity.
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

// AudioIO selects where microphone input and playback output are attached.
type AudioIO string

const (
	// AudioDevice uses the local sound hardware through portaudio.
	AudioDevice AudioIO = "device"

	// AudioBridge serves a websocket PCM bridge so a browser or another
	// process provides the audio path.
	AudioBridge AudioIO = "bridge"
)

// IsValid reports whether a is a recognised audio I/O mode.
func (a AudioIO) IsValid() bool {
	return a == AudioDevice || a == AudioBridge
}

// TranscriberMode selects the optional local live transcriber.
type TranscriberMode string

const (
	// TranscriberOff disables local transcription; the backend transcribes
	// authoritatively server-side.
	TranscriberOff TranscriberMode = "off"

	// TranscriberServer streams chunks to a whisper.cpp HTTP server.
	TranscriberServer TranscriberMode = "server"

	// TranscriberNative runs whisper.cpp in-process via cgo bindings.
	TranscriberNative TranscriberMode = "native"
)

// IsValid reports whether m is a recognised transcriber mode.
func (m TranscriberMode) IsValid() bool {
	switch m {
	case TranscriberOff, TranscriberServer, TranscriberNative:
		return true
	}
	return false
}

// AudioFormat selects the utterance upload encoding.
type AudioFormat string

const (
	FormatPCM  AudioFormat = "pcm"
	FormatOpus AudioFormat = "opus"
)

// IsValid reports whether f is a recognised upload format.
func (f AudioFormat) IsValid() bool {
	return f == FormatPCM || f == FormatOpus
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Audio       AudioConfig       `yaml:"audio"`
	VAD         VADConfig         `yaml:"vad"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Interview   InterviewConfig   `yaml:"interview"`
}

// ServerConfig holds logging and debug-endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DebugAddr is the TCP address for the health and metrics mux
	// (e.g. ":9090"). Empty disables the mux.
	DebugAddr string `yaml:"debug_addr"`
}

// BackendConfig locates the interview backend.
type BackendConfig struct {
	// BaseURL is the backend root, no trailing slash.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the bearer token.
	// Keeps the secret out of the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// APIConfig is forwarded opaquely on every turn (model selection and
	// upstream credentials, owned by the backend contract).
	APIConfig map[string]any `yaml:"api_config"`
}

// AudioConfig holds the capture and playback settings.
type AudioConfig struct {
	// Input and Output select the audio attachment per direction. Defaults
	// to device for both.
	Input  AudioIO `yaml:"input"`
	Output AudioIO `yaml:"output"`

	// CaptureRate is the microphone sample rate in Hz. Default 16000.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the reply-audio sample rate in Hz. Default 24000.
	PlaybackRate int `yaml:"playback_rate"`

	// BridgeAddr is the websocket bridge listen address, required when
	// Input or Output is "bridge".
	BridgeAddr string `yaml:"bridge_addr"`
}

// VADConfig holds the voice-activity detector tunables. Zero values take the
// detector defaults.
type VADConfig struct {
	// SpeechThreshold is the normalized RMS level above which a frame
	// counts as speech.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the level below which a frame counts as silence.
	// Must stay below SpeechThreshold (hysteresis).
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SpeechFrames is how many consecutive speech frames open an utterance.
	SpeechFrames int `yaml:"speech_frames"`

	// SilenceFrames is how many consecutive silence frames close it.
	SilenceFrames int `yaml:"silence_frames"`

	// MaxUtterance bounds a single answer.
	MaxUtterance time.Duration `yaml:"max_utterance"`
}

// TranscriberConfig selects the optional local live transcriber.
type TranscriberConfig struct {
	Mode TranscriberMode `yaml:"mode"`

	// URL of the whisper.cpp server, required in server mode.
	URL string `yaml:"url"`

	// ModelPath of the ggml model file, required in native mode.
	ModelPath string `yaml:"model_path"`

	// Language hint, e.g. "en". Empty lets the model decide.
	Language string `yaml:"language"`
}

// InterviewConfig holds the per-session parameters.
type InterviewConfig struct {
	// SessionID resumes an existing session when non-empty.
	SessionID string `yaml:"session_id"`

	// JobDescriptionFile and ResumeFile seed a fresh session.
	JobDescriptionFile string `yaml:"job_description_file"`
	ResumeFile         string `yaml:"resume_file"`

	// AudioFormat is the utterance upload encoding. Default pcm.
	AudioFormat AudioFormat `yaml:"audio_format"`

	// HangupGrace bounds the wait for playback drain after the backend
	// declares the interview over. Default 15s.
	HangupGrace time.Duration `yaml:"hangup_grace"`

	// VoiceCommands toggles spoken control-phrase detection. Only effective
	// when a transcriber is configured. Default true.
	VoiceCommands *bool `yaml:"voice_commands"`
}

// Default returns a Config with the documented defaults filled in.
func Default() *Config {
	on := true
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Audio: AudioConfig{
			Input:        AudioDevice,
			Output:       AudioDevice,
			CaptureRate:  16000,
			PlaybackRate: 24000,
		},
		Transcriber: TranscriberConfig{
			Mode: TranscriberOff,
		},
		Interview: InterviewConfig{
			AudioFormat: FormatPCM,
			HangupGrace: 15 * time.Second,
			VoiceCommands: &on,
		},
	}
}

// VoiceCommandsEnabled resolves the voice-command toggle with its default.
func (c *InterviewConfig) VoiceCommandsEnabled() bool {
	return c.VoiceCommands == nil || *c.VoiceCommands
}
