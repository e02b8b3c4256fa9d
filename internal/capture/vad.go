package capture

import "github.com/voxprep/voxprep/pkg/audio"

// Detector is a voice activity detector based on RMS energy levels.
// Hysteresis (separate start/stop thresholds plus consecutive-frame counts)
// avoids flickering between speech and silence on breath noise.
//
// A Detector is not safe for concurrent use; the engine's frame loop is its
// only caller.
type Detector struct {
	speechThreshold  float64 // normalized RMS level to start speech
	silenceThreshold float64 // normalized RMS level to end speech
	speechFrames     int     // consecutive speech frames needed to trigger
	silenceFrames    int     // consecutive silence frames needed to end

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// DetectorConfig holds the tunables for a [Detector]. The zero value is not
// usable; use [DefaultDetectorConfig] as a starting point.
type DetectorConfig struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	SpeechFrames     int
	SilenceFrames    int
}

// DefaultDetectorConfig returns thresholds suitable for 16 kHz capture with
// ~20–60 ms frames: ~60 ms of energy to open, ~700 ms of silence to close.
// The long close window keeps mid-sentence pauses inside one utterance,
// which matters for interview answers.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     3,
		SilenceFrames:    35,
	}
}

// NewDetector creates a Detector from cfg. Zero or negative fields fall back
// to the defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = def.SpeechFrames
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = def.SilenceFrames
	}
	return &Detector{
		speechThreshold:  cfg.SpeechThreshold,
		silenceThreshold: cfg.SilenceThreshold,
		speechFrames:     cfg.SpeechFrames,
		silenceFrames:    cfg.SilenceFrames,
	}
}

// Observe feeds one PCM frame and reports whether the detector currently
// considers the stream to be inside speech.
func (d *Detector) Observe(pcm []byte) bool {
	level := audio.RMS(pcm)

	if d.inSpeech {
		if level < d.silenceThreshold {
			d.silenceCount++
			d.speechCount = 0
			if d.silenceCount >= d.silenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.speechThreshold {
			d.speechCount++
			d.silenceCount = 0
			if d.speechCount >= d.speechFrames {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}

	return d.inSpeech
}

// InSpeech reports the current state without feeding new audio.
func (d *Detector) InSpeech() bool { return d.inSpeech }

// Reset clears all internal state back to silence.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}
