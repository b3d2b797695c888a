package audio

import (
	"math"
	"sync"
)

// VAD tuning. Mixed audio from Janus arrives much quieter than typical
// speech corpora, so buffers are normalized toward targetRMS (bounded by
// maxGain) before scoring.
const (
	vadTargetRMS = 5000.0
	vadMaxGain   = 50.0
	vadChunkSize = 512

	DefaultVADThreshold  = 0.5
	DefaultMinSpeechMS   = 100
	DefaultMinSilenceMS  = 200
	defaultVADSampleRate = 16000
)

// SpeechScorer estimates the probability that a normalized chunk of
// float32 samples in [-1, 1] contains speech.
type SpeechScorer interface {
	Score(chunk []float32) float64
}

// VADStats is a snapshot of detector counters.
type VADStats struct {
	SpeechFrames  uint64 `json:"speech_frames_total"`
	SilenceFrames uint64 `json:"silence_frames_total"`
	Speaking      bool   `json:"speaking"`
}

// VADConfig tunes the detector. Zero values select the defaults.
type VADConfig struct {
	Threshold     float64
	MinSpeechMS   int
	MinSilenceMS  int
	SampleRate    int
	Scorer        SpeechScorer
	DisableScorer bool // fail-open: treat every buffer as speech
}

// VAD labels 16 kHz PCM16 buffers as speech or silence with hysteresis:
// the detector turns on only after sustained speech and off only after
// sustained silence, so word gaps do not chop the stream.
type VAD struct {
	scorer       SpeechScorer
	threshold    float64
	minSpeechMS  float64
	minSilenceMS float64
	sampleRate   int

	mu            sync.Mutex
	speaking      bool
	speechRunMS   float64
	silenceRunMS  float64
	speechFrames  uint64
	silenceFrames uint64
}

// NewVAD builds a detector. Without an explicit scorer the built-in
// energy scorer is used; DisableScorer selects the fail-open mode where
// every buffer counts as speech.
func NewVAD(cfg VADConfig) *VAD {
	v := &VAD{
		scorer:       cfg.Scorer,
		threshold:    cfg.Threshold,
		minSpeechMS:  float64(cfg.MinSpeechMS),
		minSilenceMS: float64(cfg.MinSilenceMS),
		sampleRate:   cfg.SampleRate,
	}
	if v.scorer == nil && !cfg.DisableScorer {
		v.scorer = energyScorer{}
	}
	if v.threshold == 0 {
		v.threshold = DefaultVADThreshold
	}
	if v.minSpeechMS == 0 {
		v.minSpeechMS = DefaultMinSpeechMS
	}
	if v.minSilenceMS == 0 {
		v.minSilenceMS = DefaultMinSilenceMS
	}
	if v.sampleRate == 0 {
		v.sampleRate = defaultVADSampleRate
	}
	return v
}

// Process scores one PCM16 buffer and returns the detector state after
// applying hysteresis. With no scorer installed it fails open and always
// returns true.
func (v *VAD) Process(pcm []byte) bool {
	if v.scorer == nil {
		return true
	}

	samples := BytesToPCM(pcm)
	if len(samples) == 0 {
		return v.Speaking()
	}

	prob := v.maxChunkProbability(normalize(samples))
	durMS := float64(len(samples)) * 1000 / float64(v.sampleRate)

	v.mu.Lock()
	defer v.mu.Unlock()

	if prob > v.threshold {
		v.speechFrames++
		v.speechRunMS += durMS
		v.silenceRunMS = 0
		if !v.speaking && v.speechRunMS >= v.minSpeechMS {
			v.speaking = true
		}
	} else {
		v.silenceFrames++
		v.silenceRunMS += durMS
		v.speechRunMS = 0
		if v.speaking && v.silenceRunMS >= v.minSilenceMS {
			v.speaking = false
		}
	}
	return v.speaking
}

// maxChunkProbability evaluates the scorer over 512-sample chunks and
// keeps the per-buffer maximum.
func (v *VAD) maxChunkProbability(samples []float32) float64 {
	maxProb := 0.0
	for offset := 0; offset < len(samples); offset += vadChunkSize {
		end := offset + vadChunkSize
		if end > len(samples) {
			end = len(samples)
		}
		if p := v.scorer.Score(samples[offset:end]); p > maxProb {
			maxProb = p
		}
	}
	return maxProb
}

// Speaking reports the current hysteresis state.
func (v *VAD) Speaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speaking
}

// Stats returns a snapshot of the detector counters.
func (v *VAD) Stats() VADStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return VADStats{
		SpeechFrames:  v.speechFrames,
		SilenceFrames: v.silenceFrames,
		Speaking:      v.speaking,
	}
}

// normalize applies the RMS gain and converts to float32 in [-1, 1].
func normalize(samples []int16) []float32 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	gain := vadTargetRMS / math.Max(rms, 1)
	if gain > vadMaxGain {
		gain = vadMaxGain
	}

	out := make([]float32, len(samples))
	for i, s := range samples {
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = float32(v / 32768.0)
	}
	return out
}

// energyScorer maps chunk RMS to a speech probability. After
// normalization real speech sits near 0.15 RMS while boosted noise stays
// an order of magnitude lower, so a linear ramp against a 0.1 reference
// separates them cleanly.
type energyScorer struct{}

func (energyScorer) Score(chunk []float32) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sum float64
	for _, s := range chunk {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(chunk)))
	prob := rms / 0.1
	if prob > 1 {
		prob = 1
	}
	return prob
}
