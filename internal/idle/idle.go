// Package idle fuses multiple signals into a single confidence score for
// whether a wrapped CLI is waiting on input (spec.md §4.10). Grounded on
// the signal-driven watchdog shape of
// other_examples/a4eee857_ehrlich-b-wingthing__internal-egg-server.go.go's
// startupWatchdog, generalized from a single boot-timeout check into a
// continuously fused multi-signal detector.
package idle

import (
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	silenceRampStart = 200 * time.Millisecond
	silenceRampEnd   = 2000 * time.Millisecond
	promptCueWindow  = 200 * time.Millisecond
	dwellTime        = 50 * time.Millisecond
)

// Signal names surfaced in Result.Signals.
const (
	SignalOutputSilence  = "output_silence"
	SignalPromptCue      = "prompt_cue"
	SignalControlSocket  = "control_socket"
)

// Result is the outcome of one checkIdle() evaluation.
type Result struct {
	IsIdle     bool
	Confidence float64
	Signals    []string
}

// Detector fuses output-silence, prompt-cue, and control-socket signals.
type Detector struct {
	mu sync.Mutex

	promptCues []*regexp2.Regexp

	lastOutputAt   time.Time
	lastCueAt      time.Time
	controlIdle    bool
	controlIdleAt  time.Time

	aboveThresholdSince time.Time
	wasIdle             bool

	threshold float64
}

// Options configures a Detector.
type Options struct {
	PromptCues []string // regex patterns, per-CLI configurable
	Threshold  float64  // default 0.7
}

// New constructs a Detector. Invalid prompt-cue patterns are skipped.
func New(opts Options) *Detector {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 0.7
	}
	d := &Detector{threshold: threshold, lastOutputAt: time.Now()}
	for _, pattern := range opts.PromptCues {
		if re, err := regexp2.Compile(pattern, regexp2.None); err == nil {
			d.promptCues = append(d.promptCues, re)
		}
	}
	return d
}

// NotifyOutput records that stdout bytes arrived, and checks them for a
// prompt cue.
func (d *Detector) NotifyOutput(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOutputAt = time.Now()
	text := string(chunk)
	for _, re := range d.promptCues {
		if matched, err := re.MatchString(text); err == nil && matched {
			d.lastCueAt = time.Now()
			break
		}
	}
}

// NotifyControlSocket records an explicit idle/busy signal from the
// native pty binary's control socket.
func (d *Detector) NotifyControlSocket(idle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idle && !d.controlIdle {
		d.controlIdleAt = time.Now()
	}
	d.controlIdle = idle
}

// CheckIdle fuses the current signal state into a Result, applying a
// dwell-time debounce before reporting a false->true idle transition.
func (d *Detector) CheckIdle() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()

	var signals []string
	var confidence float64
	var onset time.Time // when the earliest active signal reached the threshold

	silence := now.Sub(d.lastOutputAt)
	if silence >= silenceRampStart {
		weight := silenceWeight(silence)
		if weight > 0 {
			signals = append(signals, SignalOutputSilence)
			confidence = max(confidence, weight)
			if weight >= d.threshold {
				onset = d.lastOutputAt.Add(silenceRampStart + time.Duration(d.threshold*float64(silenceRampEnd-silenceRampStart)))
			}
		}
	}

	if !d.lastCueAt.IsZero() && now.Sub(d.lastCueAt) <= promptCueWindow {
		signals = append(signals, SignalPromptCue)
		confidence = max(confidence, 1.0)
		if onset.IsZero() || d.lastCueAt.Before(onset) {
			onset = d.lastCueAt
		}
	}

	if d.controlIdle {
		signals = append(signals, SignalControlSocket)
		confidence = max(confidence, 1.0)
		if onset.IsZero() || d.controlIdleAt.Before(onset) {
			onset = d.controlIdleAt
		}
	}

	aboveThreshold := confidence >= d.threshold
	isIdle := d.wasIdle

	if aboveThreshold {
		if d.aboveThresholdSince.IsZero() {
			d.aboveThresholdSince = onset
		}
		if now.Sub(d.aboveThresholdSince) >= dwellTime {
			isIdle = true
		}
	} else {
		d.aboveThresholdSince = time.Time{}
		isIdle = false
	}
	d.wasIdle = isIdle

	return Result{IsIdle: isIdle, Confidence: confidence, Signals: signals}
}

func silenceWeight(elapsed time.Duration) float64 {
	if elapsed <= silenceRampStart {
		return 0
	}
	if elapsed >= silenceRampEnd {
		return 1
	}
	span := float64(silenceRampEnd - silenceRampStart)
	return float64(elapsed-silenceRampStart) / span
}
