package idle

import (
	"testing"
	"time"
)

func TestSilenceRampsConfidence(t *testing.T) {
	d := New(Options{Threshold: 0.99})
	time.Sleep(10 * time.Millisecond)
	r := d.CheckIdle()
	if r.IsIdle {
		t.Fatalf("expected not idle immediately after startup")
	}
	if r.Confidence != 0 {
		t.Fatalf("expected near-zero confidence at startup, got %f", r.Confidence)
	}
}

func TestPromptCueDrivesIdle(t *testing.T) {
	d := New(Options{PromptCues: []string{`\$\s*$`}, Threshold: 0.5})
	d.NotifyOutput([]byte("some output\n$ "))

	var r Result
	for i := 0; i < 10; i++ {
		r = d.CheckIdle()
		if r.IsIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !r.IsIdle {
		t.Fatalf("expected idle after prompt cue and dwell time, got %+v", r)
	}
	found := false
	for _, s := range r.Signals {
		if s == SignalPromptCue {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected prompt_cue signal present, got %v", r.Signals)
	}
}

func TestControlSocketForcesIdle(t *testing.T) {
	d := New(Options{Threshold: 0.9})
	d.NotifyControlSocket(true)

	var r Result
	for i := 0; i < 10; i++ {
		r = d.CheckIdle()
		if r.IsIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !r.IsIdle {
		t.Fatalf("expected control-socket signal to force idle")
	}
}

func TestOutputResetsIdle(t *testing.T) {
	d := New(Options{Threshold: 0.5})
	d.NotifyControlSocket(true)
	time.Sleep(60 * time.Millisecond)
	if !d.CheckIdle().IsIdle {
		t.Fatalf("expected idle before new output")
	}

	d.NotifyControlSocket(false)
	d.NotifyOutput([]byte("new output, still typing"))
	r := d.CheckIdle()
	if r.IsIdle {
		t.Fatalf("expected fresh output to clear idle state, got %+v", r)
	}
}
