package lifecycle

import (
	"testing"
	"time"
)

func TestPhase_DefaultStarting(t *testing.T) {
	Reset()
	if got := CurrentPhase(); got != Starting {
		t.Errorf("CurrentPhase() = %v, want starting", got)
	}
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false")
	}
}

func TestSetPhase_Transitions(t *testing.T) {
	Reset()
	defer Reset()

	SetPhase(Ready)
	if got := CurrentPhase(); got != Ready {
		t.Fatalf("CurrentPhase() = %v, want ready", got)
	}
	SetPhase(Draining)
	if !IsShuttingDown() {
		t.Fatal("IsShuttingDown() = false after Draining")
	}
	SetPhase(Ready)
	if got := CurrentPhase(); got != Draining {
		t.Errorf("CurrentPhase() = %v after Ready following Draining, want shutting-down", got)
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		p    Phase
		want string
	}{
		{Starting, "starting"},
		{Ready, "ready"},
		{Draining, "shutting-down"},
		{Phase(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestUptime(t *testing.T) {
	Reset()
	time.Sleep(5 * time.Millisecond)
	if got := Uptime(); got < 5*time.Millisecond {
		t.Errorf("Uptime() = %v, want >= 5ms", got)
	}
}
