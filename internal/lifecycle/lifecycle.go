// Package lifecycle tracks the process phase reported by the health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Phase is the process lifecycle phase.
type Phase int32

const (
	// Starting: dependencies are being opened; not ready for traffic.
	Starting Phase = iota
	// Ready: serving traffic.
	Ready
	// Draining: a shutdown signal was received; in-flight requests are finishing.
	Draining
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var (
	phase     atomic.Int32
	startedAt atomic.Int64
)

func init() {
	startedAt.Store(time.Now().UnixNano())
}

// SetPhase records the current phase. Draining is terminal except through Reset.
func SetPhase(p Phase) {
	for {
		cur := Phase(phase.Load())
		if cur == Draining && p != Draining {
			return
		}
		if phase.CompareAndSwap(int32(cur), int32(p)) {
			return
		}
	}
}

// CurrentPhase returns the current phase.
func CurrentPhase() Phase {
	return Phase(phase.Load())
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return CurrentPhase() == Draining
}

// Uptime returns the time since process start.
func Uptime() time.Duration {
	return time.Since(time.Unix(0, startedAt.Load()))
}

// Reset returns to Starting and restarts the uptime clock. For tests only.
func Reset() {
	phase.Store(int32(Starting))
	startedAt.Store(time.Now().UnixNano())
}
