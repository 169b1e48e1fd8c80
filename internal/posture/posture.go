// Package posture tracks the worst anti-bot signal observed since the last reset.
package posture

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// Tracker holds the process-wide posture. Report and Reset are the only
// writers; Current may be called from any goroutine.
type Tracker struct {
	mu     sync.RWMutex
	state  scan.Posture
	logger *zap.Logger
}

// New returns a Tracker in the safe state.
func New(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{state: scan.PostureSafe, logger: logger}
}

// Report records a crawler signal. The more severe of the current state and
// the signal wins. It returns the resulting state and whether it changed.
func (t *Tracker) Report(signal scan.Posture) (scan.Posture, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if signal <= t.state {
		return t.state, false
	}
	prev := t.state
	t.state = signal
	t.logger.Warn("security posture escalated",
		zap.Stringer("from", prev),
		zap.Stringer("to", signal),
	)
	return t.state, true
}

// Current returns the current posture.
func (t *Tracker) Current() scan.Posture {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Reset returns the posture to safe. It reports whether the state changed.
func (t *Tracker) Reset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == scan.PostureSafe {
		return false
	}
	t.logger.Info("security posture reset", zap.Stringer("from", t.state))
	t.state = scan.PostureSafe
	return true
}
