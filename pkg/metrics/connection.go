// Package metrics tracks transport-level counters for pipe servers and the
// connect-with-retry dialer. All methods are safe on a nil receiver so call
// sites need no guards.
package metrics

import (
	"sync"
	"time"
)

// ConnectionMetrics accumulates pipe transport counters.
type ConnectionMetrics struct {
	mu sync.RWMutex

	// Server side
	Accepted         int64
	AcceptFailures   int64
	DispatchFailures int64
	DispatchTime     time.Duration

	// Client side
	Dials        int64
	DialFailures int64
	DialAttempts int64
	DialTime     time.Duration
}

func NewConnectionMetrics() *ConnectionMetrics {
	return &ConnectionMetrics{}
}

// RecordAccept records one accept-loop outcome.
func (m *ConnectionMetrics) RecordAccept(success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.Accepted++
	} else {
		m.AcceptFailures++
	}
}

// RecordDispatch records one connection handler run.
func (m *ConnectionMetrics) RecordDispatch(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !success {
		m.DispatchFailures++
	}
	m.DispatchTime += duration
}

// RecordDial records one completed dial, however many attempts it took.
func (m *ConnectionMetrics) RecordDial(success bool, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Dials++
	if !success {
		m.DialFailures++
	}
	m.DialAttempts += int64(attempts)
	m.DialTime += duration
}

// Snapshot returns the current counters as a loggable map.
func (m *ConnectionMetrics) Snapshot() map[string]any {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]any{
		"accepted":          m.Accepted,
		"accept_failures":   m.AcceptFailures,
		"dispatch_failures": m.DispatchFailures,
		"dispatch_time":     m.DispatchTime.Seconds(),
		"dials":             m.Dials,
		"dial_failures":     m.DialFailures,
		"dial_attempts":     m.DialAttempts,
		"dial_time":         m.DialTime.Seconds(),
	}
}
