// Package guards bounds runaway runs: a hard turn cap with an early
// warning, session and daily cost ceilings, and a stall watchdog. A breach
// halts the run cleanly; resumption is the queue's job, not the guards'.
package guards

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sievelab/refinery/internal/model"
)

// BreachError is returned when a guard trips. The run must stop dispatching
// new work and exit after in-flight chunks settle.
type BreachError struct {
	Guard  string
	Reason string
}

func (e *BreachError) Error() string {
	return fmt.Sprintf("guard %s breached: %s", e.Guard, e.Reason)
}

// Sink receives breach beads.
type Sink interface {
	Append(b model.Bead) (model.Bead, error)
}

// Manager aggregates the runaway guards. Safe for concurrent use.
type Manager struct {
	cfg    model.RunawayConfig
	sink   Sink
	logger *slog.Logger

	// nowFunc is replaceable in tests
	nowFunc func() time.Time

	mu           sync.Mutex
	turns        int
	warnedTurns  bool
	sessionSpend float64
	dailySpend   float64 // Includes spend restored from earlier sessions today
	lastProgress time.Time
	breached     *BreachError
}

// NewManager creates a guard manager. priorDailySpend is today's spend
// restored from the bead store so the daily ceiling survives restarts.
func NewManager(cfg model.RunawayConfig, sink Sink, priorDailySpend float64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		nowFunc:    time.Now,
		dailySpend: priorDailySpend,
	}
	m.lastProgress = m.nowFunc()
	return m
}

// BeginTurn counts one pipeline turn. It returns a BreachError once the cap
// is reached and logs a warning when the warn threshold passes.
func (m *Manager) BeginTurn() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breached != nil {
		return m.breached
	}
	m.turns++
	if m.cfg.TurnCap.WarnAt > 0 && m.turns >= m.cfg.TurnCap.WarnAt && !m.warnedTurns {
		m.warnedTurns = true
		m.logger.Warn("approaching turn cap",
			"turns", m.turns, "max_turns", m.cfg.TurnCap.MaxTurns)
	}
	if m.cfg.TurnCap.MaxTurns > 0 && m.turns > m.cfg.TurnCap.MaxTurns {
		return m.breachLocked("turn_cap",
			fmt.Sprintf("turn %d exceeds cap of %d", m.turns, m.cfg.TurnCap.MaxTurns))
	}
	return nil
}

// RecordSpend adds one call's cost to the session and daily totals and
// checks both ceilings.
func (m *Manager) RecordSpend(costUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breached != nil {
		return m.breached
	}
	m.sessionSpend += costUSD
	m.dailySpend += costUSD

	if limit := m.cfg.CostCeiling.SessionLimitUSD; limit > 0 && m.sessionSpend >= limit {
		return m.breachLocked("cost_ceiling",
			fmt.Sprintf("session spend $%.4f reached limit $%.2f", m.sessionSpend, limit))
	}
	if limit := m.cfg.CostCeiling.DailyLimitUSD; limit > 0 && m.dailySpend >= limit {
		return m.breachLocked("cost_ceiling",
			fmt.Sprintf("daily spend $%.4f reached limit $%.2f", m.dailySpend, limit))
	}
	return nil
}

// Progress marks forward progress, resetting the stall clock. Call after
// every completed chunk.
func (m *Manager) Progress() {
	m.mu.Lock()
	m.lastProgress = m.nowFunc()
	m.mu.Unlock()
}

// CheckStall trips the watchdog when no progress has been made within the
// configured timeout.
func (m *Manager) CheckStall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breached != nil {
		return m.breached
	}
	timeout := time.Duration(m.cfg.StallTimeout.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		return nil
	}
	idle := m.nowFunc().Sub(m.lastProgress)
	if idle >= timeout {
		return m.breachLocked("stall_watchdog",
			fmt.Sprintf("no progress for %s (timeout %s)", idle.Round(time.Second), timeout))
	}
	return nil
}

// Breached returns the standing breach, if any. Once a guard trips, every
// subsequent guard call returns the same breach.
func (m *Manager) Breached() *BreachError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breached
}

// SessionSpend reports the spend accumulated this session.
func (m *Manager) SessionSpend() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionSpend
}

// DailySpend reports today's total spend including restored history.
func (m *Manager) DailySpend() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailySpend
}

// Turns reports the turns consumed this session.
func (m *Manager) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}

func (m *Manager) breachLocked(guard, reason string) *BreachError {
	m.breached = &BreachError{Guard: guard, Reason: reason}
	m.logger.Error("resource guard breached", "guard", guard, "reason", reason)
	if m.sink != nil {
		_, err := m.sink.Append(model.Bead{
			Type:    model.BeadGuardBreach,
			Source:  guard,
			Content: reason,
			Payload: map[string]any{
				"guard":         guard,
				"turns":         m.turns,
				"session_spend": m.sessionSpend,
				"daily_spend":   m.dailySpend,
			},
		})
		if err != nil {
			m.logger.Error("breach bead append failed", "error", err)
		}
	}
	return m.breached
}
