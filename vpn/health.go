// Package vpn provides the session controller.
// This file contains the HealthChecker which watches the running interface
// and aborts the session when it disappears.
package vpn

import (
	"context"
	"sync"
	"time"

	"github.com/wangn9900/Slux/common"
)

// HealthState represents the current health state of the session.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to check the interface.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures abort the session.
	FailureThreshold int
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    common.HealthInterval,
		FailureThreshold: 3,
	}
}

// Monitored is the part of Controller the health checker needs.
type Monitored interface {
	State() State
	TunAlive() bool
	Abort(ctx context.Context, cause error)
}

// SessionHealth tracks the health of the running session.
type SessionHealth struct {
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
}

// HealthChecker monitors the running session's interface.
type HealthChecker struct {
	mu             sync.RWMutex
	config         HealthConfig
	session        Monitored
	running        bool
	stopChan       chan struct{}
	health         SessionHealth
	onHealthChange func(oldState, newState HealthState)
}

// NewHealthChecker creates a new health checker for the given session.
func NewHealthChecker(session Monitored, config HealthConfig) *HealthChecker {
	if config.CheckInterval <= 0 {
		config.CheckInterval = common.HealthInterval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &HealthChecker{
		config:   config,
		session:  session,
		stopChan: make(chan struct{}),
	}
}

// SetOnHealthChange sets a callback for health state changes.
func (hc *HealthChecker) SetOnHealthChange(callback func(oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onHealthChange = callback
}

// Start begins the health checking loop.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	interval := hc.config.CheckInterval
	stop := hc.stopChan
	hc.mu.Unlock()

	common.LogInfo("Health checker started (interval: %v)", interval)

	go hc.runLoop(interval, stop)
}

// Stop stops the health checking loop.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	hc.mu.Unlock()

	common.LogInfo("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// GetHealth returns a copy of the current health record.
func (hc *HealthChecker) GetHealth() SessionHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.health
}

// UpdateConfig updates the health checker configuration. A new interval
// takes effect on the next Start.
func (hc *HealthChecker) UpdateConfig(config HealthConfig) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.config = config
}

func (hc *HealthChecker) runLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.check()
		}
	}
}

// check runs one probe. Outside Running the record is reset.
func (hc *HealthChecker) check() {
	if hc.session.State() != StateRunning {
		hc.mu.Lock()
		hc.health = SessionHealth{}
		hc.mu.Unlock()
		return
	}

	alive := hc.session.TunAlive()

	hc.mu.Lock()
	now := time.Now()
	hc.health.LastCheck = now
	oldState := hc.health.State

	if alive {
		hc.health.ConsecutiveFails = 0
		hc.health.LastSuccess = now
		hc.health.State = HealthHealthy
	} else {
		hc.health.ConsecutiveFails++
		common.LogWarn("Interface check failed (attempt %d/%d)",
			hc.health.ConsecutiveFails, hc.config.FailureThreshold)
		if hc.health.ConsecutiveFails >= hc.config.FailureThreshold {
			hc.health.State = HealthUnhealthy
		} else {
			hc.health.State = HealthDegraded
		}
	}
	newState := hc.health.State
	callback := hc.onHealthChange
	hc.mu.Unlock()

	if oldState != newState {
		common.LogInfo("Health state changed: %s -> %s", oldState, newState)
		if callback != nil {
			go callback(oldState, newState)
		}
	}

	if newState == HealthUnhealthy {
		hc.session.Abort(context.Background(), common.ErrInterfaceLost)
		hc.mu.Lock()
		hc.health = SessionHealth{}
		hc.mu.Unlock()
	}
}
