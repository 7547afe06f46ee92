// Package ppm audits the privacy policy of incoming aggregation plans. The
// orchestrator consults it before any aggregation runs; it never mutates
// updates.
package ppm

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ppm")

// PrivacyMode names the scheme a client declared for its update payload.
type PrivacyMode string

// Supported privacy modes.
const (
	ModeNormal PrivacyMode = "Normal"
	ModeHE     PrivacyMode = "HE"
	ModeSSS    PrivacyMode = "SSS"
)

// Valid reports whether m is a known privacy mode.
func (m PrivacyMode) Valid() bool {
	switch m {
	case ModeNormal, ModeHE, ModeSSS:
		return true
	}
	return false
}

// Auditor is the policy authority for privacy-preserving aggregation.
type Auditor struct {
	lock     sync.RWMutex
	heActive bool
	epsilon  float64
	delta    float64
}

// NewAuditor builds an auditor with the configured homomorphic encryption
// availability.
func NewAuditor(heActive bool) *Auditor {
	return &Auditor{heActive: heActive}
}

// SetDPParams records the differential privacy budget clients are expected
// to apply. The coordinator only reports these; it adds no noise itself.
func (a *Auditor) SetDPParams(epsilon, delta float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.epsilon = epsilon
	a.delta = delta
}

// DPParams returns the recorded differential privacy budget.
func (a *Auditor) DPParams() (epsilon, delta float64) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.epsilon, a.delta
}

// VerifyAudit approves or rejects aggregating under the declared mode. SSS
// always passes; Normal passes with a warning since updates travel without
// a privacy layer; HE passes only when the scheme is configured active.
func (a *Auditor) VerifyAudit(mode PrivacyMode) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	switch mode {
	case ModeSSS:
		return true
	case ModeNormal:
		log.Warn("Approving aggregation without a privacy layer")
		return true
	case ModeHE:
		if !a.heActive {
			log.Warn("Rejecting homomorphic aggregation, scheme is not active")
		}
		return a.heActive
	default:
		log.WithField("mode", mode).Error("Rejecting unknown privacy mode")
		return false
	}
}

// RecommendHomomorphic reports whether the coordinator should aggregate
// under the homomorphic scheme.
func (a *Auditor) RecommendHomomorphic() bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.heActive
}

// SetHEActive toggles homomorphic availability at runtime.
func (a *Auditor) SetHEActive(active bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.heActive = active
}
