// Package adrm implements anomaly detection and response for client model
// updates: a per-update champion/challenger detector, a per-round peer
// outlier check, and the graduated blocklist the rest of the coordinator
// consults.
package adrm

import (
	"sync"
	"time"

	"github.com/RavinduMendis/R25-039/shared/fileutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "adrm")

// Severity grades a detected anomaly.
type Severity string

// Severity levels in ascending order of response.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// BlockRecord is one active blocklist entry.
type BlockRecord struct {
	ClientID   string                 `json:"client_id"`
	BlockedAt  time.Time              `json:"block_ts"`
	Expiration time.Time              `json:"expiration_ts"`
	Severity   Severity               `json:"severity"`
	Reason     string                 `json:"reason"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// QuarantineEntry holds an offending update awaiting manual review.
type QuarantineEntry struct {
	ID        string                 `json:"id"`
	ClientID  string                 `json:"client_id"`
	Reason    string                 `json:"reason"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Payload   []byte                 `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Penalizer docks reputation points from a client. Implemented by the
// client registry.
type Penalizer interface {
	Penalize(clientID string, penalty int)
}

// ResponseConfig tunes the graduated response.
type ResponseConfig struct {
	BlockDuration   time.Duration
	PenaltyForBlock int
	PenaltyLow      int
}

// ResponseSystem owns the blocklist and quarantine queue and applies the
// graduated response to triggered anomalies.
type ResponseSystem struct {
	lock       sync.Mutex
	cfg        ResponseConfig
	penalizer  Penalizer
	blocked    map[string]*BlockRecord
	quarantine []*QuarantineEntry
	path       string
	now        func() time.Time
}

// NewResponseSystem builds the response system, restoring any persisted
// blocklist from path. An empty path disables persistence.
func NewResponseSystem(cfg ResponseConfig, penalizer Penalizer, path string) (*ResponseSystem, error) {
	rs := &ResponseSystem{
		cfg:       cfg,
		penalizer: penalizer,
		blocked:   make(map[string]*BlockRecord),
		path:      path,
		now:       time.Now,
	}
	if path != "" && fileutil.FileExists(path) {
		if err := fileutil.ReadJSON(path, &rs.blocked); err != nil {
			return nil, errors.Wrap(err, "could not load blocklist")
		}
		log.WithField("blocked", len(rs.blocked)).Info("Restored blocklist from snapshot")
	}
	return rs, nil
}

// Trigger applies the graduated response for a detected anomaly. Low
// severity costs reputation only; medium blocks for half the configured
// duration; high blocks for the full duration and quarantines the payload.
func (rs *ResponseSystem) Trigger(clientID string, severity Severity, reason string, details map[string]interface{}, payload []byte) {
	log.WithFields(logrus.Fields{
		"clientID": clientID,
		"severity": severity,
		"reason":   reason,
	}).Warn("Anomaly response triggered")

	rs.lock.Lock()
	var penalty int
	switch severity {
	case SeverityLow:
		penalty = rs.cfg.PenaltyLow
	case SeverityMedium:
		rs.blockLocked(clientID, severity, reason, details, rs.cfg.BlockDuration/2)
		penalty = rs.cfg.PenaltyForBlock
	case SeverityHigh:
		rs.blockLocked(clientID, severity, reason, details, rs.cfg.BlockDuration)
		rs.quarantine = append(rs.quarantine, &QuarantineEntry{
			ID:        uuid.New().String(),
			ClientID:  clientID,
			Reason:    reason,
			Details:   details,
			Payload:   payload,
			Timestamp: rs.now(),
		})
		penalty = rs.cfg.PenaltyForBlock
	default:
		rs.lock.Unlock()
		log.WithField("severity", severity).Error("Unknown severity, ignoring trigger")
		return
	}
	rs.lock.Unlock()

	// The registry calls back into IsBlocked under its own lock while
	// scanning for eligible clients, so the penalty must be applied without
	// holding rs.lock.
	rs.penalizer.Penalize(clientID, penalty)
}

func (rs *ResponseSystem) blockLocked(clientID string, severity Severity, reason string, details map[string]interface{}, d time.Duration) {
	now := rs.now()
	rs.blocked[clientID] = &BlockRecord{
		ClientID:   clientID,
		BlockedAt:  now,
		Expiration: now.Add(d),
		Severity:   severity,
		Reason:     reason,
		Details:    details,
	}
	rs.persistLocked()
	log.WithFields(logrus.Fields{
		"clientID": clientID,
		"until":    rs.blocked[clientID].Expiration.Format(time.RFC3339),
	}).Warn("Blocked client")
}

// IsBlocked reports whether the client is currently blocked. Expired records
// are removed on lookup.
func (rs *ResponseSystem) IsBlocked(clientID string) bool {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rec, ok := rs.blocked[clientID]
	if !ok {
		return false
	}
	if !rec.Expiration.After(rs.now()) {
		delete(rs.blocked, clientID)
		rs.persistLocked()
		log.WithField("clientID", clientID).Info("Block expired")
		return false
	}
	return true
}

// Unblock removes a block administratively.
func (rs *ResponseSystem) Unblock(clientID string) bool {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if _, ok := rs.blocked[clientID]; !ok {
		return false
	}
	delete(rs.blocked, clientID)
	rs.persistLocked()
	log.WithField("clientID", clientID).Info("Unblocked client")
	return true
}

// BlockedClients returns a copy of the current blocklist.
func (rs *ResponseSystem) BlockedClients() []*BlockRecord {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	now := rs.now()
	out := make([]*BlockRecord, 0, len(rs.blocked))
	for id, rec := range rs.blocked {
		if !rec.Expiration.After(now) {
			delete(rs.blocked, id)
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Quarantine returns the pending quarantine entries.
func (rs *ResponseSystem) Quarantine() []*QuarantineEntry {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	out := make([]*QuarantineEntry, len(rs.quarantine))
	copy(out, rs.quarantine)
	return out
}

// UpdateConfig swaps the response tuning at runtime, used by the admin API.
func (rs *ResponseSystem) UpdateConfig(cfg ResponseConfig) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.cfg = cfg
	log.Info("Updated anomaly response configuration")
}

func (rs *ResponseSystem) persistLocked() {
	if rs.path == "" {
		return
	}
	if err := fileutil.WriteJSONAtomic(rs.path, rs.blocked); err != nil {
		log.WithError(err).Error("Could not persist blocklist")
	}
}
