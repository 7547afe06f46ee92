// Package registry tracks every enrolled client: connection status,
// reputation, and participation history. It owns client selection for
// training rounds and the heartbeat liveness sweep.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/RavinduMendis/R25-039/shared/fileutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

const (
	// StatusConnected marks a client with a recent heartbeat.
	StatusConnected = "connected"
	// StatusDisconnected marks a client whose heartbeat lapsed but is
	// still within the deregistration grace period.
	StatusDisconnected = "disconnected"
)

// MinSelectableReputation is the reputation a client must exceed to be
// eligible for round selection.
const MinSelectableReputation = 50

// Blocklist answers whether a client is currently blocked. Implemented by
// the anomaly response system.
type Blocklist interface {
	IsBlocked(clientID string) bool
}

// ReputationEvent is one entry in a client's reputation history.
type ReputationEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Delta      int       `json:"delta"`
	Reputation int       `json:"reputation"`
}

// Participation records one round a client contributed to.
type Participation struct {
	Round     uint64             `json:"round"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// ClientRecord is the registry's view of one client.
type ClientRecord struct {
	ClientID          string            `json:"client_id"`
	IPAddress         string            `json:"ip_address"`
	TransportTag      string            `json:"transport_tag"`
	Status            string            `json:"status"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
	UptimeStart       time.Time         `json:"uptime_start"`
	LatencyMS         float64           `json:"latency_ms"`
	Reputation        int               `json:"reputation"`
	ReputationHistory []ReputationEvent `json:"reputation_history,omitempty"`
	LastSuccessful    uint64            `json:"last_successful_round"`
	LastRoundSelected uint64            `json:"last_round_selected"`
	Participation     []Participation   `json:"participation_history,omitempty"`
}

func (c *ClientRecord) clone() *ClientRecord {
	cp := *c
	cp.ReputationHistory = append([]ReputationEvent(nil), c.ReputationHistory...)
	cp.Participation = append([]Participation(nil), c.Participation...)
	return &cp
}

// Registry is the in-memory client table backed by atomic JSON snapshots.
// All methods are safe for concurrent use.
type Registry struct {
	lock             sync.Mutex
	clients          map[string]*ClientRecord
	blocklist        Blocklist
	snapshotPath     string
	heartbeatTimeout time.Duration
	gracePeriod      time.Duration
	now              func() time.Time
}

// New builds a registry. If snapshotPath names an existing snapshot it is
// loaded; an empty path disables persistence.
func New(snapshotPath string, heartbeatTimeout, gracePeriod time.Duration) (*Registry, error) {
	r := &Registry{
		clients:          make(map[string]*ClientRecord),
		snapshotPath:     snapshotPath,
		heartbeatTimeout: heartbeatTimeout,
		gracePeriod:      gracePeriod,
		now:              time.Now,
	}
	if snapshotPath != "" && fileutil.FileExists(snapshotPath) {
		if err := fileutil.ReadJSON(snapshotPath, &r.clients); err != nil {
			return nil, errors.Wrap(err, "could not load client snapshot")
		}
		// Anything restored from disk starts disconnected until it
		// heartbeats again.
		for _, c := range r.clients {
			c.Status = StatusDisconnected
		}
		log.WithField("clients", len(r.clients)).Info("Restored client registry from snapshot")
	}
	return r, nil
}

// SetBlocklist wires the anomaly response system's blocklist into selection.
// Called once during node startup.
func (r *Registry) SetBlocklist(bl Blocklist) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.blocklist = bl
}

// Upsert creates or refreshes a client record and marks it connected.
func (r *Registry) Upsert(clientID, ip, transport string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.now()
	c, ok := r.clients[clientID]
	if !ok {
		c = &ClientRecord{
			ClientID:    clientID,
			Reputation:  100,
			UptimeStart: now,
		}
		r.clients[clientID] = c
		log.WithField("clientID", clientID).Info("Registered new client")
	}
	c.IPAddress = ip
	c.TransportTag = transport
	if c.Status != StatusConnected {
		c.UptimeStart = now
	}
	c.Status = StatusConnected
	c.LastHeartbeat = now
	r.persist()
}

// Heartbeat bumps the client's liveness timestamp and records the measured
// round-trip latency. A disconnected client transitions back to connected
// with a fresh uptime epoch.
func (r *Registry) Heartbeat(clientID string, latencyMS float64) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return errors.Errorf("unknown client %q", clientID)
	}
	now := r.now()
	if c.Status != StatusConnected {
		c.Status = StatusConnected
		c.UptimeStart = now
		log.WithField("clientID", clientID).Info("Client reconnected")
	}
	c.LastHeartbeat = now
	if latencyMS > 0 {
		c.LatencyMS = latencyMS
	}
	r.persist()
	return nil
}

// Deregister removes the client entirely.
func (r *Registry) Deregister(clientID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return
	}
	delete(r.clients, clientID)
	log.WithField("clientID", clientID).Info("Deregistered client")
	r.persist()
}

// Penalize subtracts penalty points from the client's reputation, clamped
// to zero, and appends the event to its history.
func (r *Registry) Penalize(clientID string, penalty int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	c.Reputation -= penalty
	if c.Reputation < 0 {
		c.Reputation = 0
	}
	c.ReputationHistory = append(c.ReputationHistory, ReputationEvent{
		Timestamp:  r.now(),
		Delta:      -penalty,
		Reputation: c.Reputation,
	})
	log.WithFields(logrus.Fields{
		"clientID":   clientID,
		"penalty":    penalty,
		"reputation": c.Reputation,
	}).Warn("Penalized client")
	r.persist()
}

// ResetHistory clears a client's reputation and participation history and
// restores full reputation. Administrative operation.
func (r *Registry) ResetHistory(clientID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	c.Reputation = 100
	c.ReputationHistory = nil
	c.Participation = nil
	c.LastSuccessful = 0
	log.WithField("clientID", clientID).Info("Reset client history")
	r.persist()
	return true
}

// RecordRoundParticipation appends a participation entry after the client's
// update made it into an aggregated round.
func (r *Registry) RecordRoundParticipation(clientID string, round uint64, metrics map[string]float64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	c.LastSuccessful = round
	c.Participation = append(c.Participation, Participation{
		Round:     round,
		Timestamp: r.now(),
		Metrics:   metrics,
	})
	r.persist()
}

type scoredClient struct {
	id           string
	score        float64
	lastSelected uint64
}

// SelectForRound picks k clients for the given round. Candidates must be
// connected, above the reputation threshold, and not blocked. Each is scored
// on reputation, uptime, and latency; candidates least recently selected go
// first, ties broken by score. Fewer than k eligible clients yields an empty
// list so the caller can pause the round.
func (r *Registry) SelectForRound(k int, round uint64) []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.now()
	candidates := make([]scoredClient, 0, len(r.clients))
	for id, c := range r.clients {
		if !r.eligibleLocked(c) {
			continue
		}
		candidates = append(candidates, scoredClient{
			id:           id,
			score:        selectionScore(c, now),
			lastSelected: c.LastRoundSelected,
		})
	}
	if len(candidates) < k {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastSelected != candidates[j].lastSelected {
			return candidates[i].lastSelected < candidates[j].lastSelected
		}
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	selected := make([]string, 0, k)
	for _, cand := range candidates[:k] {
		r.clients[cand.id].LastRoundSelected = round
		selected = append(selected, cand.id)
	}
	r.persist()
	return selected
}

func selectionScore(c *ClientRecord, now time.Time) float64 {
	uptime := now.Sub(c.UptimeStart).Seconds()
	uptimeFactor := uptime / 3600
	if uptimeFactor > 1 {
		uptimeFactor = 1
	}
	latency := c.LatencyMS
	if latency > 500 {
		latency = 500
	}
	return 0.6*(float64(c.Reputation)/100) + 0.3*uptimeFactor + 0.1*(1-latency/500)
}

func (r *Registry) eligibleLocked(c *ClientRecord) bool {
	if c.Status != StatusConnected || c.Reputation <= MinSelectableReputation {
		return false
	}
	if r.blocklist != nil && r.blocklist.IsBlocked(c.ClientID) {
		return false
	}
	return true
}

// EligibleCount returns how many clients could be selected right now.
func (r *Registry) EligibleCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, c := range r.clients {
		if r.eligibleLocked(c) {
			n++
		}
	}
	return n
}

// ConnectedCount returns the number of clients marked connected.
func (r *Registry) ConnectedCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, c := range r.clients {
		if c.Status == StatusConnected {
			n++
		}
	}
	return n
}

// Get returns a copy of the client's record.
func (r *Registry) Get(clientID string) (*ClientRecord, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// All returns copies of every record, sorted by client id.
func (r *Registry) All() []*ClientRecord {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]*ClientRecord, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// CheckHeartbeats sweeps the table, demoting clients whose heartbeat lapsed
// and removing those past the grace period. Run periodically by the node.
func (r *Registry) CheckHeartbeats() {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.now()
	changed := false
	for id, c := range r.clients {
		silent := now.Sub(c.LastHeartbeat)
		switch {
		case silent > r.gracePeriod:
			delete(r.clients, id)
			changed = true
			log.WithField("clientID", id).Warn("Client exceeded grace period, deregistering")
		case c.Status == StatusConnected && silent > r.heartbeatTimeout:
			c.Status = StatusDisconnected
			changed = true
			log.WithField("clientID", id).Info("Client missed heartbeats, marking disconnected")
		}
	}
	if changed {
		r.persist()
	}
}

// persist writes the snapshot while holding the lock.
func (r *Registry) persist() {
	if r.snapshotPath == "" {
		return
	}
	if err := fileutil.WriteJSONAtomic(r.snapshotPath, r.clients); err != nil {
		log.WithError(err).Error("Could not persist client snapshot")
	}
}
