// Package orchestrator drives the federated training loop: selecting
// clients, collecting their updates, and running the aggregation pipeline
// round by round.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RavinduMendis/R25-039/async"
	"github.com/RavinduMendis/R25-039/coordinator/adrm"
	"github.com/RavinduMendis/R25-039/coordinator/globalmodel"
	"github.com/RavinduMendis/R25-039/coordinator/ppm"
	"github.com/RavinduMendis/R25-039/coordinator/registry"
	"github.com/RavinduMendis/R25-039/coordinator/sam"
	"github.com/RavinduMendis/R25-039/crypto/hecodec"
	"github.com/RavinduMendis/R25-039/crypto/sss"
	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "orchestrator")

// State enumerates the round state machine.
type State string

// Round states.
const (
	StateIdle        State = "IDLE"
	StatePaused      State = "PAUSED_INSUFFICIENT_CLIENTS"
	StateSelection   State = "CLIENT_SELECTION"
	StateWaiting     State = "WAITING_FOR_UPDATES"
	StateAggregating State = "AGGREGATING"
	StateFinished    State = "FINISHED"
	StateStandby     State = "STANDBY"
)

// Config wires the orchestrator to its collaborators and tuning.
type Config struct {
	Registry   *registry.Registry
	Engine     *adrm.Engine
	Auditor    *ppm.Auditor
	Aggregator *sam.Aggregator
	Model      *globalmodel.Registry
	HECodec    hecodec.Codec
	SSSScheme  *sss.Scheme

	MaxRounds         uint64
	ClientsPerRound   int
	MinClients        int
	RoundTimeout      time.Duration
	AggregationMethod string
	CheckInterval     time.Duration
}

// Service is the round orchestrator. All state transitions are serialized
// by a single round lock; the periodic checker is the only initiator of new
// rounds and timeouts.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	lock          sync.Mutex
	state         State
	round         uint64
	selected      map[string]bool
	notifyPending map[string]bool
	updates       map[string]tensorcodec.ParameterMap
	updateModes   map[string]ppm.PrivacyMode
	shares        map[string]map[int][]byte
	roundStart    time.Time
	aggScheduled  bool
	startedAt     time.Time
	now           func() time.Time
}

// NewService builds the orchestrator in the IDLE state.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateIdle,
		selected:      make(map[string]bool),
		notifyPending: make(map[string]bool),
		updates:       make(map[string]tensorcodec.ParameterMap),
		updateModes:   make(map[string]ppm.PrivacyMode),
		shares:        make(map[string]map[int][]byte),
		now:           time.Now,
	}
}

// Start launches the periodic round checker.
func (s *Service) Start() {
	s.lock.Lock()
	s.startedAt = s.now()
	s.lock.Unlock()
	log.WithFields(logrus.Fields{
		"maxRounds":       s.cfg.MaxRounds,
		"clientsPerRound": s.cfg.ClientsPerRound,
		"method":          s.cfg.AggregationMethod,
	}).Info("Starting round orchestrator")
	async.RunEvery(s.ctx, s.cfg.CheckInterval, s.checkRound)
}

// Stop halts the checker.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status returns nil; the orchestrator has no degraded mode short of stop.
func (s *Service) Status() error { return nil }

// checkRound is the periodic driver: it starts rounds when enough clients
// are eligible and fires aggregation or cancellation on quorum and timeout.
func (s *Service) checkRound() {
	s.lock.Lock()

	switch s.state {
	case StateFinished, StateStandby, StateAggregating:
		s.lock.Unlock()
		return
	case StateIdle, StatePaused:
		s.tryStartRoundLocked()
		s.lock.Unlock()
		return
	case StateWaiting:
		if s.quorumReachedLocked() {
			s.scheduleAggregationLocked()
			s.lock.Unlock()
			return
		}
		if s.now().Sub(s.roundStart) > s.cfg.RoundTimeout {
			if len(s.updates) >= s.cfg.MinClients {
				log.WithField("round", s.round).Warn("Round timed out with enough updates, aggregating")
				s.scheduleAggregationLocked()
			} else {
				log.WithFields(logrus.Fields{
					"round":   s.round,
					"updates": len(s.updates),
				}).Warn("Round timed out below minimum updates, cancelling")
				s.clearRoundLocked()
				s.state = StateIdle
			}
		}
		s.lock.Unlock()
	default:
		s.lock.Unlock()
	}
}

func (s *Service) tryStartRoundLocked() {
	if s.round >= s.cfg.MaxRounds {
		s.state = StateFinished
		log.Info("All training rounds complete")
		return
	}
	if s.cfg.Registry.EligibleCount() < s.cfg.ClientsPerRound {
		s.state = StatePaused
		return
	}
	s.state = StateSelection
	round := s.round + 1
	selected := s.cfg.Registry.SelectForRound(s.cfg.ClientsPerRound, round)
	if len(selected) == 0 {
		s.state = StatePaused
		return
	}
	s.round = round
	s.selected = make(map[string]bool, len(selected))
	s.notifyPending = make(map[string]bool, len(selected))
	for _, id := range selected {
		s.selected[id] = true
		s.notifyPending[id] = true
	}
	s.updates = make(map[string]tensorcodec.ParameterMap)
	s.updateModes = make(map[string]ppm.PrivacyMode)
	s.shares = make(map[string]map[int][]byte)
	s.roundStart = s.now()
	s.state = StateWaiting
	log.WithFields(logrus.Fields{
		"round":    s.round,
		"selected": selected,
	}).Info("Started training round")
}

func (s *Service) quorumReachedLocked() bool {
	if len(s.updates) == 0 {
		return false
	}
	return len(s.updates) >= len(s.selected) || len(s.updates) >= s.cfg.MinClients
}

func (s *Service) scheduleAggregationLocked() {
	if s.aggScheduled {
		return
	}
	s.aggScheduled = true
	s.state = StateAggregating
	go s.runAggregation()
}

// NewRoundAvailable consumes the one-shot "selected and not yet notified"
// flag for a client, piggybacked on its heartbeat response.
func (s *Service) NewRoundAvailable(clientID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateWaiting || !s.notifyPending[clientID] {
		return false
	}
	delete(s.notifyPending, clientID)
	return true
}

// ModelForClient returns the encoded global model if the client is selected
// for the current round, not blocked, and the round is collecting updates.
func (s *Service) ModelForClient(clientID string) ([]byte, error) {
	s.lock.Lock()
	if err := s.acceptingFromLocked(clientID); err != nil {
		s.lock.Unlock()
		return nil, errors.Wrapf(err, "client %q is not cleared to fetch the model", clientID)
	}
	s.lock.Unlock()
	enc, err := tensorcodec.Encode(s.cfg.Model.State())
	if err != nil {
		return nil, errors.Wrap(err, "could not encode global model")
	}
	return enc, nil
}

// ReceiveUpdate ingests a Normal or HE update for the current round. The
// payload is decoded per its privacy mode, stage-1 checked, and buffered.
// Rejected or undecodable updates do not count toward quorum.
func (s *Service) ReceiveUpdate(clientID string, mode ppm.PrivacyMode, payload []byte) error {
	if mode != ppm.ModeNormal && mode != ppm.ModeHE {
		return errors.Errorf("unsupported privacy mode %q for direct updates", mode)
	}

	s.lock.Lock()
	if err := s.acceptingFromLocked(clientID); err != nil {
		s.lock.Unlock()
		return err
	}
	s.lock.Unlock()

	var pm tensorcodec.ParameterMap
	var err error
	switch mode {
	case ppm.ModeNormal:
		pm, err = tensorcodec.Decode(payload)
	case ppm.ModeHE:
		pm, err = s.cfg.HECodec.Decrypt(payload)
	}
	if err != nil {
		log.WithError(err).WithField("clientID", clientID).Warn("Discarding undecodable update")
		return err
	}
	if !s.cfg.Engine.ProcessUpdate(clientID, pm, payload) {
		return errors.Errorf("update from %q was rejected", clientID)
	}
	return s.bufferUpdate(clientID, mode, pm)
}

// ReceiveSSSShare stores one share for the client. Once the threshold is
// reached the payload is reconstructed, stage-1 checked, and buffered as a
// regular update; shares arriving afterwards are dropped.
func (s *Service) ReceiveSSSShare(clientID string, index, total int, data []byte) error {
	if total != s.cfg.SSSScheme.NumShares {
		return errors.Errorf("share total %d does not match the %d-share scheme", total, s.cfg.SSSScheme.NumShares)
	}
	if index < 0 || index >= total {
		return errors.Errorf("share index %d out of range [0, %d)", index, total)
	}

	s.lock.Lock()
	if err := s.acceptingFromLocked(clientID); err != nil {
		s.lock.Unlock()
		return err
	}
	if _, done := s.updates[clientID]; done {
		// Reconstruction already happened for this client.
		s.lock.Unlock()
		return nil
	}
	if s.shares[clientID] == nil {
		s.shares[clientID] = make(map[int][]byte)
	}
	s.shares[clientID][index] = data
	if len(s.shares[clientID]) < s.cfg.SSSScheme.Threshold {
		s.lock.Unlock()
		return nil
	}
	bundles := make([][]byte, 0, len(s.shares[clientID]))
	for _, b := range s.shares[clientID] {
		bundles = append(bundles, b)
	}
	delete(s.shares, clientID)
	s.lock.Unlock()

	payload, err := s.cfg.SSSScheme.Reconstruct(bundles)
	if err != nil {
		log.WithError(err).WithField("clientID", clientID).Warn("Could not reconstruct shared update")
		return err
	}
	pm, err := tensorcodec.Decode(payload)
	if err != nil {
		log.WithError(err).WithField("clientID", clientID).Warn("Reconstructed payload does not decode")
		return err
	}
	if !s.cfg.Engine.ProcessUpdate(clientID, pm, payload) {
		return errors.Errorf("update from %q was rejected", clientID)
	}
	return s.bufferUpdate(clientID, ppm.ModeSSS, pm)
}

func (s *Service) acceptingFromLocked(clientID string) error {
	if s.state != StateWaiting {
		return errors.Errorf("no round is collecting updates (state %s)", s.state)
	}
	if !s.selected[clientID] {
		return errors.Errorf("client %q is not selected for round %d", clientID, s.round)
	}
	if s.cfg.Engine.IsBlocked(clientID) {
		return errors.Errorf("client %q is blocked", clientID)
	}
	return nil
}

func (s *Service) bufferUpdate(clientID string, mode ppm.PrivacyMode, pm tensorcodec.ParameterMap) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.acceptingFromLocked(clientID); err != nil {
		return err
	}
	if _, dup := s.updates[clientID]; dup {
		return errors.Errorf("duplicate update from %q", clientID)
	}
	s.updates[clientID] = pm
	s.updateModes[clientID] = mode
	delete(s.shares, clientID)
	updatesReceivedTotal.Inc()
	log.WithFields(logrus.Fields{
		"clientID": clientID,
		"round":    s.round,
		"mode":     mode,
		"received": len(s.updates),
		"selected": len(s.selected),
	}).Info("Buffered client update")
	if s.quorumReachedLocked() {
		s.scheduleAggregationLocked()
	}
	return nil
}

// runAggregation executes the aggregation step for the current round.
func (s *Service) runAggregation() {
	s.lock.Lock()
	defer s.lock.Unlock()
	defer func() { s.aggScheduled = false }()

	if s.state != StateAggregating {
		return
	}
	round := s.round

	// Stage-2 peer check drops outliers from the round.
	outliers := s.cfg.Engine.DetectOutliers(s.updates)
	for _, id := range outliers {
		delete(s.updates, id)
		delete(s.updateModes, id)
		outliersDetectedTotal.Inc()
	}
	if len(s.updates) == 0 {
		log.WithField("round", round).Warn("No updates survived the peer check, abandoning round")
		s.abandonRoundLocked()
		return
	}

	// All remaining updates must share one privacy mode.
	var mode ppm.PrivacyMode
	for _, m := range s.updateModes {
		if mode == "" {
			mode = m
			continue
		}
		if m != mode {
			log.WithField("round", round).Error("Mixed privacy modes in round, abandoning")
			s.abandonRoundLocked()
			return
		}
	}
	if !s.cfg.Auditor.VerifyAudit(mode) {
		log.WithFields(logrus.Fields{"round": round, "mode": mode}).Error("Privacy audit rejected aggregation, abandoning round")
		s.abandonRoundLocked()
		return
	}

	method := s.cfg.AggregationMethod
	if mode == ppm.ModeHE && s.cfg.Auditor.RecommendHomomorphic() {
		method = sam.MethodHomomorphic
	}

	contributors := make([]string, 0, len(s.updates))
	deltas := make([]tensorcodec.ParameterMap, 0, len(s.updates))
	for _, id := range sortedKeys(s.updates) {
		contributors = append(contributors, id)
		deltas = append(deltas, s.updates[id])
	}

	newParams, err := s.cfg.Aggregator.Aggregate(method, s.cfg.Model.State(), deltas)
	if err != nil {
		log.WithError(err).WithField("round", round).Error("Aggregation failed, abandoning round")
		s.abandonRoundLocked()
		return
	}
	if err := s.cfg.Model.Apply(newParams); err != nil {
		log.WithError(err).WithField("round", round).Error("Could not apply aggregated model, abandoning round")
		s.abandonRoundLocked()
		return
	}

	metrics, err := s.cfg.Model.Evaluate()
	if err != nil {
		log.WithError(err).Warn("Post-aggregation evaluation failed")
	}
	s.cfg.Model.AddMetrics(round, metrics, method)
	s.cfg.Model.RecordAggregationEvent(round, metrics)
	for _, id := range contributors {
		s.cfg.Registry.RecordRoundParticipation(id, round, metrics)
	}
	roundsCompletedTotal.Inc()
	log.WithFields(logrus.Fields{
		"round":        round,
		"method":       method,
		"contributors": len(contributors),
		"version":      s.cfg.Model.Version(),
	}).Info("Round aggregated")

	s.clearRoundLocked()
	if s.round >= s.cfg.MaxRounds || s.cfg.Model.HasConverged() {
		s.state = StateFinished
		log.Info("Training finished")
	} else {
		s.state = StateIdle
	}
}

func (s *Service) abandonRoundLocked() {
	s.clearRoundLocked()
	s.state = StateIdle
}

func (s *Service) clearRoundLocked() {
	s.selected = make(map[string]bool)
	s.notifyPending = make(map[string]bool)
	s.updates = make(map[string]tensorcodec.ParameterMap)
	s.updateModes = make(map[string]ppm.PrivacyMode)
	s.shares = make(map[string]map[int][]byte)
}

// StopTraining moves the orchestrator to STANDBY, cancelling any collecting
// round.
func (s *Service) StopTraining() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clearRoundLocked()
	s.state = StateStandby
	log.Info("Training stopped, entering standby")
}

// ResumeTraining leaves STANDBY and lets the checker start rounds again.
func (s *Service) ResumeTraining() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateStandby {
		return
	}
	s.state = StateIdle
	log.Info("Resuming training")
}

// Progress is a point-in-time view of the training run for operators.
type Progress struct {
	State            State     `json:"state"`
	CurrentRound     uint64    `json:"current_round"`
	TotalRounds      uint64    `json:"total_rounds"`
	SelectedClients  []string  `json:"selected_clients"`
	UpdatesReceived  int       `json:"updates_received"`
	PendingShares    int       `json:"pending_shares"`
	ModelVersion     uint64    `json:"model_version"`
	BestAccuracy     float64   `json:"best_accuracy"`
	StartedAt        time.Time `json:"started_at"`
	RoundStartedAt   time.Time `json:"round_started_at,omitempty"`
	AggregationCalls uint64    `json:"aggregation_calls"`
}

// Progress reports the current training status.
func (s *Service) Progress() Progress {
	s.lock.Lock()
	defer s.lock.Unlock()
	selected := make([]string, 0, len(s.selected))
	for id := range s.selected {
		selected = append(selected, id)
	}
	sort.Strings(selected)
	return Progress{
		State:            s.state,
		CurrentRound:     s.round,
		TotalRounds:      s.cfg.MaxRounds,
		SelectedClients:  selected,
		UpdatesReceived:  len(s.updates),
		PendingShares:    len(s.shares),
		ModelVersion:     s.cfg.Model.Version(),
		BestAccuracy:     s.cfg.Model.BestAccuracy(),
		StartedAt:        s.startedAt,
		RoundStartedAt:   s.roundStart,
		AggregationCalls: s.cfg.Aggregator.Calls(),
	}
}

// CurrentState returns the state machine's current state.
func (s *Service) CurrentState() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func sortedKeys(m map[string]tensorcodec.ParameterMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
