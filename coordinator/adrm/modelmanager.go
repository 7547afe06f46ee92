package adrm

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/RavinduMendis/R25-039/shared/fileutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	championFile   = "champion.json"
	challengerFile = "challenger.json"
	archiveLayout  = "20060102_150405"
)

// PerformanceRecord is one champion vs challenger evaluation result.
type PerformanceRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	ChampionScore   float64   `json:"champion_score"`
	ChallengerScore float64   `json:"challenger_score"`
}

// ModelManager owns the champion and challenger anomaly models, their
// persistence, and the promotion decision.
type ModelManager struct {
	lock               sync.Mutex
	champion           *AnomalyModel
	challenger         *AnomalyModel
	modelDir           string
	perfLogPath        string
	promotionThreshold float64
	perfLog            []PerformanceRecord
	now                func() time.Time
}

// NewModelManager loads both model slots from modelDir. Missing files yield
// fresh untrained models.
func NewModelManager(modelDir, perfLogPath string, promotionThreshold float64) (*ModelManager, error) {
	if err := fileutil.MkdirAll(modelDir); err != nil {
		return nil, err
	}
	champion, err := LoadAnomalyModel(filepath.Join(modelDir, championFile))
	if err != nil {
		return nil, err
	}
	challenger, err := LoadAnomalyModel(filepath.Join(modelDir, challengerFile))
	if err != nil {
		return nil, err
	}
	mm := &ModelManager{
		champion:           champion,
		challenger:         challenger,
		modelDir:           modelDir,
		perfLogPath:        perfLogPath,
		promotionThreshold: promotionThreshold,
		now:                time.Now,
	}
	if perfLogPath != "" && fileutil.FileExists(perfLogPath) {
		if err := fileutil.ReadJSON(perfLogPath, &mm.perfLog); err != nil {
			return nil, errors.Wrap(err, "could not load performance log")
		}
	}
	return mm, nil
}

// Champion returns the active detector.
func (mm *ModelManager) Champion() *AnomalyModel {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	return mm.champion
}

// Challenger returns the model being trained as a replacement candidate.
func (mm *ModelManager) Challenger() *AnomalyModel {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	return mm.challenger
}

// PersistChallenger writes the challenger slot to disk after training.
func (mm *ModelManager) PersistChallenger() error {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	return mm.challenger.Save(filepath.Join(mm.modelDir, challengerFile))
}

// RecordPerformance appends an evaluation result to the performance log.
func (mm *ModelManager) RecordPerformance(championScore, challengerScore float64) {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	mm.perfLog = append(mm.perfLog, PerformanceRecord{
		Timestamp:       mm.now(),
		ChampionScore:   championScore,
		ChallengerScore: challengerScore,
	})
	if mm.perfLogPath != "" {
		if err := fileutil.WriteJSONAtomic(mm.perfLogPath, mm.perfLog); err != nil {
			log.WithError(err).Error("Could not persist performance log")
		}
	}
}

// PerformanceLog returns a copy of the recorded evaluations.
func (mm *ModelManager) PerformanceLog() []PerformanceRecord {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	out := make([]PerformanceRecord, len(mm.perfLog))
	copy(out, mm.perfLog)
	return out
}

// PromoteIfBetter promotes the challenger when its latest recorded score
// beats the champion's by the promotion threshold. The outgoing champion is
// archived under a timestamped filename and a fresh untrained challenger
// takes the empty slot. Returns whether a promotion happened.
func (mm *ModelManager) PromoteIfBetter() (bool, error) {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	if len(mm.perfLog) == 0 {
		return false, nil
	}
	latest := mm.perfLog[len(mm.perfLog)-1]
	if latest.ChallengerScore <= latest.ChampionScore*mm.promotionThreshold {
		return false, nil
	}

	archive := filepath.Join(mm.modelDir, "champion_archive_"+mm.now().Format(archiveLayout)+".json")
	if err := mm.champion.Save(archive); err != nil {
		return false, errors.Wrap(err, "could not archive champion")
	}
	mm.champion = mm.challenger
	mm.challenger = NewAnomalyModel()
	if err := mm.champion.Save(filepath.Join(mm.modelDir, championFile)); err != nil {
		return false, err
	}
	if err := mm.challenger.Save(filepath.Join(mm.modelDir, challengerFile)); err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{
		"championScore":   latest.ChampionScore,
		"challengerScore": latest.ChallengerScore,
		"archive":         filepath.Base(archive),
	}).Info("Promoted challenger to champion")
	return true, nil
}
