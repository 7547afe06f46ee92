// Package params defines the coordinator's startup configuration, loaded
// from a JSON file and validated before any service starts.
package params

import (
	"encoding/json"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
)

// FederatedLearningConfig holds the round scheduling knobs.
type FederatedLearningConfig struct {
	TrainingRounds      int    `json:"training_rounds"`
	ClientsPerRound     int    `json:"clients_per_round"`
	MinClientsForRound  int    `json:"min_clients_for_round"`
	RoundTimeoutSeconds int    `json:"round_timeout_seconds"`
	AggregationMethod   string `json:"aggregation_method"`
	ConvergenceWindow   int    `json:"convergence_window"`
	SSSServers          int    `json:"sss_servers"`
	SSSThreshold        int    `json:"sss_threshold"`
}

// HEConfig toggles the homomorphic encryption policy.
type HEConfig struct {
	Active bool `json:"active"`
}

// DPConfig carries differential privacy parameters. The coordinator only
// audits them; it never adds noise itself.
type DPConfig struct {
	Epsilon float64 `json:"epsilon"`
	Delta   float64 `json:"delta"`
}

// PrivacyConfig groups the privacy policy settings.
type PrivacyConfig struct {
	HE HEConfig `json:"he"`
	DP DPConfig `json:"dp"`
}

// ADRMConfig holds the anomaly detection and response tunables. These can be
// updated live through the admin REST surface.
type ADRMConfig struct {
	BlockDurationMinutes      float64 `json:"block_duration_minutes"`
	PromotionThreshold        float64 `json:"promotion_threshold"`
	ChallengerBatchSize       int     `json:"challenger_batch_size"`
	CrossClientThreshold      float64 `json:"cross_client_threshold"`
	ReputationPenaltyForBlock int     `json:"reputation_penalty_for_block"`
	ReputationPenaltyLow      int     `json:"reputation_penalty_low"`
}

// Config is the full coordinator configuration tree.
type Config struct {
	FederatedLearning          FederatedLearningConfig `json:"federated_learning"`
	Privacy                    PrivacyConfig           `json:"privacy"`
	HeartbeatTimeoutSeconds    int                     `json:"heartbeat_timeout_seconds"`
	GracePeriodSeconds         int                     `json:"grace_period_seconds"`
	StatusCheckIntervalSeconds int                     `json:"status_check_interval_seconds"`
	RegistrationToken          string                  `json:"registration_token"`
	ADRM                       ADRMConfig              `json:"adrm"`
}

// DefaultConfig returns a config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		FederatedLearning: FederatedLearningConfig{
			TrainingRounds:      100,
			ClientsPerRound:     3,
			MinClientsForRound:  3,
			RoundTimeoutSeconds: 300,
			AggregationMethod:   "fedadam",
			ConvergenceWindow:   10,
			SSSServers:          3,
			SSSThreshold:        2,
		},
		Privacy: PrivacyConfig{
			HE: HEConfig{Active: false},
			DP: DPConfig{Epsilon: 1.0, Delta: 1e-5},
		},
		HeartbeatTimeoutSeconds:    30,
		GracePeriodSeconds:         300,
		StatusCheckIntervalSeconds: 10,
		RegistrationToken:          "secure-one-time-token",
		ADRM: ADRMConfig{
			BlockDurationMinutes:      30,
			PromotionThreshold:        1.1,
			ChallengerBatchSize:       10,
			CrossClientThreshold:      3.5,
			ReputationPenaltyForBlock: 15,
			ReputationPenaltyLow:      25,
		},
	}
}

// LoadConfigFile reads the JSON config at path on top of the defaults and
// validates the result.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := ioutil.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	fl := c.FederatedLearning
	if fl.TrainingRounds <= 0 {
		return errors.New("federated_learning.training_rounds must be positive")
	}
	if fl.ClientsPerRound <= 0 {
		return errors.New("federated_learning.clients_per_round must be positive")
	}
	if fl.MinClientsForRound <= 0 {
		return errors.New("federated_learning.min_clients_for_round must be positive")
	}
	if fl.RoundTimeoutSeconds <= 0 {
		return errors.New("federated_learning.round_timeout_seconds must be positive")
	}
	switch fl.AggregationMethod {
	case "fedavg", "fedadam":
	default:
		return errors.Errorf("unknown aggregation method %q", fl.AggregationMethod)
	}
	if fl.ConvergenceWindow < 0 {
		return errors.New("federated_learning.convergence_window cannot be negative")
	}
	if fl.SSSThreshold < 2 {
		return errors.New("federated_learning.sss_threshold must be at least 2")
	}
	if fl.SSSThreshold > fl.SSSServers {
		return errors.New("federated_learning.sss_threshold cannot exceed sss_servers")
	}
	if c.HeartbeatTimeoutSeconds <= 0 {
		return errors.New("heartbeat_timeout_seconds must be positive")
	}
	if c.GracePeriodSeconds <= c.HeartbeatTimeoutSeconds {
		return errors.New("grace_period_seconds must exceed heartbeat_timeout_seconds")
	}
	if c.StatusCheckIntervalSeconds <= 0 {
		return errors.New("status_check_interval_seconds must be positive")
	}
	if c.RegistrationToken == "" {
		return errors.New("registration_token must be set")
	}
	if c.ADRM.ChallengerBatchSize <= 0 {
		return errors.New("adrm.challenger_batch_size must be positive")
	}
	if c.ADRM.PromotionThreshold <= 0 {
		return errors.New("adrm.promotion_threshold must be positive")
	}
	return nil
}

// RoundTimeout returns the round timeout as a duration.
func (c *Config) RoundTimeout() time.Duration {
	return time.Duration(c.FederatedLearning.RoundTimeoutSeconds) * time.Second
}

// HeartbeatTimeout returns the heartbeat timeout as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// GracePeriod returns the deregistration grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// StatusCheckInterval returns the periodic checker interval as a duration.
func (c *Config) StatusCheckInterval() time.Duration {
	return time.Duration(c.StatusCheckIntervalSeconds) * time.Second
}

// BlockDuration returns the full anomaly block duration as a duration.
func (c *Config) BlockDuration() time.Duration {
	return time.Duration(c.ADRM.BlockDurationMinutes * float64(time.Minute))
}
