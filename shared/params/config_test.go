package params_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/RavinduMendis/R25-039/shared/params"
	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
	"github.com/RavinduMendis/R25-039/shared/testutil/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, ioutil.WriteFile(fp, []byte(body), 0600))
	return fp
}

func TestLoadConfigFile_AppliesOverrides(t *testing.T) {
	fp := writeConfig(t, `{
		"federated_learning": {"training_rounds": 5, "clients_per_round": 2, "min_clients_for_round": 2},
		"privacy": {"he": {"active": true}},
		"adrm": {"cross_client_threshold": 4.0}
	}`)
	cfg, err := params.LoadConfigFile(fp)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.FederatedLearning.TrainingRounds)
	assert.Equal(t, 2, cfg.FederatedLearning.ClientsPerRound)
	assert.Equal(t, true, cfg.Privacy.HE.Active)
	assert.Equal(t, 4.0, cfg.ADRM.CrossClientThreshold)
	// Untouched keys keep defaults.
	assert.Equal(t, 300, cfg.FederatedLearning.RoundTimeoutSeconds)
	assert.Equal(t, "fedadam", cfg.FederatedLearning.AggregationMethod)
	assert.Equal(t, 25, cfg.ADRM.ReputationPenaltyLow)
}

func TestLoadConfigFile_RejectsZeroClientsPerRound(t *testing.T) {
	fp := writeConfig(t, `{"federated_learning": {"clients_per_round": 0}}`)
	_, err := params.LoadConfigFile(fp)
	require.ErrorContains(t, "clients_per_round", err)
}

func TestLoadConfigFile_RejectsZeroMinClients(t *testing.T) {
	fp := writeConfig(t, `{"federated_learning": {"min_clients_for_round": 0}}`)
	_, err := params.LoadConfigFile(fp)
	require.ErrorContains(t, "min_clients_for_round", err)
}

func TestLoadConfigFile_RejectsBadAggregationMethod(t *testing.T) {
	fp := writeConfig(t, `{"federated_learning": {"aggregation_method": "trimmed_mean"}}`)
	_, err := params.LoadConfigFile(fp)
	require.ErrorContains(t, "unknown aggregation method", err)
}

func TestLoadConfigFile_RejectsThresholdAboveServers(t *testing.T) {
	fp := writeConfig(t, `{"federated_learning": {"sss_servers": 2, "sss_threshold": 3}}`)
	_, err := params.LoadConfigFile(fp)
	require.ErrorContains(t, "sss_threshold", err)
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, params.DefaultConfig().Validate())
}
