// Package node assembles the coordinator: it builds every module from the
// parsed configuration, registers them in a service registry, and handles
// the process lifecycle.
package node

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/RavinduMendis/R25-039/coordinator/adrm"
	"github.com/RavinduMendis/R25-039/coordinator/certs"
	"github.com/RavinduMendis/R25-039/coordinator/gateway"
	"github.com/RavinduMendis/R25-039/coordinator/globalmodel"
	"github.com/RavinduMendis/R25-039/coordinator/orchestrator"
	"github.com/RavinduMendis/R25-039/coordinator/ppm"
	"github.com/RavinduMendis/R25-039/coordinator/registry"
	"github.com/RavinduMendis/R25-039/coordinator/rpc"
	"github.com/RavinduMendis/R25-039/coordinator/sam"
	"github.com/RavinduMendis/R25-039/crypto/hecodec"
	"github.com/RavinduMendis/R25-039/crypto/sss"
	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/RavinduMendis/R25-039/monitoring/prometheus"
	"github.com/RavinduMendis/R25-039/shared"
	"github.com/RavinduMendis/R25-039/shared/cmd"
	"github.com/RavinduMendis/R25-039/shared/fileutil"
	"github.com/RavinduMendis/R25-039/shared/logutil"
	"github.com/RavinduMendis/R25-039/shared/params"
	"github.com/RavinduMendis/R25-039/shared/version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

// CoordinatorNode handles the lifecycle of the whole coordinator and
// registers every service into a service registry.
type CoordinatorNode struct {
	cliCtx   *cli.Context
	lock     sync.RWMutex
	services *shared.ServiceRegistry
	cancel   context.CancelFunc
	stop     chan struct{}
}

// New creates a node instance, builds every module from configuration, and
// registers the network services.
func New(cliCtx *cli.Context) (*CoordinatorNode, error) {
	cfg := params.DefaultConfig()
	if cliCtx.IsSet(cmd.ConfigFileFlag.Name) {
		loaded, err := params.LoadConfigFile(cliCtx.String(cmd.ConfigFileFlag.Name))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	dataDir := cliCtx.String(cmd.DataDirFlag.Name)
	dbDir := filepath.Join(dataDir, "database")
	for _, dir := range []string{dbDir, filepath.Join(dbDir, "logs"), filepath.Join(dataDir, "saved_models")} {
		if err := fileutil.MkdirAll(dir); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	node := &CoordinatorNode{
		cliCtx:   cliCtx,
		services: shared.NewServiceRegistry(),
		cancel:   cancel,
		stop:     make(chan struct{}),
	}

	ring := logutil.NewRingHook(512)
	logrus.AddHook(ring)
	logrus.AddHook(prometheus.NewLogrusCollector())

	authority, err := certs.Initialize(cliCtx.String(cmd.CertsDirFlag.Name), []string{"localhost"})
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize certificate authority")
	}

	reg, err := registry.New(filepath.Join(dbDir, "client_data.json"), cfg.HeartbeatTimeout(), cfg.GracePeriod())
	if err != nil {
		return nil, err
	}
	response, err := adrm.NewResponseSystem(adrm.ResponseConfig{
		BlockDuration:   cfg.BlockDuration(),
		PenaltyForBlock: cfg.ADRM.ReputationPenaltyForBlock,
		PenaltyLow:      cfg.ADRM.ReputationPenaltyLow,
	}, reg, filepath.Join(dbDir, "adrm_blocked_clients.json"))
	if err != nil {
		return nil, err
	}
	reg.SetBlocklist(response)

	models, err := adrm.NewModelManager(
		filepath.Join(dbDir, "adrm_models"),
		filepath.Join(dbDir, "adrm_performance_log.json"),
		cfg.ADRM.PromotionThreshold,
	)
	if err != nil {
		return nil, err
	}
	engine := adrm.NewEngine(adrm.EngineConfig{
		ChallengerBatchSize:  cfg.ADRM.ChallengerBatchSize,
		CrossClientThreshold: cfg.ADRM.CrossClientThreshold,
	}, models, response)

	model, err := globalmodel.New(
		initialParameters(dataDir),
		nil,
		filepath.Join(dataDir, "saved_models"),
		filepath.Join(dbDir, "logs", "model_metrics_history.json"),
		cfg.FederatedLearning.ConvergenceWindow,
	)
	if err != nil {
		return nil, err
	}

	scheme, err := sss.New(cfg.FederatedLearning.SSSServers, cfg.FederatedLearning.SSSThreshold)
	if err != nil {
		return nil, err
	}
	auditor := ppm.NewAuditor(cfg.Privacy.HE.Active)
	auditor.SetDPParams(cfg.Privacy.DP.Epsilon, cfg.Privacy.DP.Delta)

	orch := orchestrator.NewService(ctx, &orchestrator.Config{
		Registry:          reg,
		Engine:            engine,
		Auditor:           auditor,
		Aggregator:        sam.New(sam.DefaultAdamParams()),
		Model:             model,
		HECodec:           hecodec.NewPassthrough(),
		SSSScheme:         scheme,
		MaxRounds:         uint64(cfg.FederatedLearning.TrainingRounds),
		ClientsPerRound:   cfg.FederatedLearning.ClientsPerRound,
		MinClients:        cfg.FederatedLearning.MinClientsForRound,
		RoundTimeout:      cfg.RoundTimeout(),
		AggregationMethod: cfg.FederatedLearning.AggregationMethod,
		CheckInterval:     cfg.StatusCheckInterval(),
	})
	if err := node.services.RegisterService(orch); err != nil {
		return nil, err
	}

	sweeper := newLivenessSweeper(ctx, reg, cfg.StatusCheckInterval())
	if err := node.services.RegisterService(sweeper); err != nil {
		return nil, err
	}

	tlsCfg, err := authority.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	control := rpc.NewControlService(&rpc.ControlConfig{
		Host:         cliCtx.String(cmd.ControlHostFlag.Name),
		Port:         cliCtx.Int(cmd.ControlPortFlag.Name),
		TLS:          tlsCfg,
		Registry:     reg,
		Orchestrator: orch,
	})
	if err := node.services.RegisterService(control); err != nil {
		return nil, err
	}

	enrollment := rpc.NewEnrollmentService(&rpc.EnrollmentConfig{
		Host:              cliCtx.String(cmd.ControlHostFlag.Name),
		Port:              cliCtx.Int(cmd.EnrollmentPortFlag.Name),
		RegistrationToken: cfg.RegistrationToken,
		Authority:         authority,
	})
	if err := node.services.RegisterService(enrollment); err != nil {
		return nil, err
	}

	admin := gateway.NewService(&gateway.Config{
		Host:         cliCtx.String(cmd.AdminHostFlag.Name),
		Port:         cliCtx.Int(cmd.AdminPortFlag.Name),
		Version:      version.GetVersion(),
		Registry:     reg,
		Orchestrator: orch,
		Model:        model,
		Response:     response,
		Models:       models,
		Engine:       engine,
		Auditor:      auditor,
		LogRing:      ring,
	})
	if err := node.services.RegisterService(admin); err != nil {
		return nil, err
	}

	return node, nil
}

// initialParameters loads the bootstrap model from the data directory, or
// falls back to a small zero-valued model so a fresh deployment can run end
// to end before a real model is provisioned.
func initialParameters(dataDir string) tensorcodec.ParameterMap {
	path := filepath.Join(dataDir, "initial_model.bin")
	if fileutil.FileExists(path) {
		data, err := os.ReadFile(path)
		if err == nil {
			if pm, err := tensorcodec.Decode(data); err == nil {
				log.WithField("path", path).Info("Loaded initial global model")
				return pm
			}
			log.WithField("path", path).Warn("Initial model file does not decode, using zero model")
		}
	}
	fc1, _ := tensorcodec.NewTensor(tensorcodec.Float32, []int64{16, 8})
	fc1b, _ := tensorcodec.NewTensor(tensorcodec.Float32, []int64{16})
	fc2, _ := tensorcodec.NewTensor(tensorcodec.Float32, []int64{2, 16})
	fc2b, _ := tensorcodec.NewTensor(tensorcodec.Float32, []int64{2})
	return tensorcodec.ParameterMap{
		"fc1.weight": fc1,
		"fc1.bias":   fc1b,
		"fc2.weight": fc2,
		"fc2.bias":   fc2b,
	}
}

// Start kicks off every registered service and blocks until interrupted.
func (n *CoordinatorNode) Start() {
	n.lock.Lock()
	log.WithField("version", version.GetVersion()).Info("Starting federated learning coordinator")
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the coordinator node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *CoordinatorNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping coordinator node")
	n.services.StopAll()
	n.cancel()
	close(n.stop)
}
