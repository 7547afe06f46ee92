package node

import (
	"context"
	"time"

	"github.com/RavinduMendis/R25-039/async"
	"github.com/RavinduMendis/R25-039/coordinator/registry"
)

// livenessSweeper periodically runs the registry's heartbeat sweep so stale
// clients are demoted and eventually deregistered.
type livenessSweeper struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *registry.Registry
	interval time.Duration
}

func newLivenessSweeper(ctx context.Context, reg *registry.Registry, interval time.Duration) *livenessSweeper {
	ctx, cancel := context.WithCancel(ctx)
	return &livenessSweeper{
		ctx:      ctx,
		cancel:   cancel,
		registry: reg,
		interval: interval,
	}
}

// Start schedules the periodic sweep.
func (s *livenessSweeper) Start() {
	async.RunEvery(s.ctx, s.interval, s.registry.CheckHeartbeats)
}

// Stop cancels the sweep.
func (s *livenessSweeper) Stop() error {
	s.cancel()
	return nil
}

// Status always reports healthy.
func (s *livenessSweeper) Status() error { return nil }
