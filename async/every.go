// Package async provides helpers for running periodic background work.
package async

import (
	"context"
	"reflect"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunEvery calls f once per period on a background goroutine until the
// context is cancelled. The first call happens one full period after
// RunEvery returns, not immediately.
func RunEvery(ctx context.Context, period time.Duration, f func()) {
	name := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.WithField("function", name).Trace("running")
				f()
			case <-ctx.Done():
				log.WithField("function", name).Debug("context is closed, exiting")
				return
			}
		}
	}()
}
