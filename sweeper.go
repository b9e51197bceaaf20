package authcore

import (
	"context"
	"strconv"
	"time"
)

// SweepExpiredSetups clears every pending enrollment whose verification
// window elapsed, in one store transition. Expiry is lazy on the read path
// already; the sweep only keeps stale secrets from lingering at rest. It is
// idempotent and safe to run concurrently from multiple instances.
func (e *Engine) SweepExpiredSetups(ctx context.Context) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}

	cutoff := e.now().Add(-e.config.TwoFactor.SetupTTL)
	n, err := e.creds.ExpirePendingSetups(ctx, cutoff)
	if err != nil {
		return 0, storeErr(err)
	}

	if n > 0 {
		e.metrics.Add(MetricSetupsSwept, uint64(n))
		e.emitAudit(ctx, auditSetupSweep, "", "", true, nil,
			map[string]string{"expired": strconv.FormatInt(n, 10)})
	}
	return n, nil
}

// StartSetupSweeper runs SweepExpiredSetups on a fixed interval until
// StopSetupSweeper or Close. Starting an already-running sweeper is a
// no-op.
func (e *Engine) StartSetupSweeper(interval time.Duration) {
	if e == nil || interval <= 0 {
		return
	}

	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweepStop != nil {
		return
	}

	stop := make(chan struct{})
	e.sweepStop = stop

	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = e.SweepExpiredSetups(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// StopSetupSweeper stops the background sweep and waits for the in-flight
// pass, if any, to finish.
func (e *Engine) StopSetupSweeper() {
	if e == nil {
		return
	}

	e.sweepMu.Lock()
	stop := e.sweepStop
	e.sweepStop = nil
	e.sweepMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	e.sweepWG.Wait()
}
