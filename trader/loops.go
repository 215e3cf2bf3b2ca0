package trader

import (
	"context"
	"sync"
	"time"

	"ocobot/logger"
)

// iterationTimeout bounds one loop pass so a stuck REST call cannot
// wedge a reconciliation loop forever.
const iterationTimeout = 2 * time.Minute

// Loops owns the background reconciliation goroutines: fill monitoring,
// outcome classification, the flatten watchdog and the orphan-leg
// audit. They share one stop channel so the engine shuts down as a
// unit.
type Loops struct {
	engine *Engine

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewLoops(engine *Engine) *Loops {
	return &Loops{
		engine: engine,
		stopCh: make(chan struct{}),
	}
}

// Start launches all reconciliation loops.
func (l *Loops) Start() {
	s := l.engine.settings.Snapshot()

	flattenInterval := time.Duration(s.FlattenCheckIntervalMin) * time.Minute
	if flattenInterval <= 0 {
		flattenInterval = 15 * time.Minute
	}

	l.runSupervised("fill-monitor", fillMonitorInterval, l.engine.fillMonitorPass)
	l.runSupervised("classifier", classifierInterval, l.engine.classifierPass)
	l.runSupervised("flatten-watchdog", flattenInterval, l.engine.flattenWatchdogPass)
	l.runSupervised("oco-audit", auditInterval, l.engine.auditPass)

	logger.Info("🔄 Reconciliation loops started")
}

// Stop signals all loops and position watchers and waits for them to
// drain.
func (l *Loops) Stop() {
	l.once.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	l.engine.StopWatchers()
	logger.Info("🛑 Reconciliation loops stopped")
}

// runSupervised drives fn on a ticker with per-iteration panic recovery
// and a per-iteration context. One panicking pass must not kill the
// loop: the next tick retries.
func (l *Loops) runSupervised(name string, interval time.Duration, fn func(ctx context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.runOnce(name, fn)
			}
		}
	}()
}

func (l *Loops) runOnce(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("❌ Loop %s panicked: %v", name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), iterationTimeout)
	defer cancel()
	fn(ctx)
}
