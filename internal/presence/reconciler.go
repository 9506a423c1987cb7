package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler periodically marks offline the users whose connections went
// away without a close ever being observed.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
	log      *zap.Logger
}

func NewReconciler(engine *Engine, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reconciler{engine: engine, interval: interval, log: log}
}

// Sweep runs one pass over all users and returns how many went offline.
func (r *Reconciler) Sweep() int {
	n := 0
	for _, id := range r.engine.UserIDs() {
		if r.engine.OfflineSweepTick(id) {
			n++
		}
	}
	if n > 0 {
		r.log.Info("offline sweep", zap.Int("marked_offline", n))
	}
	return n
}

// Run schedules Sweep through post every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context, post func(func())) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			post(func() { r.Sweep() })
		}
	}
}
