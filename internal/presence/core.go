package presence

import (
	"chat-relay/internal/clock"

	"go.uber.org/zap"
)

// Core wires the presence components together. None of them lock: all
// calls must come from the single event-processing context.
type Core struct {
	Sessions   *Sessions
	Engine     *Engine
	Registry   *Registry
	Chats      *Membership
	Router     *Router
	Reconciler *Reconciler
}

func NewCore(cfg Config, clk clock.Clock, log *zap.Logger) *Core {
	cfg = cfg.withDefaults()
	log = log.Named("presence")

	engine := newEngine(cfg, clk, log, newMetrics(nil))
	chats := NewMembership()
	router := NewRouter(engine, chats, log)
	engine.OnStatusChange(router.BroadcastStatus)

	return &Core{
		Sessions:   NewSessions(cfg.SessionHistory),
		Engine:     engine,
		Registry:   NewRegistry(engine, clk, cfg.OfflineGrace, log),
		Chats:      chats,
		Router:     router,
		Reconciler: NewReconciler(engine, cfg.SweepInterval, log),
	}
}
