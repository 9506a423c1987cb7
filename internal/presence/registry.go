package presence

import (
	"time"

	"chat-relay/internal/clock"
	"chat-relay/internal/models"

	"go.uber.org/zap"
)

// Registry tracks the live connections of each user and debounces the
// transition to offline after the last one closes.
type Registry struct {
	engine *Engine
	clock  clock.Clock
	grace  time.Duration
	log    *zap.Logger
}

func NewRegistry(engine *Engine, clk clock.Clock, grace time.Duration, log *zap.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultOfflineGrace
	}
	return &Registry{engine: engine, clock: clk, grace: grace, log: log}
}

// AddConnection registers c for the user. A pending offline transition is
// cancelled, and a user coming back after having been both offline and
// idle while Away is treated as Online again.
func (r *Registry) AddConnection(userID string, c Conn) {
	u := r.engine.EnsureUser(userID, "", "", false)

	if len(u.conns) == 0 && u.offlineTimer != nil {
		u.offlineTimer.Stop()
		u.offlineTimer = nil
	}
	u.generation++

	returningFromIdle := u.offline && r.engine.isInactive(u) && u.Status == models.StatusAway
	u.conns[c.ID()] = c

	changed := false
	if u.offline && u.Status != models.StatusOffline {
		u.offline = false
		if returningFromIdle {
			u.Status = models.StatusOnline
		}
		changed = true
	}
	if r.engine.touch(u) {
		changed = true
	}

	r.log.Debug("connection added",
		zap.String("user", userID),
		zap.String("conn", c.ID()),
		zap.Int("connections", len(u.conns)))

	if changed {
		r.engine.broadcast(u)
	}
}

// RemoveConnection unregisters a connection. Removing the last one arms the
// offline timer; it only takes effect if no connection was added since.
func (r *Registry) RemoveConnection(userID, connID string) {
	u, ok := r.engine.User(userID)
	if !ok {
		return
	}
	if _, ok := u.conns[connID]; !ok {
		return
	}
	delete(u.conns, connID)

	r.log.Debug("connection removed",
		zap.String("user", userID),
		zap.String("conn", connID),
		zap.Int("connections", len(u.conns)))

	if len(u.conns) > 0 {
		return
	}
	if u.offlineTimer != nil {
		u.offlineTimer.Stop()
	}
	gen := u.generation
	u.offlineTimer = r.clock.AfterFunc(r.grace, func() {
		r.expire(userID, gen)
	})
}

func (r *Registry) ConnectionCount(userID string) int {
	u, ok := r.engine.User(userID)
	if !ok {
		return 0
	}
	return len(u.conns)
}

// Connections returns the user's live connections ordered by id.
func (r *Registry) Connections(userID string) []Conn {
	u, ok := r.engine.User(userID)
	if !ok {
		return nil
	}
	return u.connections()
}

func (r *Registry) expire(userID string, gen uint64) {
	u, ok := r.engine.User(userID)
	if !ok {
		return
	}
	if u.generation != gen || len(u.conns) > 0 {
		return
	}
	u.offlineTimer = nil
	if u.offline {
		return
	}
	r.engine.markOffline(u, "debounce")
}
