package presence

import (
	"context"
	"sort"
	"time"

	"chat-relay/internal/clock"
	"chat-relay/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultInactivityThreshold = 120 * time.Second
	DefaultOfflineGrace        = 10 * time.Second
	DefaultSweepInterval       = 10 * time.Second
	DefaultSweepGate           = 300 * time.Second
)

// Config holds the presence timings.
type Config struct {
	InactivityThreshold time.Duration
	OfflineGrace        time.Duration
	SweepInterval       time.Duration
	SweepGate           time.Duration
	SessionHistory      int
}

func DefaultConfig() Config {
	return Config{
		InactivityThreshold: DefaultInactivityThreshold,
		OfflineGrace:        DefaultOfflineGrace,
		SweepInterval:       DefaultSweepInterval,
		SweepGate:           DefaultSweepGate,
		SessionHistory:      DefaultSessionHistory,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = d.InactivityThreshold
	}
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = d.OfflineGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepGate <= 0 {
		c.SweepGate = d.SweepGate
	}
	if c.SessionHistory <= 0 {
		c.SessionHistory = d.SessionHistory
	}
	return c
}

// Engine owns every user's raw status, activity timestamps and the idle
// and offline flags. Effective status is always computed, never stored.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	users    map[string]*User
	onChange func(userID string)
	metrics  *metrics
	log      *zap.Logger
}

func newEngine(cfg Config, clk clock.Clock, log *zap.Logger, m *metrics) *Engine {
	return &Engine{
		cfg:      cfg,
		clock:    clk,
		users:    make(map[string]*User),
		onChange: func(string) {},
		metrics:  m,
		log:      log,
	}
}

// OnStatusChange installs the hook run whenever a user's visible status
// may have changed.
func (e *Engine) OnStatusChange(fn func(userID string)) {
	if fn == nil {
		fn = func(string) {}
	}
	e.onChange = fn
}

func (e *Engine) User(id string) (*User, bool) {
	u, ok := e.users[id]
	return u, ok
}

// EnsureUser returns the user with id, creating it when absent.
func (e *Engine) EnsureUser(id, name, pictureHash string, disabled bool) *User {
	if u, ok := e.users[id]; ok {
		return u
	}
	u := newUser(id, name, pictureHash, disabled, e.clock.Now())
	e.users[id] = u
	e.log.Debug("user created", zap.String("user", id))
	return u
}

// Refresh updates display data from a directory record.
func (e *Engine) Refresh(id, name, pictureHash string) {
	u, ok := e.users[id]
	if !ok {
		return
	}
	if name != "" {
		u.Name = name
	}
	if pictureHash != "" {
		u.PictureHash = pictureHash
	}
}

func (e *Engine) SetPicture(id, hash string) {
	if u, ok := e.users[id]; ok {
		u.PictureHash = hash
	}
}

// AddContact makes watcher receive subject's presence and contact events.
func (e *Engine) AddContact(subjectID, watcherID string) {
	if u, ok := e.users[subjectID]; ok {
		u.contacts[watcherID] = struct{}{}
	}
}

// UserIDs returns every known user id in order.
func (e *Engine) UserIDs() []string {
	ids := make([]string, 0, len(e.users))
	for id := range e.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecordActivity refreshes the activity timestamps and clears the idle and
// offline flags, broadcasting once if either was set.
func (e *Engine) RecordActivity(id string) {
	u, ok := e.users[id]
	if !ok {
		return
	}
	if e.touch(u) {
		e.broadcast(u)
	}
}

// SetStatus stores a client-chosen status. It always broadcasts.
func (e *Engine) SetStatus(id string, status models.Status) {
	u, ok := e.users[id]
	if !ok || !status.Valid() {
		return
	}
	u.Status = status
	e.touch(u)
	e.broadcast(u)
}

// IsInactive reports whether the user has been quiet for longer than the
// inactivity threshold.
func (e *Engine) IsInactive(id string) bool {
	u, ok := e.users[id]
	if !ok {
		return false
	}
	return e.isInactive(u)
}

// CheckIdle is the client heartbeat check: the first check after the
// threshold flags the user inactive and broadcasts.
func (e *Engine) CheckIdle(id string) {
	u, ok := e.users[id]
	if !ok {
		return
	}
	if e.isInactive(u) && !u.inactive {
		u.inactive = true
		e.broadcast(u)
	}
	u.lastIdleCheckAt = e.clock.Now()
}

// OfflineSweepTick marks a user offline when it is idle and no idle check
// has been seen within the sweep gate. It reports whether it did.
func (e *Engine) OfflineSweepTick(id string) bool {
	u, ok := e.users[id]
	if !ok || u.offline || !e.isInactive(u) {
		return false
	}
	if e.clock.Now().Sub(u.lastIdleCheckAt) <= e.cfg.SweepGate {
		return false
	}
	e.markOffline(u, "sweep")
	return true
}

// EffectiveStatus is subject's status as viewer sees it.
func (e *Engine) EffectiveStatus(subjectID, viewerID string) models.Status {
	u, ok := e.users[subjectID]
	if !ok {
		return models.StatusOffline
	}
	if u.IsBlocked(viewerID) {
		return models.StatusOffline
	}
	if u.Disabled || u.offline {
		return models.StatusOffline
	}
	if len(u.conns) == 0 && u.offlineTimer == nil {
		return models.StatusOffline
	}
	if e.isInactive(u) && (u.Status == models.StatusOnline || u.Status == models.StatusAway) {
		return models.StatusAway
	}
	return u.Status
}

// IsBlocked reports whether subject has blocked target.
func (e *Engine) IsBlocked(subjectID, targetID string) bool {
	u, ok := e.users[subjectID]
	return ok && u.IsBlocked(targetID)
}

// BlockUser hides subject from target and drops target's deliveries to
// subject. It reports whether anything changed.
func (e *Engine) BlockUser(subjectID, targetID string) bool {
	u, ok := e.users[subjectID]
	if !ok || u.IsBlocked(targetID) {
		return false
	}
	u.blocked[targetID] = struct{}{}
	e.broadcast(u)
	return true
}

func (e *Engine) UnblockUser(subjectID, targetID string) bool {
	u, ok := e.users[subjectID]
	if !ok || !u.IsBlocked(targetID) {
		return false
	}
	delete(u.blocked, targetID)
	e.broadcast(u)
	return true
}

func (e *Engine) Disable(id string) { e.setDisabled(id, true) }

func (e *Engine) Enable(id string) { e.setDisabled(id, false) }

func (e *Engine) setDisabled(id string, disabled bool) {
	u, ok := e.users[id]
	if !ok {
		return
	}
	u.Disabled = disabled
	e.broadcast(u)
}

// Stats counts users and live connections.
func (e *Engine) Stats() (users, connected, connections int) {
	for _, u := range e.users {
		users++
		if len(u.conns) > 0 {
			connected++
		}
		connections += len(u.conns)
	}
	return users, connected, connections
}

// touch records activity. The offline flag is only cleared while the user
// holds a connection; activity without one never makes a user visible.
func (e *Engine) touch(u *User) bool {
	now := e.clock.Now()
	u.lastActivityAt = now
	u.lastIdleCheckAt = now
	changed := u.inactive
	u.inactive = false
	if u.offline && len(u.conns) > 0 {
		u.offline = false
		changed = true
	}
	return changed
}

func (e *Engine) isInactive(u *User) bool {
	return e.clock.Now().Sub(u.lastActivityAt) > e.cfg.InactivityThreshold
}

func (e *Engine) markOffline(u *User, source string) {
	u.offline = true
	e.metrics.wentOffline(source)
	e.log.Debug("user offline", zap.String("user", u.ID), zap.String("source", source))
	e.broadcast(u)
}

func (e *Engine) broadcast(u *User) {
	e.metrics.broadcasts.Add(context.Background(), 1)
	e.onChange(u.ID)
}
