package presence

import (
	"context"

	"chat-relay/internal/models"

	"go.uber.org/zap"
)

// Router delivers events to the live connections of users, applying the
// disabled, blocking and self-activity rules.
type Router struct {
	engine  *Engine
	chats   *Membership
	metrics *metrics
	log     *zap.Logger
}

func NewRouter(engine *Engine, chats *Membership, log *zap.Logger) *Router {
	return &Router{engine: engine, chats: chats, metrics: engine.metrics, log: log}
}

// DeliverToUser writes payload to every connection of target. Disabled
// targets, and targets that blocked from, receive nothing. A self-activity
// delivery counts as activity of the target.
func (r *Router) DeliverToUser(targetID, kind string, payload any, selfActivity bool, fromID string) {
	u, ok := r.accepts(targetID, fromID)
	if !ok {
		return
	}
	for _, c := range u.connections() {
		r.send(u, c, kind, payload)
	}
	if selfActivity {
		r.engine.RecordActivity(targetID)
	}
}

// DeliverToConn is DeliverToUser restricted to one connection, used to
// answer the connection that asked.
func (r *Router) DeliverToConn(targetID string, c Conn, kind string, payload any, selfActivity bool, fromID string) {
	u, ok := r.accepts(targetID, fromID)
	if !ok {
		return
	}
	r.send(u, c, kind, payload)
	if selfActivity {
		r.engine.RecordActivity(targetID)
	}
}

// BroadcastStatus sends subject's effective status, as each contact sees
// it, to every contact and subject's own view to subject.
func (r *Router) BroadcastStatus(subjectID string) {
	u, ok := r.engine.User(subjectID)
	if !ok {
		return
	}
	for _, contactID := range u.Contacts() {
		r.DeliverToUser(contactID, models.EventNewStatus, models.StatusChange{
			UserKey:  subjectID,
			StatusID: r.engine.EffectiveStatus(subjectID, contactID),
		}, false, subjectID)
	}
	r.DeliverToUser(subjectID, models.EventNewStatus, models.StatusChange{
		UserKey:  subjectID,
		StatusID: r.engine.EffectiveStatus(subjectID, subjectID),
	}, false, subjectID)
}

func (r *Router) BroadcastToContacts(subjectID, kind string, payload any) {
	u, ok := r.engine.User(subjectID)
	if !ok {
		return
	}
	for _, contactID := range u.Contacts() {
		r.DeliverToUser(contactID, kind, payload, false, subjectID)
	}
}

// BroadcastToChat delivers to every participant. Only the originator's own
// copy counts as its activity.
func (r *Router) BroadcastToChat(chatID, kind string, payload any, fromID string) {
	for _, userID := range r.chats.ParticipantIDs(chatID) {
		r.DeliverToUser(userID, kind, payload, userID == fromID, fromID)
	}
}

func (r *Router) accepts(targetID, fromID string) (*User, bool) {
	u, ok := r.engine.User(targetID)
	if !ok {
		return nil, false
	}
	if u.Disabled {
		r.metrics.drop("disabled")
		return nil, false
	}
	if fromID != "" && u.IsBlocked(fromID) {
		r.metrics.drop("blocked")
		return nil, false
	}
	return u, true
}

func (r *Router) send(u *User, c Conn, kind string, payload any) {
	if err := c.Send(kind, payload); err != nil {
		r.metrics.drop("send_error")
		r.log.Warn("delivery failed",
			zap.String("user", u.ID),
			zap.String("conn", c.ID()),
			zap.String("event", kind),
			zap.Error(err))
		return
	}
	r.metrics.deliveries.Add(context.Background(), 1)
}
