package presence

import (
	"errors"
	"testing"
	"time"

	"chat-relay/internal/clock"
	"chat-relay/internal/models"

	"go.uber.org/zap"
)

var errClosed = errors.New("connection closed")

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	id     string
	sent   []sent
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	if c.closed {
		return errClosed
	}
	c.sent = append(c.sent, sent{event: event, payload: payload})
	return nil
}

// statusesOf returns the statuses of subject this connection was told about.
func (c *fakeConn) statusesOf(subject string) []models.Status {
	var out []models.Status
	for _, s := range c.sent {
		if s.event != models.EventNewStatus {
			continue
		}
		if sc := s.payload.(models.StatusChange); sc.UserKey == subject {
			out = append(out, sc.StatusID)
		}
	}
	return out
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, s := range c.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) reset() { c.sent = nil }

func countStatus(statuses []models.Status, want models.Status) int {
	n := 0
	for _, s := range statuses {
		if s == want {
			n++
		}
	}
	return n
}

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestCore(t *testing.T) (*Core, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	return NewCore(DefaultConfig(), clk, zap.NewNop()), clk
}

// connectWatcher creates subject and a connected watcher that receives
// subject's presence.
func connectWatcher(core *Core, subjectID, watcherID string) *fakeConn {
	core.Engine.EnsureUser(subjectID, subjectID, "", false)
	core.Engine.EnsureUser(watcherID, watcherID, "", false)
	core.Engine.AddContact(subjectID, watcherID)
	conn := newFakeConn(watcherID + "-conn")
	core.Registry.AddConnection(watcherID, conn)
	return conn
}
