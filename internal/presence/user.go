package presence

import (
	"sort"
	"time"

	"chat-relay/internal/clock"
	"chat-relay/internal/models"
)

// Conn is one live client connection.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// User is the in-memory presence record of one account. It lives for the
// whole process; display data is refreshed from the directory on login.
type User struct {
	ID          string
	Name        string
	PictureHash string
	Disabled    bool
	Status      models.Status

	blocked  map[string]struct{}
	contacts map[string]struct{} // users that receive this user's presence
	conns    map[string]Conn

	lastActivityAt  time.Time
	lastIdleCheckAt time.Time
	inactive        bool
	offline         bool

	generation   uint64
	offlineTimer clock.Timer
}

func newUser(id, name, pictureHash string, disabled bool, now time.Time) *User {
	return &User{
		ID:              id,
		Name:            name,
		PictureHash:     pictureHash,
		Disabled:        disabled,
		Status:          models.StatusOnline,
		blocked:         make(map[string]struct{}),
		contacts:        make(map[string]struct{}),
		conns:           make(map[string]Conn),
		lastActivityAt:  now,
		lastIdleCheckAt: now,
		offline:         true,
	}
}

// IsBlocked reports whether u has blocked id.
func (u *User) IsBlocked(id string) bool {
	_, ok := u.blocked[id]
	return ok
}

func (u *User) ConnectionCount() int { return len(u.conns) }

// MarkedOffline reports the post-debounce offline flag.
func (u *User) MarkedOffline() bool { return u.offline }

// MarkedInactive reports whether an idle check has flagged the user.
func (u *User) MarkedInactive() bool { return u.inactive }

// Contacts returns the ids of users that receive u's presence.
func (u *User) Contacts() []string { return sortedKeys(u.contacts) }

func (u *User) connections() []Conn {
	ids := make([]string, 0, len(u.conns))
	for id := range u.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Conn, 0, len(ids))
	for _, id := range ids {
		out = append(out, u.conns[id])
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
