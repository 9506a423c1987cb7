package presence

// Chat is one conversation and its current members.
type Chat struct {
	ID           string
	participants map[string]struct{}
	count        int
	group        bool
}

// IsGroupChat is sticky: once a chat had more than two members it stays a
// group chat.
func (c *Chat) IsGroupChat() bool { return c.group }

func (c *Chat) ParticipantCount() int { return c.count }

// Membership holds every chat the relay has seen. Chats are never removed.
type Membership struct {
	chats map[string]*Chat
}

func NewMembership() *Membership {
	return &Membership{chats: make(map[string]*Chat)}
}

// EnsureChat returns the chat, creating an empty one when absent.
func (m *Membership) EnsureChat(chatID string) *Chat {
	c, ok := m.chats[chatID]
	if !ok {
		c = &Chat{ID: chatID, participants: make(map[string]struct{})}
		m.chats[chatID] = c
	}
	return c
}

func (m *Membership) Chat(chatID string) (*Chat, bool) {
	c, ok := m.chats[chatID]
	return c, ok
}

func (m *Membership) Exists(chatID string) bool {
	_, ok := m.chats[chatID]
	return ok
}

func (m *Membership) AddParticipant(chatID, userID string) {
	c := m.EnsureChat(chatID)
	if _, ok := c.participants[userID]; ok {
		return
	}
	c.participants[userID] = struct{}{}
	c.count++
	if c.count > 2 {
		c.group = true
	}
}

func (m *Membership) RemoveParticipant(chatID, userID string) {
	c, ok := m.chats[chatID]
	if !ok {
		return
	}
	if _, ok := c.participants[userID]; !ok {
		return
	}
	delete(c.participants, userID)
	c.count--
}

// ParticipantIDs returns a snapshot of the chat's member ids.
func (m *Membership) ParticipantIDs(chatID string) []string {
	c, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	return sortedKeys(c.participants)
}

func (m *Membership) IsParticipant(chatID, userID string) bool {
	c, ok := m.chats[chatID]
	if !ok {
		return false
	}
	_, ok = c.participants[userID]
	return ok
}

func (m *Membership) IsGroupChat(chatID string) bool {
	c, ok := m.chats[chatID]
	return ok && c.group
}

func (m *Membership) Len() int { return len(m.chats) }
