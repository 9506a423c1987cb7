package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/clock"
	"chat-relay/internal/directory"
	"chat-relay/internal/models"
	"chat-relay/internal/presence"

	"go.uber.org/zap"
)

var (
	errBackend = errors.New("backend down")
	testStart  = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	id   string
	sent []sent
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	c.sent = append(c.sent, sent{event: event, payload: payload})
	return nil
}

func (c *fakeConn) events(event string) []any {
	var out []any
	for _, s := range c.sent {
		if s.event == event {
			out = append(out, s.payload)
		}
	}
	return out
}

func (c *fakeConn) count(event string) int { return len(c.events(event)) }

func (c *fakeConn) messages() []models.ChatMessage {
	var out []models.ChatMessage
	for _, p := range c.events(models.EventNewMessage) {
		out = append(out, p.(models.ChatMessage))
	}
	return out
}

func (c *fakeConn) reset() { c.sent = nil }

// queueExec collects posted closures and backend calls until drain runs
// them, so tests control when continuations land.
type queueExec struct {
	queue []func()
}

func (q *queueExec) Post(fn func()) { q.queue = append(q.queue, fn) }

func (q *queueExec) Go(work func(ctx context.Context) func()) {
	q.queue = append(q.queue, func() {
		if next := work(context.Background()); next != nil {
			q.queue = append(q.queue, next)
		}
	})
}

func (q *queueExec) drain() {
	for len(q.queue) > 0 {
		fn := q.queue[0]
		q.queue = q.queue[1:]
		fn()
	}
}

type joinCall struct {
	chatKey, target string
}

type fakeDirectory struct {
	mu sync.Mutex

	contacts map[string]*models.ContactList
	chats    map[string]*models.ChatInfo
	direct   map[string]string // target user -> chat key
	pending  map[string][]string
	previews map[string][]models.ChatPreview
	users    []models.DirectoryUser

	pictureHash string
	fileURL     string
	fail        map[string]error

	chatRequests []models.ChatInfoRequest
	messages     []string
	joins        []joinCall
	leaves       []string
	seen         []string
	blocks       map[string]bool
	disabled     map[string]bool
}

var _ directory.Directory = (*fakeDirectory)(nil)

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		contacts: make(map[string]*models.ContactList),
		chats:    make(map[string]*models.ChatInfo),
		direct:   make(map[string]string),
		pending:  make(map[string][]string),
		previews: make(map[string][]models.ChatPreview),
		fail:     make(map[string]error),
		blocks:   make(map[string]bool),
		disabled: make(map[string]bool),
	}
}

func (d *fakeDirectory) err(method string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fail[method]
}

func (d *fakeDirectory) ContactList(_ context.Context, cred models.Credentials) (*models.ContactList, error) {
	if err := d.err(directory.MethodContacts); err != nil {
		return nil, err
	}
	if list, ok := d.contacts[cred.UserKey]; ok {
		return list, nil
	}
	return &models.ContactList{Me: models.DirectorySelf{DirectoryUser: models.DirectoryUser{UserID: cred.UserKey, Name: cred.UserKey}}}, nil
}

func (d *fakeDirectory) PendingChatIDs(_ context.Context, cred models.Credentials) ([]string, error) {
	if err := d.err(directory.MethodPending); err != nil {
		return nil, err
	}
	return d.pending[cred.UserKey], nil
}

func (d *fakeDirectory) LatestPreviews(_ context.Context, cred models.Credentials) ([]models.ChatPreview, error) {
	if err := d.err(directory.MethodPreviews); err != nil {
		return nil, err
	}
	return d.previews[cred.UserKey], nil
}

func (d *fakeDirectory) ChatInfo(_ context.Context, req models.ChatInfoRequest) (*models.ChatInfo, error) {
	d.mu.Lock()
	d.chatRequests = append(d.chatRequests, req)
	d.mu.Unlock()
	if err := d.err(directory.MethodChatInfo); err != nil {
		return nil, err
	}
	key := req.ChatKey
	if req.ChatKey == "" || req.StartGroupChat {
		key = d.direct[req.TargetUserKey]
	}
	info, ok := d.chats[key]
	if !ok {
		return nil, &directory.FailureError{Method: directory.MethodChatInfo, Value: "Error: no chat"}
	}
	return info, nil
}

func (d *fakeDirectory) AllUsers(context.Context) ([]models.DirectoryUser, error) {
	if err := d.err(directory.MethodUsers); err != nil {
		return nil, err
	}
	return d.users, nil
}

func (d *fakeDirectory) NewMessage(_ context.Context, _ models.Credentials, _ string, text string, _ time.Time) error {
	if err := d.err(directory.MethodMsgNew); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, text)
	return nil
}

func (d *fakeDirectory) MarkSeen(_ context.Context, _ models.Credentials, chatKey string, _ time.Time) error {
	if err := d.err(directory.MethodMsgSeen); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, chatKey)
	return nil
}

func (d *fakeDirectory) SetBlocked(_ context.Context, _ models.Credentials, target string, blocked bool) error {
	if err := d.err(directory.MethodBlock); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[target] = blocked
	return nil
}

func (d *fakeDirectory) SetDisabled(_ context.Context, cred models.Credentials, disabled bool) error {
	if err := d.err(directory.MethodDisable); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disabled[cred.UserKey] = disabled
	return nil
}

func (d *fakeDirectory) Leave(_ context.Context, _ models.Credentials, chatKey string, _ time.Time) error {
	if err := d.err(directory.MethodLeave); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaves = append(d.leaves, chatKey)
	return nil
}

func (d *fakeDirectory) Join(_ context.Context, _ models.Credentials, chatKey, target string, _ time.Time) error {
	if err := d.err(directory.MethodJoin); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joins = append(d.joins, joinCall{chatKey: chatKey, target: target})
	return nil
}

func (d *fakeDirectory) SetPicture(context.Context, models.Credentials, map[string]string) (string, error) {
	if err := d.err(directory.MethodPicture); err != nil {
		return "", err
	}
	return d.pictureHash, nil
}

func (d *fakeDirectory) UploadFile(context.Context, models.Credentials, map[string]string) (string, error) {
	if err := d.err(directory.MethodFile); err != nil {
		return "", err
	}
	return d.fileURL, nil
}

type testRelay struct {
	svc   *RelayService
	core  *presence.Core
	dir   *fakeDirectory
	exec  *queueExec
	clock *clock.Fake
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	clk := clock.NewFake(testStart)
	core := presence.NewCore(presence.DefaultConfig(), clk, zap.NewNop())
	dir := newFakeDirectory()
	exec := &queueExec{}
	return &testRelay{
		svc:   NewRelayService(core, dir, exec, clk, zap.NewNop()),
		core:  core,
		dir:   dir,
		exec:  exec,
		clock: clk,
	}
}

func cred(user string) models.Credentials {
	return models.Credentials{UserKey: user, SessionKey: "sk-" + user}
}

// handle dispatches ev and runs every continuation it schedules.
func (r *testRelay) handle(c presence.Conn, ev models.Event) {
	r.svc.Handle(c, ev)
	r.exec.drain()
}

// login registers a session for user and logs a fresh connection in.
func (r *testRelay) login(user string) *fakeConn {
	r.svc.UpdateSessionKey(user, cred(user).SessionKey)
	c := newFakeConn(user + "-conn")
	r.svc.Connect(c)
	r.handle(c, models.LoginRequest{RequestUserKey: user, SessionKey: cred(user).SessionKey, MobileView: true})
	return c
}

func (r *testRelay) addChat(key string, participants ...string) {
	r.dir.chats[key] = &models.ChatInfo{ChatKey: key, Participants: participants, Messages: []byte(`[]`)}
}

// open makes user open chat key so the relay learns its members.
func (r *testRelay) open(c presence.Conn, user, key string) {
	r.handle(c, models.OpenChatRequest{Credentials: cred(user), ChatKey: key})
}
