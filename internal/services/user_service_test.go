package services

import (
	"encoding/json"
	"testing"
	"time"

	"chat-relay/internal/directory"
	"chat-relay/internal/models"
	"chat-relay/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactsOf(me string, blocked []string, contacts ...string) *models.ContactList {
	list := &models.ContactList{
		Me: models.DirectorySelf{
			DirectoryUser: models.DirectoryUser{UserID: me, Name: "name-" + me, PictureHash: "pic-" + me},
			Blocked:       blocked,
		},
	}
	for _, id := range contacts {
		list.Contacts = append(list.Contacts, models.DirectoryUser{UserID: id, Name: "name-" + id})
	}
	return list
}

func TestLogin_RefusedWithoutSession(t *testing.T) {
	r := newTestRelay(t)
	c := newFakeConn("c1")
	r.svc.Connect(c)

	r.handle(c, models.LoginRequest{RequestUserKey: "a", SessionKey: "forged"})

	assert.Equal(t, 1, c.count(models.EventRefused))
	assert.Zero(t, r.core.Registry.ConnectionCount("a"))
}

func TestLogin_SendsContactsAndPublishesPresence(t *testing.T) {
	r := newTestRelay(t)
	r.dir.contacts["b"] = contactsOf("b", nil, "a")
	r.dir.contacts["a"] = contactsOf("a", []string{"x"}, "b")

	bConn := r.login("b")
	bConn.reset()
	aConn := r.login("a")

	infos := aConn.events(models.EventContactsInfo)
	require.Len(t, infos, 1)
	info := infos[0].(models.ContactsInfo)
	assert.Equal(t, "name-a", info.MyInfo.Name)
	assert.Equal(t, "pic-a", info.MyInfo.PicHash)
	assert.Equal(t, models.StatusOnline, info.MyInfo.Status)
	assert.Equal(t, []string{"x"}, info.MyInfo.Blocked)
	assert.Equal(t, models.ContactInfo{Name: "name-b", Status: models.StatusOnline, PicHash: "pic-b"}, info.Contacts["b"])

	assert.True(t, r.core.Engine.IsBlocked("a", "x"))
	assert.Equal(t, 1, r.core.Registry.ConnectionCount("a"))

	var seen []models.StatusChange
	for _, p := range bConn.events(models.EventNewStatus) {
		seen = append(seen, p.(models.StatusChange))
	}
	assert.Contains(t, seen, models.StatusChange{UserKey: "a", StatusID: models.StatusOnline})
	assert.Equal(t, 1, aConn.count(models.EventPreviewInfo))
}

func TestLogin_ContactStatusIsViewerRelative(t *testing.T) {
	r := newTestRelay(t)
	r.dir.contacts["b"] = contactsOf("b", []string{"a"}, "a")
	r.dir.contacts["a"] = contactsOf("a", nil, "b")

	r.login("b")
	aConn := r.login("a")

	info := aConn.events(models.EventContactsInfo)[0].(models.ContactsInfo)
	assert.Equal(t, models.StatusOffline, info.Contacts["b"].Status)
}

func TestLogin_ConnectionGoneBeforeContacts(t *testing.T) {
	r := newTestRelay(t)
	r.svc.UpdateSessionKey("a", cred("a").SessionKey)
	c := newFakeConn("c1")
	r.svc.Connect(c)

	r.svc.Handle(c, models.LoginRequest{RequestUserKey: "a", SessionKey: cred("a").SessionKey})
	r.svc.Handle(c, models.ConnectionEvent{Kind: models.EventDisconnect})
	r.exec.drain()

	assert.Zero(t, r.core.Registry.ConnectionCount("a"))
	assert.Zero(t, c.count(models.EventContactsInfo))
}

func TestLogin_ContactListFailure(t *testing.T) {
	r := newTestRelay(t)
	r.dir.fail[directory.MethodContacts] = errBackend

	c := r.login("a")

	assert.Equal(t, 1, c.count(models.EventLoadError))
	assert.Zero(t, r.core.Registry.ConnectionCount("a"))
}

func TestLogin_DisabledUserGetsNoContactsOrChats(t *testing.T) {
	r := newTestRelay(t)
	list := contactsOf("a", nil, "b")
	list.Me.Disabled = true
	r.dir.contacts["a"] = list
	r.dir.pending["a"] = []string{"c1"}
	r.addChat("c1", "a", "b")

	r.svc.UpdateSessionKey("a", cred("a").SessionKey)
	c := newFakeConn("a-conn")
	r.svc.Connect(c)
	r.handle(c, models.LoginRequest{RequestUserKey: "a", SessionKey: cred("a").SessionKey})

	info := c.events(models.EventContactsInfo)[0].(models.ContactsInfo)
	assert.True(t, info.MyInfo.Disabled)
	assert.Empty(t, info.Contacts)
	assert.Zero(t, c.count(models.EventOpenChat))
	assert.Zero(t, c.count(models.EventPreviewInfo))
}

func TestLogin_RestoresPendingThenRequestedChats(t *testing.T) {
	r := newTestRelay(t)
	r.addChat("c1", "a", "b")
	r.addChat("c2", "a", "d")
	r.dir.pending["a"] = []string{"c1"}

	r.svc.UpdateSessionKey("a", cred("a").SessionKey)
	c := newFakeConn("a-conn")
	r.svc.Connect(c)
	r.handle(c, models.LoginRequest{
		RequestUserKey: "a",
		SessionKey:     cred("a").SessionKey,
		RestoreChats:   []string{"c1", "c2"},
	})

	opened := c.events(models.EventOpenChat)
	require.Len(t, opened, 2)
	first, second := opened[0].(models.OpenChat), opened[1].(models.OpenChat)
	assert.Equal(t, "c1", first.ChatKey)
	assert.False(t, first.Restore)
	assert.Equal(t, "c2", second.ChatKey)
	assert.True(t, second.Restore)
	assert.True(t, r.core.Chats.IsParticipant("c2", "d"))
}

func TestLogin_PreviewsSkipFullyBlockedChats(t *testing.T) {
	r := newTestRelay(t)
	r.dir.contacts["a"] = contactsOf("a", []string{"b"})
	r.dir.previews["a"] = []models.ChatPreview{
		{ChatKey: "c1", Message: json.RawMessage(`{"m":1}`), Participants: []string{"a", "b"}},
		{ChatKey: "c2", Message: json.RawMessage(`{"m":2}`), Participants: []string{"a", "b", "d"}, InactiveParticipants: []string{"e"}},
	}

	c := r.login("a")

	previews := c.events(models.EventPreviewInfo)
	require.Len(t, previews, 1)
	list := previews[0].([]models.PreviewInfo)
	require.Len(t, list, 1)
	assert.Equal(t, "c2", list[0].ChatKey)
	assert.Len(t, list[0].ParticipantsInfo, 4)
}

func TestChangePicture(t *testing.T) {
	r := newTestRelay(t)
	r.dir.contacts["b"] = contactsOf("b", nil, "a")
	r.dir.pictureHash = "newhash"
	bConn := r.login("b")
	aConn := r.login("a")

	r.handle(aConn, models.ChangePictureRequest{Credentials: cred("a"), PostData: map[string]string{models.FieldPicture: "data"}})

	want := models.Picture{PictureHash: "newhash", UserKey: "a"}
	assert.Equal(t, []any{want}, bConn.events(models.EventNewPIC))
	assert.Equal(t, []any{want}, aConn.events(models.EventNewPIC))
	u, _ := r.core.Engine.User("a")
	assert.Equal(t, "newhash", u.PictureHash)
}

func TestChangePicture_LandsAfterDisconnect(t *testing.T) {
	r := newTestRelay(t)
	r.dir.contacts["b"] = contactsOf("b", nil, "a")
	r.dir.pictureHash = "newhash"
	bConn := r.login("b")
	aConn := r.login("a")
	bConn.reset()

	r.svc.Handle(aConn, models.ChangePictureRequest{Credentials: cred("a"), PostData: map[string]string{models.FieldPicture: "data"}})
	r.svc.Handle(aConn, models.ConnectionEvent{Kind: models.EventDisconnect})
	r.clock.Advance(presence.DefaultOfflineGrace + time.Second)
	r.exec.drain()

	assert.Equal(t, []any{models.Picture{PictureHash: "newhash", UserKey: "a"}}, bConn.events(models.EventNewPIC))
	assert.Equal(t, []models.Status{models.StatusOffline}, statusesOf(bConn, "a"))
	assert.Equal(t, models.StatusOffline, r.core.Engine.EffectiveStatus("a", "b"))
}

func TestChangePicture_Failure(t *testing.T) {
	r := newTestRelay(t)
	r.dir.fail[directory.MethodPicture] = errBackend
	c := r.login("a")

	r.handle(c, models.ChangePictureRequest{Credentials: cred("a"), PostData: map[string]string{models.FieldPicture: "data"}})

	msgs := c.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$ERROR_INFO$Change picture failed.$END_INFO$", msgs[0].Message)
	assert.Zero(t, c.count(models.EventNewPIC))
}

func TestBlockAndUnblock(t *testing.T) {
	r := newTestRelay(t)
	r.dir.contacts["a"] = contactsOf("a", nil, "b")
	r.dir.contacts["b"] = contactsOf("b", nil, "a")
	aConn := r.login("a")
	bConn := r.login("b")
	aConn.reset()

	r.handle(bConn, models.BlockRequest{Credentials: cred("b"), TargetUserKey: "a"})

	assert.True(t, r.dir.blocks["a"])
	assert.True(t, r.core.Engine.IsBlocked("b", "a"))
	assert.Equal(t, []any{models.UserRef{UserKey: "a"}}, bConn.events(models.EventBlockUser))
	assert.Equal(t, models.StatusOffline, r.core.Engine.EffectiveStatus("b", "a"))

	r.handle(bConn, models.BlockRequest{Credentials: cred("b"), TargetUserKey: "a", Unblock: true})

	assert.False(t, r.core.Engine.IsBlocked("b", "a"))
	assert.Equal(t, 1, bConn.count(models.EventUnblockUser))
}

func TestBlock_FailureLeavesStateAlone(t *testing.T) {
	r := newTestRelay(t)
	r.dir.fail[directory.MethodBlock] = errBackend
	c := r.login("a")

	r.handle(c, models.BlockRequest{Credentials: cred("a"), TargetUserKey: "b"})

	assert.False(t, r.core.Engine.IsBlocked("a", "b"))
	assert.Zero(t, c.count(models.EventBlockUser))
}

func TestDisableAndEnable(t *testing.T) {
	r := newTestRelay(t)
	c := r.login("a")

	r.handle(c, models.DisableRequest{Credentials: cred("a")})
	u, _ := r.core.Engine.User("a")
	assert.True(t, u.Disabled)
	assert.True(t, r.dir.disabled["a"])

	r.handle(c, models.DisableRequest{Credentials: cred("a"), Enable: true})
	assert.False(t, u.Disabled)
}

func TestDisable_RequiresValidSession(t *testing.T) {
	r := newTestRelay(t)
	c := r.login("a")

	r.handle(c, models.DisableRequest{Credentials: models.Credentials{UserKey: "a", SessionKey: "stale"}})

	u, _ := r.core.Engine.User("a")
	assert.False(t, u.Disabled)
	assert.Empty(t, r.dir.disabled)
}

func TestLoadUsers(t *testing.T) {
	r := newTestRelay(t)
	r.dir.users = []models.DirectoryUser{
		{UserID: "a", Name: "Ann", PictureHash: "h1"},
		{UserID: "b", Name: "Bob", Disabled: true},
	}

	r.svc.LoadUsers()
	r.exec.drain()

	a, ok := r.core.Engine.User("a")
	require.True(t, ok)
	assert.Equal(t, "Ann", a.Name)
	b, ok := r.core.Engine.User("b")
	require.True(t, ok)
	assert.True(t, b.Disabled)
}

func TestControlTokens(t *testing.T) {
	tokens := NewControlTokens("s3cret", time.Hour)

	token, err := tokens.Generate("auth")
	require.NoError(t, err)

	subject, err := tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "auth", subject)

	_, err = NewControlTokens("other", time.Hour).Validate(token)
	assert.ErrorIs(t, err, ErrControlToken)

	_, err = tokens.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrControlToken)

	expired, err := NewControlTokens("s3cret", -time.Minute).Generate("auth")
	require.NoError(t, err)
	_, err = tokens.Validate(expired)
	assert.ErrorIs(t, err, ErrControlToken)
}
