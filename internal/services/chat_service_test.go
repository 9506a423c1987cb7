package services

import (
	"testing"

	"chat-relay/internal/directory"
	"chat-relay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatOf logs in a and b and has a open their direct chat c1.
func chatOf(t *testing.T) (*testRelay, *fakeConn, *fakeConn) {
	t.Helper()
	r := newTestRelay(t)
	r.addChat("c1", "a", "b")
	aConn := r.login("a")
	bConn := r.login("b")
	r.open(aConn, "a", "c1")
	require.True(t, r.core.Chats.IsParticipant("c1", "b"))
	aConn.reset()
	bConn.reset()
	return r, aConn, bConn
}

func TestOpenChat(t *testing.T) {
	r := newTestRelay(t)
	r.addChat("c1", "a", "b")
	r.dir.chats["c1"].InactiveParticipants = []string{"z"}
	aConn := r.login("a")
	bConn := r.login("b")

	r.handle(aConn, models.OpenChatRequest{Credentials: cred("a"), ChatKey: "c1", StartOpen: true})

	opened := aConn.events(models.EventOpenChat)
	require.Len(t, opened, 1)
	chat := opened[0].(models.OpenChat)
	assert.Equal(t, "c1", chat.ChatKey)
	assert.True(t, chat.StartOpen)
	assert.False(t, chat.Restore)
	assert.JSONEq(t, `[]`, string(chat.Messages))
	assert.Equal(t, models.ParticipantInfo{Name: "b"}, chat.ParticipantsInfo["b"])
	assert.Contains(t, chat.ParticipantsInfo, "z")
	assert.Zero(t, bConn.count(models.EventOpenChat))
	assert.Equal(t, []string{"a", "b"}, r.core.Chats.ParticipantIDs("c1"))
}

func TestStartChat_ByTarget(t *testing.T) {
	r := newTestRelay(t)
	r.addChat("c9", "a", "d")
	r.dir.direct["d"] = "c9"
	aConn := r.login("a")

	r.handle(aConn, models.StartChatRequest{Credentials: cred("a"), TargetUserKey: "d"})

	opened := aConn.events(models.EventOpenChat)
	require.Len(t, opened, 1)
	assert.True(t, opened[0].(models.OpenChat).StartOpen)
	require.Len(t, r.dir.chatRequests, 1)
	assert.Equal(t, "d", r.dir.chatRequests[0].TargetUserKey)
	assert.Empty(t, r.dir.chatRequests[0].ChatKey)
}

func TestOpenChat_Failure(t *testing.T) {
	r := newTestRelay(t)
	aConn := r.login("a")

	r.open(aConn, "a", "missing")

	msgs := aConn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$ERROR_INFO$Something went wrong. Please retry.$END_INFO$", msgs[0].Message)
	assert.Equal(t, "missing", msgs[0].ChatKey)
	assert.False(t, r.core.Chats.Exists("missing"))
}

func TestOpenChat_SkippedWhenEveryoneElseBlocked(t *testing.T) {
	r := newTestRelay(t)
	r.addChat("c1", "a", "b")
	aConn := r.login("a")
	r.core.Engine.EnsureUser("b", "", "", false)
	r.core.Engine.BlockUser("a", "b")

	r.open(aConn, "a", "c1")

	assert.Zero(t, aConn.count(models.EventOpenChat))
	assert.False(t, r.core.Chats.Exists("c1"))
}

func TestOpenChat_ConnectionGone(t *testing.T) {
	r := newTestRelay(t)
	r.addChat("c1", "a", "b")
	aConn := r.login("a")
	aConn.reset()

	r.svc.Handle(aConn, models.OpenChatRequest{Credentials: cred("a"), ChatKey: "c1"})
	r.svc.Handle(aConn, models.ConnectionEvent{Kind: models.EventDisconnect})
	r.exec.drain()

	assert.Zero(t, aConn.count(models.EventOpenChat))
	assert.False(t, r.core.Chats.Exists("c1"))
}

func TestSendMessage(t *testing.T) {
	r, aConn, bConn := chatOf(t)

	r.handle(aConn, models.SendMessageRequest{Credentials: cred("a"), ChatKey: "c1", Msg: `<b>"hi" & bye</b>`})

	want := "&lt;b>&quot;hi&quot; &amp; bye&lt;/b>"
	assert.Equal(t, []string{want}, r.dir.messages)
	for _, c := range []*fakeConn{aConn, bConn} {
		msgs := c.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, models.ChatMessage{UserKey: "a", ChatKey: "c1", Message: want, Timestamp: testStart.UnixMilli()}, msgs[0])
	}
}

func TestSendMessage_NotMember(t *testing.T) {
	r, _, _ := chatOf(t)
	dConn := r.login("d")

	r.handle(dConn, models.SendMessageRequest{Credentials: cred("d"), ChatKey: "c1", Msg: "hi"})

	assert.Empty(t, r.dir.messages)
}

func TestSendMessage_InvalidSessionDropped(t *testing.T) {
	r, aConn, bConn := chatOf(t)

	r.handle(aConn, models.SendMessageRequest{Credentials: models.Credentials{UserKey: "a", SessionKey: "old"}, ChatKey: "c1", Msg: "hi"})

	assert.Empty(t, r.dir.messages)
	assert.Empty(t, aConn.sent)
	assert.Empty(t, bConn.sent)
}

func TestSendMessage_FailureOnlyTellsSender(t *testing.T) {
	r, aConn, bConn := chatOf(t)
	second := newFakeConn("a-conn-2")
	r.svc.Connect(second)
	r.handle(second, models.LoginRequest{RequestUserKey: "a", SessionKey: cred("a").SessionKey, MobileView: true})
	second.reset()
	r.dir.fail[directory.MethodMsgNew] = errBackend

	r.handle(aConn, models.SendMessageRequest{Credentials: cred("a"), ChatKey: "c1", Msg: "hi"})

	msgs := aConn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$ERROR_INFO$Message failed.$END_INFO$", msgs[0].Message)
	assert.Empty(t, second.messages())
	assert.Empty(t, bConn.messages())
}

func TestAddToChat_GroupChat(t *testing.T) {
	r := newTestRelay(t)
	r.addChat("g1", "a", "b", "d")
	aConn := r.login("a")
	bConn := r.login("b")
	eConn := r.login("e")
	r.open(aConn, "a", "g1")
	require.True(t, r.core.Chats.IsGroupChat("g1"))
	aConn.reset()
	bConn.reset()

	r.handle(aConn, models.AddToChatRequest{Credentials: cred("a"), ChatKey: "g1", TargetUserKey: "e"})

	assert.Equal(t, []joinCall{{chatKey: "g1", target: "e"}}, r.dir.joins)
	assert.True(t, r.core.Chats.IsParticipant("g1", "e"))
	assert.Equal(t, []string{"$INFO$Added e to the conversation.$END_INFO$"}, r.dir.messages)

	for _, c := range []*fakeConn{aConn, bConn, eConn} {
		added := c.events(models.EventUserAdded)
		require.Len(t, added, 1, c.ID())
		assert.Len(t, added[0].(models.UserAdded).ParticipantsInfo, 4)
	}
	msgs := bConn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].UserKey)
}

func TestAddToChat_AdderLeftBeforeJoinCompleted(t *testing.T) {
	r := newTestRelay(t)
	r.addChat("g1", "a", "b", "d")
	aConn := r.login("a")
	bConn := r.login("b")
	r.open(aConn, "a", "g1")
	aConn.reset()
	bConn.reset()

	r.svc.Handle(aConn, models.AddToChatRequest{Credentials: cred("a"), ChatKey: "g1", TargetUserKey: "e"})
	join := r.exec.queue
	r.exec.queue = nil
	r.handle(aConn, models.LeaveChatRequest{Credentials: cred("a"), ChatKey: "g1"})
	bConn.reset()

	r.exec.queue = join
	r.exec.drain()

	assert.Equal(t, []joinCall{{chatKey: "g1", target: "e"}}, r.dir.joins)
	assert.True(t, r.core.Chats.IsParticipant("g1", "e"))
	assert.Zero(t, bConn.count(models.EventUserAdded))
	assert.Empty(t, bConn.messages())
	assert.Equal(t, []string{"$INFO$Left conversation.$END_INFO$"}, r.dir.messages)
}

func TestAddToChat_DirectChatStartsGroup(t *testing.T) {
	r, aConn, bConn := chatOf(t)
	r.addChat("g2", "a", "b", "d")
	r.dir.direct["d"] = "g2"

	r.handle(aConn, models.AddToChatRequest{Credentials: cred("a"), ChatKey: "c1", TargetUserKey: "d"})

	assert.Empty(t, r.dir.joins)
	last := r.dir.chatRequests[len(r.dir.chatRequests)-1]
	assert.True(t, last.StartGroupChat)
	assert.Equal(t, "c1", last.ChatKey)

	opened := aConn.events(models.EventOpenChat)
	require.Len(t, opened, 1)
	chat := opened[0].(models.OpenChat)
	assert.Equal(t, "g2", chat.ChatKey)
	assert.True(t, chat.StartOpen)
	assert.Zero(t, bConn.count(models.EventOpenChat))
	assert.Equal(t, []string{"a", "b"}, r.core.Chats.ParticipantIDs("c1"))
}

func TestLeaveChat(t *testing.T) {
	r, aConn, bConn := chatOf(t)

	r.handle(aConn, models.LeaveChatRequest{Credentials: cred("a"), ChatKey: "c1"})

	assert.Equal(t, []string{"c1"}, r.dir.leaves)
	assert.False(t, r.core.Chats.IsParticipant("c1", "a"))
	assert.True(t, r.core.Chats.Exists("c1"))

	ref := models.ChatUserRef{UserKey: "a", ChatKey: "c1"}
	assert.Equal(t, []any{ref}, aConn.events(models.EventYouLeft))
	assert.Zero(t, aConn.count(models.EventUserLeft))
	assert.Equal(t, []any{ref}, bConn.events(models.EventUserLeft))

	msgs := bConn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$INFO$Left conversation.$END_INFO$", msgs[0].Message)
}

func TestLeaveChat_Failure(t *testing.T) {
	r, aConn, bConn := chatOf(t)
	r.dir.fail[directory.MethodLeave] = errBackend

	r.handle(aConn, models.LeaveChatRequest{Credentials: cred("a"), ChatKey: "c1"})

	assert.True(t, r.core.Chats.IsParticipant("c1", "a"))
	assert.Len(t, aConn.messages(), 1)
	assert.Empty(t, bConn.sent)
}

func fileRequest(user string) models.SendFileRequest {
	return models.SendFileRequest{
		Credentials: cred(user),
		ChatKey:     "c1",
		PostData: map[string]string{
			models.FieldFileName: "a.pdf",
			models.FieldFileType: "application/pdf",
			models.FieldFileData: "Zm9v",
		},
	}
}

func TestSendFile(t *testing.T) {
	r, aConn, bConn := chatOf(t)
	r.dir.fileURL = "http://files/1"

	r.handle(aConn, fileRequest("a"))

	link := "$DWL$a|a.pdf|application/pdf|http://files/1|c1$DWL$"
	assert.Equal(t, []string{link}, r.dir.messages)
	assert.Equal(t, []any{"c1"}, aConn.events(models.EventFileAck))
	msgs := bConn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, link, msgs[0].Message)
}

func TestSendFile_UploadFailure(t *testing.T) {
	r, aConn, bConn := chatOf(t)
	r.dir.fail[directory.MethodFile] = errBackend

	r.handle(aConn, fileRequest("a"))

	msgs := aConn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$ERROR_INFO$Send file failed.$END_INFO$", msgs[0].Message)
	assert.Equal(t, 1, aConn.count(models.EventFileAck))
	assert.Empty(t, bConn.sent)
}

func TestSendFile_LinkNotStoredStillAnnounced(t *testing.T) {
	r, aConn, bConn := chatOf(t)
	r.dir.fileURL = "http://files/1"
	r.dir.fail[directory.MethodMsgNew] = errBackend

	r.handle(aConn, fileRequest("a"))

	msgs := aConn.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "$ERROR_INFO$Upload file message failed.$END_INFO$", msgs[0].Message)
	assert.Equal(t, 1, aConn.count(models.EventFileAck))
	assert.Len(t, bConn.messages(), 1)
}

func TestTyping(t *testing.T) {
	r, aConn, bConn := chatOf(t)

	r.handle(aConn, models.TypingRequest{Credentials: cred("a"), ChatKey: "c1"})
	r.handle(aConn, models.TypingRequest{Credentials: cred("a"), ChatKey: "c1", Ended: true})

	ref := models.ChatUserRef{UserKey: "a", ChatKey: "c1"}
	assert.Equal(t, []any{ref}, bConn.events(models.EventStartedTyping))
	assert.Equal(t, []any{ref}, bConn.events(models.EventEndedTyping))
}

func TestTyping_BlockedReceiverDropped(t *testing.T) {
	r, aConn, bConn := chatOf(t)
	r.core.Engine.BlockUser("b", "a")
	bConn.reset()

	r.handle(aConn, models.TypingRequest{Credentials: cred("a"), ChatKey: "c1"})

	assert.Zero(t, bConn.count(models.EventStartedTyping))
	assert.Equal(t, 1, aConn.count(models.EventStartedTyping))
}

func TestSeenMessages(t *testing.T) {
	r, aConn, _ := chatOf(t)

	r.handle(aConn, models.SeenMessagesRequest{Credentials: cred("a"), ChatKey: "c1"})

	assert.Equal(t, []string{"c1"}, r.dir.seen)
}
