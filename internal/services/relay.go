package services

import (
	"context"
	"errors"

	"chat-relay/internal/clock"
	"chat-relay/internal/directory"
	"chat-relay/internal/models"
	"chat-relay/internal/presence"
	"chat-relay/internal/utils"

	"go.uber.org/zap"
)

var ErrInvalidSession = errors.New("invalid session")

// User-visible failure texts.
const (
	msgRetry          = "Something went wrong. Please retry."
	msgMessageFailed  = "Message failed."
	msgPictureFailed  = "Change picture failed."
	msgFileFailed     = "Send file failed."
	msgFileLinkFailed = "Upload file message failed."
)

// Executor runs closures on the event loop and backend calls off it.
type Executor interface {
	Post(fn func())
	Go(work func(ctx context.Context) func())
}

// binding is one open connection and, once logged in, its user.
type binding struct {
	conn   presence.Conn
	userID string
}

// RelayService handles client events. Every method must run on the event
// loop; directory calls go through the executor and resume there.
type RelayService struct {
	core  *presence.Core
	dir   directory.Directory
	exec  Executor
	clock clock.Clock
	log   *zap.Logger
	conns map[string]*binding
}

func NewRelayService(core *presence.Core, dir directory.Directory, exec Executor, clk clock.Clock, log *zap.Logger) *RelayService {
	return &RelayService{
		core:  core,
		dir:   dir,
		exec:  exec,
		clock: clk,
		log:   log.Named("relay"),
		conns: make(map[string]*binding),
	}
}

// Connect registers a freshly opened connection.
func (s *RelayService) Connect(c presence.Conn) {
	s.conns[c.ID()] = &binding{conn: c}
}

// Handle dispatches one decoded client event.
func (s *RelayService) Handle(c presence.Conn, ev models.Event) {
	if auth, ok := ev.(models.Authenticated); ok && ev.Name() != models.EventLogin {
		if err := s.authorize(auth.Auth()); err != nil {
			s.log.Debug("event refused",
				zap.String("event", ev.Name()),
				zap.String("user", auth.Auth().UserKey),
				zap.Error(err))
			return
		}
	}

	switch e := ev.(type) {
	case models.LoginRequest:
		s.login(c, e)
	case models.OpenChatRequest:
		s.openChat(c, e)
	case models.StartChatRequest:
		s.startChat(c, e)
	case models.AddToChatRequest:
		s.addToChat(c, e)
	case models.LeaveChatRequest:
		s.leaveChat(c, e)
	case models.SendMessageRequest:
		s.sendMessage(c, e)
	case models.SendFileRequest:
		s.sendFile(c, e)
	case models.SeenMessagesRequest:
		s.seenMessages(e)
	case models.TypingRequest:
		s.typing(e)
	case models.ChangePictureRequest:
		s.changePicture(c, e)
	case models.BlockRequest:
		s.block(c, e)
	case models.ChangeStatusRequest:
		s.core.Engine.SetStatus(e.UserKey, e.StatusID)
	case models.DisableRequest:
		s.disable(e)
	case models.ConnectionEvent:
		s.connectionEvent(c, e)
	default:
		s.log.Warn("unhandled event", zap.String("event", ev.Name()))
	}
}

func (s *RelayService) connectionEvent(c presence.Conn, e models.ConnectionEvent) {
	switch e.Kind {
	case models.EventDisconnect:
		s.disconnect(c)
	case models.EventPing:
		if userID := s.boundUser(c); userID != "" {
			s.core.Engine.RecordActivity(userID)
		}
	case models.EventCheckIdle:
		if userID := s.boundUser(c); userID != "" {
			s.core.Engine.CheckIdle(userID)
		}
	}
}

func (s *RelayService) disconnect(c presence.Conn) {
	b, ok := s.conns[c.ID()]
	if !ok {
		return
	}
	delete(s.conns, c.ID())
	if b.userID != "" {
		s.core.Registry.RemoveConnection(b.userID, c.ID())
	}
}

// UpdateSessionKey records a token issued by the authentication system.
func (s *RelayService) UpdateSessionKey(userID, sessionKey string) {
	s.core.Sessions.Add(userID, sessionKey)
	s.log.Info("session key registered", zap.String("user", userID))
}

// Stats is a snapshot of the relay's in-memory state.
type Stats struct {
	Users          int `json:"users"`
	ConnectedUsers int `json:"connectedUsers"`
	Connections    int `json:"connections"`
	Sockets        int `json:"sockets"`
	Chats          int `json:"chats"`
}

func (s *RelayService) Stats() Stats {
	users, connected, connections := s.core.Engine.Stats()
	return Stats{
		Users:          users,
		ConnectedUsers: connected,
		Connections:    connections,
		Sockets:        len(s.conns),
		Chats:          s.core.Chats.Len(),
	}
}

func (s *RelayService) authorize(cred models.Credentials) error {
	if !s.core.Sessions.IsValid(cred.UserKey, cred.SessionKey) {
		return ErrInvalidSession
	}
	return nil
}

// alive reports whether c has not disconnected since it was registered.
func (s *RelayService) alive(c presence.Conn) bool {
	b, ok := s.conns[c.ID()]
	return ok && b.conn == c
}

func (s *RelayService) bind(c presence.Conn, userID string) {
	if b, ok := s.conns[c.ID()]; ok {
		b.userID = userID
	}
}

func (s *RelayService) boundUser(c presence.Conn) string {
	if b, ok := s.conns[c.ID()]; ok {
		return b.userID
	}
	return ""
}

// isMember reports whether userID currently participates in chatKey.
func (s *RelayService) isMember(chatKey, userID string) bool {
	return s.core.Chats.IsParticipant(chatKey, userID)
}

func (s *RelayService) chatMessage(userKey, chatKey, text string) models.ChatMessage {
	return models.ChatMessage{
		UserKey:   userKey,
		ChatKey:   chatKey,
		Message:   text,
		Timestamp: s.clock.Now().UnixMilli(),
	}
}

// replyError sends an inline error note to the connection that asked.
func (s *RelayService) replyError(c presence.Conn, cred models.Credentials, chatKey, text string) {
	if !s.alive(c) {
		return
	}
	msg := s.chatMessage(cred.UserKey, chatKey, utils.ErrorInfo(text))
	s.core.Router.DeliverToConn(cred.UserKey, c, models.EventNewMessage, msg, false, cred.UserKey)
}

func (s *RelayService) reply(c presence.Conn, userID, kind string, payload any) {
	if !s.alive(c) {
		return
	}
	s.core.Router.DeliverToConn(userID, c, kind, payload, false, userID)
}

// send writes straight to the connection, for answers given before the
// user is known.
func (s *RelayService) send(c presence.Conn, kind string, payload any) {
	if err := c.Send(kind, payload); err != nil {
		s.log.Warn("send failed", zap.String("conn", c.ID()), zap.String("event", kind), zap.Error(err))
	}
}

func (s *RelayService) participantInfo(userID string) models.ParticipantInfo {
	u := s.core.Engine.EnsureUser(userID, "", "", false)
	return models.ParticipantInfo{Name: u.Name, PicHash: u.PictureHash}
}
