package services

import (
	"context"

	"chat-relay/internal/models"
	"chat-relay/internal/presence"
	"chat-relay/internal/utils"

	"go.uber.org/zap"
)

func (s *RelayService) openChat(c presence.Conn, e models.OpenChatRequest) {
	req := models.ChatInfoRequest{SessionKey: e.SessionKey, UserKey: e.UserKey, ChatKey: e.ChatKey}
	s.fetchChat(c, e.Credentials, req, false, e.StartOpen)
}

func (s *RelayService) startChat(c presence.Conn, e models.StartChatRequest) {
	req := models.ChatInfoRequest{SessionKey: e.SessionKey, UserKey: e.UserKey, TargetUserKey: e.TargetUserKey}
	s.fetchChat(c, e.Credentials, req, false, true)
}

// restoreChats reopens the chats with unseen messages, then the ones the
// client asked to restore that were not among them.
func (s *RelayService) restoreChats(c presence.Conn, cred models.Credentials, toRestore []string) {
	s.exec.Go(func(ctx context.Context) func() {
		ids, err := s.dir.PendingChatIDs(ctx, cred)
		return func() {
			if !s.alive(c) {
				return
			}
			if err != nil {
				s.log.Warn("pending chats failed", zap.String("user", cred.UserKey), zap.Error(err))
				s.send(c, models.EventLoadError, nil)
				return
			}

			opened := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				s.fetchChat(c, cred, models.ChatInfoRequest{SessionKey: cred.SessionKey, UserKey: cred.UserKey, ChatKey: id}, false, false)
				opened[id] = struct{}{}
			}
			for _, id := range toRestore {
				if _, ok := opened[id]; ok {
					continue
				}
				s.fetchChat(c, cred, models.ChatInfoRequest{SessionKey: cred.SessionKey, UserKey: cred.UserKey, ChatKey: id}, true, false)
			}
		}
	})
}

// fetchChat loads a chat from the directory, records its members and sends
// it to the connection that asked.
func (s *RelayService) fetchChat(c presence.Conn, cred models.Credentials, req models.ChatInfoRequest, restore, startOpen bool) {
	s.exec.Go(func(ctx context.Context) func() {
		info, err := s.dir.ChatInfo(ctx, req)
		return func() {
			if !s.alive(c) {
				return
			}
			if err != nil {
				s.log.Warn("chat info failed",
					zap.String("user", cred.UserKey),
					zap.String("chat", req.ChatKey),
					zap.Error(err))
				s.replyError(c, cred, req.ChatKey, msgRetry)
				return
			}

			participants, ok := s.visibleParticipants(cred.UserKey, info.Participants, info.InactiveParticipants)
			if !ok {
				return
			}
			for _, id := range info.Participants {
				s.core.Chats.AddParticipant(info.ChatKey, id)
			}

			res := models.OpenChat{
				ChatKey:              info.ChatKey,
				Participants:         info.Participants,
				Messages:             info.Messages,
				InactiveParticipants: info.InactiveParticipants,
				Restore:              restore,
				ParticipantsInfo:     participants,
				StartOpen:            startOpen,
			}
			s.core.Router.DeliverToConn(cred.UserKey, c, models.EventOpenChat, res, true, cred.UserKey)
		}
	})
}

// loadPreviews sends the latest message of each chat the user is in.
func (s *RelayService) loadPreviews(c presence.Conn, cred models.Credentials) {
	s.exec.Go(func(ctx context.Context) func() {
		previews, err := s.dir.LatestPreviews(ctx, cred)
		return func() {
			if !s.alive(c) {
				return
			}
			if err != nil {
				s.log.Warn("previews failed", zap.String("user", cred.UserKey), zap.Error(err))
				return
			}

			result := make([]models.PreviewInfo, 0, len(previews))
			for _, p := range previews {
				participants, ok := s.visibleParticipants(cred.UserKey, p.Participants, p.InactiveParticipants)
				if !ok {
					continue
				}
				result = append(result, models.PreviewInfo{
					ChatKey:              p.ChatKey,
					Message:              p.Message,
					IsUnread:             p.IsUnread,
					Participants:         p.Participants,
					InactiveParticipants: p.InactiveParticipants,
					ParticipantsInfo:     participants,
				})
			}
			s.reply(c, cred.UserKey, models.EventPreviewInfo, result)
		}
	})
}

// visibleParticipants builds the display data of a chat's members. It
// reports false for chats where the viewer blocked every other member.
func (s *RelayService) visibleParticipants(viewerID string, active, inactive []string) (map[string]models.ParticipantInfo, bool) {
	info := make(map[string]models.ParticipantInfo, len(active)+len(inactive))
	blocked := 0
	for _, id := range active {
		if s.core.Engine.IsBlocked(viewerID, id) {
			blocked++
		}
		info[id] = s.participantInfo(id)
	}
	if len(active) > 0 && blocked == len(active)-1 {
		return nil, false
	}
	for _, id := range inactive {
		info[id] = s.participantInfo(id)
	}
	return info, true
}

func (s *RelayService) addToChat(c presence.Conn, e models.AddToChatRequest) {
	if !s.isMember(e.ChatKey, e.UserKey) {
		return
	}
	if !s.core.Chats.IsGroupChat(e.ChatKey) {
		// a direct chat is never widened; a new group chat is opened instead
		s.fetchChat(c, e.Credentials, models.ChatInfoRequest{
			SessionKey:     e.SessionKey,
			UserKey:        e.UserKey,
			ChatKey:        e.ChatKey,
			TargetUserKey:  e.TargetUserKey,
			StartGroupChat: true,
		}, false, true)
		return
	}

	at := s.clock.Now()
	s.exec.Go(func(ctx context.Context) func() {
		err := s.dir.Join(ctx, e.Credentials, e.ChatKey, e.TargetUserKey, at)
		return func() {
			if err != nil {
				s.log.Warn("join failed", zap.String("chat", e.ChatKey), zap.Error(err))
				s.replyError(c, e.Credentials, e.ChatKey, msgRetry)
				return
			}

			s.core.Chats.AddParticipant(e.ChatKey, e.TargetUserKey)
			if !s.isMember(e.ChatKey, e.UserKey) {
				s.log.Info("adder left before join completed, not announcing",
					zap.String("chat", e.ChatKey),
					zap.String("user", e.UserKey),
					zap.String("target", e.TargetUserKey))
				return
			}
			added := models.UserAdded{ChatKey: e.ChatKey, ParticipantsInfo: make(map[string]models.ParticipantInfo)}
			for _, id := range s.core.Chats.ParticipantIDs(e.ChatKey) {
				added.ParticipantsInfo[id] = s.participantInfo(id)
			}
			note := utils.Info("Added " + s.participantInfo(e.TargetUserKey).Name + " to the conversation.")

			s.persistThen(e.Credentials, e.ChatKey, note, func() {
				s.core.Router.BroadcastToChat(e.ChatKey, models.EventUserAdded, added, e.UserKey)
				s.core.Router.BroadcastToChat(e.ChatKey, models.EventNewMessage, s.chatMessage(e.UserKey, e.ChatKey, note), e.UserKey)
			})
		}
	})
}

func (s *RelayService) leaveChat(c presence.Conn, e models.LeaveChatRequest) {
	if !s.isMember(e.ChatKey, e.UserKey) {
		return
	}

	at := s.clock.Now()
	s.exec.Go(func(ctx context.Context) func() {
		err := s.dir.Leave(ctx, e.Credentials, e.ChatKey, at)
		return func() {
			if err != nil {
				s.log.Warn("leave failed", zap.String("chat", e.ChatKey), zap.Error(err))
				s.replyError(c, e.Credentials, e.ChatKey, msgRetry)
				return
			}

			s.core.Chats.RemoveParticipant(e.ChatKey, e.UserKey)
			left := models.ChatUserRef{UserKey: e.UserKey, ChatKey: e.ChatKey}
			s.core.Router.DeliverToUser(e.UserKey, models.EventYouLeft, left, false, e.UserKey)

			note := utils.Info("Left conversation.")
			s.persistThen(e.Credentials, e.ChatKey, note, func() {
				s.core.Router.BroadcastToChat(e.ChatKey, models.EventUserLeft, left, e.UserKey)
				s.core.Router.BroadcastToChat(e.ChatKey, models.EventNewMessage, s.chatMessage(e.UserKey, e.ChatKey, note), e.UserKey)
			})
		}
	})
}

// persistThen stores an informational message and runs then once it is
// stored. A failed store is only logged.
func (s *RelayService) persistThen(cred models.Credentials, chatKey, text string, then func()) {
	at := s.clock.Now()
	s.exec.Go(func(ctx context.Context) func() {
		if err := s.dir.NewMessage(ctx, cred, chatKey, text, at); err != nil {
			s.log.Warn("storing info message failed", zap.String("chat", chatKey), zap.Error(err))
			return nil
		}
		return then
	})
}

func (s *RelayService) sendMessage(c presence.Conn, e models.SendMessageRequest) {
	if !s.isMember(e.ChatKey, e.UserKey) {
		return
	}

	text := utils.EscapeMessage(e.Msg)
	at := s.clock.Now()
	s.exec.Go(func(ctx context.Context) func() {
		err := s.dir.NewMessage(ctx, e.Credentials, e.ChatKey, text, at)
		return func() {
			if err != nil {
				s.log.Warn("message failed", zap.String("chat", e.ChatKey), zap.Error(err))
				s.replyError(c, e.Credentials, e.ChatKey, msgMessageFailed)
				return
			}
			s.core.Router.BroadcastToChat(e.ChatKey, models.EventNewMessage, s.chatMessage(e.UserKey, e.ChatKey, text), e.UserKey)
		}
	})
}

func (s *RelayService) sendFile(c presence.Conn, e models.SendFileRequest) {
	if !s.isMember(e.ChatKey, e.UserKey) {
		return
	}

	postData := make(map[string]string, len(e.PostData)+1)
	for k, v := range e.PostData {
		postData[k] = v
	}
	postData[models.FieldChatKey] = e.ChatKey

	s.exec.Go(func(ctx context.Context) func() {
		url, err := s.dir.UploadFile(ctx, e.Credentials, postData)
		return func() {
			if err != nil {
				s.log.Warn("file upload failed", zap.String("chat", e.ChatKey), zap.Error(err))
				s.replyError(c, e.Credentials, e.ChatKey, msgFileFailed)
				s.reply(c, e.UserKey, models.EventFileAck, e.ChatKey)
				return
			}

			link := utils.FileLink(s.participantInfo(e.UserKey).Name,
				postData[models.FieldFileName], postData[models.FieldFileType], url, e.ChatKey)
			s.storeFileLink(c, e, link)
		}
	})
}

// storeFileLink persists the download link. The link is announced even
// when storing it failed, since the file itself was uploaded.
func (s *RelayService) storeFileLink(c presence.Conn, e models.SendFileRequest, link string) {
	at := s.clock.Now()
	s.exec.Go(func(ctx context.Context) func() {
		err := s.dir.NewMessage(ctx, e.Credentials, e.ChatKey, link, at)
		return func() {
			if err != nil {
				s.log.Warn("file link not stored", zap.String("chat", e.ChatKey), zap.Error(err))
				s.replyError(c, e.Credentials, e.ChatKey, msgFileLinkFailed)
			}
			s.reply(c, e.UserKey, models.EventFileAck, e.ChatKey)
			s.core.Router.BroadcastToChat(e.ChatKey, models.EventNewMessage, s.chatMessage(e.UserKey, e.ChatKey, link), e.UserKey)
		}
	})
}

func (s *RelayService) seenMessages(e models.SeenMessagesRequest) {
	at := s.clock.Now()
	s.exec.Go(func(ctx context.Context) func() {
		if err := s.dir.MarkSeen(ctx, e.Credentials, e.ChatKey, at); err != nil {
			s.log.Warn("mark seen failed", zap.String("chat", e.ChatKey), zap.Error(err))
		}
		return nil
	})
}

func (s *RelayService) typing(e models.TypingRequest) {
	if !s.isMember(e.ChatKey, e.UserKey) {
		return
	}
	kind := models.EventStartedTyping
	if e.Ended {
		kind = models.EventEndedTyping
	}
	s.core.Router.BroadcastToChat(e.ChatKey, kind, models.ChatUserRef{UserKey: e.UserKey, ChatKey: e.ChatKey}, e.UserKey)
}
