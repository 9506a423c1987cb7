package services

import (
	"context"
	"errors"
	"time"

	"chat-relay/internal/models"
	"chat-relay/internal/presence"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var ErrControlToken = errors.New("invalid control token")

// login validates the session, loads the contact list and registers the
// connection. Presence is only published once the contacts are wired up.
func (s *RelayService) login(c presence.Conn, e models.LoginRequest) {
	cred := e.Auth()
	if err := s.authorize(cred); err != nil {
		s.log.Info("login refused", zap.String("user", cred.UserKey), zap.String("conn", c.ID()))
		s.send(c, models.EventRefused, nil)
		return
	}

	s.exec.Go(func(ctx context.Context) func() {
		list, err := s.dir.ContactList(ctx, cred)
		return func() {
			if !s.alive(c) {
				return
			}
			if err != nil {
				s.log.Warn("contact list failed", zap.String("user", cred.UserKey), zap.Error(err))
				s.send(c, models.EventLoadError, nil)
				return
			}
			s.finishLogin(c, cred, list, e)
		}
	})
}

func (s *RelayService) finishLogin(c presence.Conn, cred models.Credentials, list *models.ContactList, e models.LoginRequest) {
	selfID := cred.UserKey
	me := list.Me
	self := s.core.Engine.EnsureUser(selfID, me.Name, me.PictureHash, me.Disabled)
	s.core.Engine.Refresh(selfID, me.Name, me.PictureHash)
	disabled := self.Disabled

	res := models.ContactsInfo{
		MyInfo: models.MyInfo{
			Name:     self.Name,
			ID:       selfID,
			PicHash:  self.PictureHash,
			Status:   models.StatusOffline,
			Disabled: disabled,
			Blocked:  me.Blocked,
		},
		Contacts: make(map[string]models.ContactInfo, len(list.Contacts)),
	}
	if res.MyInfo.Blocked == nil {
		res.MyInfo.Blocked = []string{}
	}

	for _, contact := range list.Contacts {
		u := s.core.Engine.EnsureUser(contact.UserID, contact.Name, contact.PictureHash, contact.Disabled)
		s.core.Engine.Refresh(contact.UserID, contact.Name, contact.PictureHash)
		if !disabled {
			res.Contacts[contact.UserID] = models.ContactInfo{
				Name:    u.Name,
				Status:  s.core.Engine.EffectiveStatus(contact.UserID, selfID),
				PicHash: u.PictureHash,
			}
		}
		s.core.Engine.AddContact(contact.UserID, selfID)
	}

	s.bind(c, selfID)
	s.core.Registry.AddConnection(selfID, c)

	for _, id := range me.Blocked {
		s.core.Engine.EnsureUser(id, "", "", false)
		s.core.Engine.BlockUser(selfID, id)
	}
	s.core.Engine.RecordActivity(selfID)

	res.MyInfo.Status = s.core.Engine.EffectiveStatus(selfID, selfID)
	s.send(c, models.EventContactsInfo, res)
	s.log.Info("user logged in",
		zap.String("user", selfID),
		zap.String("conn", c.ID()),
		zap.Int("contacts", len(list.Contacts)))

	if disabled {
		return
	}
	if !e.MobileView {
		s.restoreChats(c, cred, e.RestoreChats)
	}
	s.loadPreviews(c, cred)
}

func (s *RelayService) changePicture(c presence.Conn, e models.ChangePictureRequest) {
	s.exec.Go(func(ctx context.Context) func() {
		hash, err := s.dir.SetPicture(ctx, e.Credentials, e.PostData)
		return func() {
			if err != nil {
				s.log.Warn("picture change failed", zap.String("user", e.UserKey), zap.Error(err))
				s.replyError(c, e.Credentials, "", msgPictureFailed)
				return
			}
			s.core.Engine.SetPicture(e.UserKey, hash)
			pic := models.Picture{PictureHash: hash, UserKey: e.UserKey}
			s.core.Router.BroadcastToContacts(e.UserKey, models.EventNewPIC, pic)
			s.core.Router.DeliverToUser(e.UserKey, models.EventNewPIC, pic, true, e.UserKey)
		}
	})
}

func (s *RelayService) block(c presence.Conn, e models.BlockRequest) {
	s.exec.Go(func(ctx context.Context) func() {
		err := s.dir.SetBlocked(ctx, e.Credentials, e.TargetUserKey, !e.Unblock)
		return func() {
			if err != nil {
				s.log.Warn("block change failed",
					zap.String("user", e.UserKey),
					zap.String("target", e.TargetUserKey),
					zap.Error(err))
				return
			}

			s.core.Engine.EnsureUser(e.TargetUserKey, "", "", false)
			kind := models.EventBlockUser
			if e.Unblock {
				kind = models.EventUnblockUser
				s.core.Engine.UnblockUser(e.UserKey, e.TargetUserKey)
			} else {
				s.core.Engine.BlockUser(e.UserKey, e.TargetUserKey)
			}
			s.reply(c, e.UserKey, kind, models.UserRef{UserKey: e.TargetUserKey})
		}
	})
}

func (s *RelayService) disable(e models.DisableRequest) {
	s.exec.Go(func(ctx context.Context) func() {
		err := s.dir.SetDisabled(ctx, e.Credentials, !e.Enable)
		return func() {
			if err != nil {
				s.log.Warn("disable change failed", zap.String("user", e.UserKey), zap.Error(err))
				return
			}
			if e.Enable {
				s.core.Engine.Enable(e.UserKey)
			} else {
				s.core.Engine.Disable(e.UserKey)
			}
		}
	})
}

// LoadUsers preloads every directory user. It only schedules work and may
// be called from any goroutine.
func (s *RelayService) LoadUsers() {
	s.exec.Go(func(ctx context.Context) func() {
		users, err := s.dir.AllUsers(ctx)
		if err != nil {
			s.log.Error("loading users failed", zap.Error(err))
			return nil
		}
		return func() {
			for _, u := range users {
				s.core.Engine.EnsureUser(u.UserID, u.Name, u.PictureHash, u.Disabled)
				s.core.Engine.Refresh(u.UserID, u.Name, u.PictureHash)
			}
			s.log.Info("users loaded", zap.Int("count", len(users)))
		}
	})
}

// ControlTokens signs and checks the bearer tokens of the control endpoints.
type ControlTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewControlTokens(secret string, ttl time.Duration) *ControlTokens {
	return &ControlTokens{secret: []byte(secret), ttl: ttl}
}

// Generate issues a token for subject, typically the authentication system.
func (t *ControlTokens) Generate(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate returns the token's subject.
func (t *ControlTokens) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return "", errors.Join(ErrControlToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrControlToken
	}
	return claims.Subject, nil
}
