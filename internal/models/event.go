package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
)

// Inbound event names.
const (
	EventLogin            = "login"
	EventOpenChatReq      = "openChat"
	EventStartChat        = "startChat"
	EventChangePIC        = "changePIC"
	EventSeenMessages     = "seenMessages"
	EventAddToChat        = "addToChat"
	EventLeaveChat        = "leaveChat"
	EventSendMessage      = "sendMessage"
	EventSendFile         = "sendFile"
	EventBlockUserReq     = "blockUser"
	EventUnblockUserReq   = "unblockUser"
	EventChangeStatus     = "changeStatus"
	EventStartedTypingReq = "startedTypingOnChat"
	EventEndedTypingReq   = "endedTypingOnChat"
	EventDisable          = "disable"
	EventEnable           = "enable"
	EventDisconnect       = "disconnect"
	EventPing             = "ping"
	EventCheckIdle        = "checkIdle"
)

// Event is one decoded client request.
type Event interface {
	Name() string
	Validate() error
}

// Credentials are carried by every event that mutates state.
type Credentials struct {
	UserKey    string `json:"userKey"`
	SessionKey string `json:"sessionKey"`
}

func (c Credentials) validate() error {
	if c.UserKey == "" || c.SessionKey == "" {
		return fmt.Errorf("%w: userKey and sessionKey are required", ErrMalformedEvent)
	}
	return nil
}

// Authenticated is implemented by events that carry credentials.
type Authenticated interface {
	Event
	Auth() Credentials
}

type LoginRequest struct {
	RequestUserKey string   `json:"requestUserKey"`
	SessionKey     string   `json:"sessionKey"`
	RestoreChats   []string `json:"restoreChats"`
	MobileView     bool     `json:"mobileView"`
}

func (LoginRequest) Name() string { return EventLogin }

func (r LoginRequest) Auth() Credentials {
	return Credentials{UserKey: r.RequestUserKey, SessionKey: r.SessionKey}
}

func (r LoginRequest) Validate() error { return r.Auth().validate() }

type OpenChatRequest struct {
	Credentials
	ChatKey   string `json:"chatKey"`
	StartOpen bool   `json:"startOpen"`
}

func (OpenChatRequest) Name() string        { return EventOpenChatReq }
func (r OpenChatRequest) Auth() Credentials { return r.Credentials }
func (r OpenChatRequest) Validate() error   { return requireFields(r.Credentials, "chatKey", r.ChatKey) }

type StartChatRequest struct {
	Credentials
	TargetUserKey string `json:"targetUserKey"`
}

func (StartChatRequest) Name() string        { return EventStartChat }
func (r StartChatRequest) Auth() Credentials { return r.Credentials }
func (r StartChatRequest) Validate() error {
	return requireFields(r.Credentials, "targetUserKey", r.TargetUserKey)
}

type ChangePictureRequest struct {
	Credentials
	PostData map[string]string `json:"postData"`
}

func (ChangePictureRequest) Name() string        { return EventChangePIC }
func (r ChangePictureRequest) Auth() Credentials { return r.Credentials }
func (r ChangePictureRequest) Validate() error {
	if err := r.Credentials.validate(); err != nil {
		return err
	}
	if len(r.PostData) == 0 {
		return fmt.Errorf("%w: postData is required", ErrMalformedEvent)
	}
	return nil
}

type SeenMessagesRequest struct {
	Credentials
	ChatKey string `json:"chatKey"`
}

func (SeenMessagesRequest) Name() string        { return EventSeenMessages }
func (r SeenMessagesRequest) Auth() Credentials { return r.Credentials }
func (r SeenMessagesRequest) Validate() error   { return requireFields(r.Credentials, "chatKey", r.ChatKey) }

type AddToChatRequest struct {
	Credentials
	ChatKey       string `json:"chatKey"`
	TargetUserKey string `json:"targetUserKey"`
}

func (AddToChatRequest) Name() string        { return EventAddToChat }
func (r AddToChatRequest) Auth() Credentials { return r.Credentials }
func (r AddToChatRequest) Validate() error {
	return requireFields(r.Credentials, "chatKey", r.ChatKey, "targetUserKey", r.TargetUserKey)
}

type LeaveChatRequest struct {
	Credentials
	ChatKey string `json:"chatKey"`
}

func (LeaveChatRequest) Name() string        { return EventLeaveChat }
func (r LeaveChatRequest) Auth() Credentials { return r.Credentials }
func (r LeaveChatRequest) Validate() error   { return requireFields(r.Credentials, "chatKey", r.ChatKey) }

type SendMessageRequest struct {
	Credentials
	ChatKey string `json:"chatKey"`
	Msg     string `json:"msg"`
}

func (SendMessageRequest) Name() string        { return EventSendMessage }
func (r SendMessageRequest) Auth() Credentials { return r.Credentials }
func (r SendMessageRequest) Validate() error {
	return requireFields(r.Credentials, "chatKey", r.ChatKey, "msg", r.Msg)
}

type SendFileRequest struct {
	Credentials
	ChatKey  string            `json:"chatKey"`
	PostData map[string]string `json:"postData"`
}

func (SendFileRequest) Name() string        { return EventSendFile }
func (r SendFileRequest) Auth() Credentials { return r.Credentials }
func (r SendFileRequest) Validate() error {
	if err := requireFields(r.Credentials, "chatKey", r.ChatKey); err != nil {
		return err
	}
	if r.PostData[FieldFileName] == "" {
		return fmt.Errorf("%w: postData.%s is required", ErrMalformedEvent, FieldFileName)
	}
	return nil
}

// BlockRequest is shared by blockUser and unblockUser.
type BlockRequest struct {
	Credentials
	TargetUserKey string `json:"targetUserKey"`
	Unblock       bool   `json:"-"`
}

func (r BlockRequest) Name() string {
	if r.Unblock {
		return EventUnblockUserReq
	}
	return EventBlockUserReq
}
func (r BlockRequest) Auth() Credentials { return r.Credentials }
func (r BlockRequest) Validate() error {
	return requireFields(r.Credentials, "targetUserKey", r.TargetUserKey)
}

type ChangeStatusRequest struct {
	Credentials
	StatusID Status `json:"statusId"`
}

func (ChangeStatusRequest) Name() string        { return EventChangeStatus }
func (r ChangeStatusRequest) Auth() Credentials { return r.Credentials }
func (r ChangeStatusRequest) Validate() error {
	if err := r.Credentials.validate(); err != nil {
		return err
	}
	if !r.StatusID.Valid() {
		return fmt.Errorf("%w: statusId %d out of range", ErrMalformedEvent, r.StatusID)
	}
	return nil
}

// TypingRequest is shared by startedTypingOnChat and endedTypingOnChat.
type TypingRequest struct {
	Credentials
	ChatKey string `json:"chatKey"`
	Ended   bool   `json:"-"`
}

func (r TypingRequest) Name() string {
	if r.Ended {
		return EventEndedTypingReq
	}
	return EventStartedTypingReq
}
func (r TypingRequest) Auth() Credentials { return r.Credentials }
func (r TypingRequest) Validate() error   { return requireFields(r.Credentials, "chatKey", r.ChatKey) }

// DisableRequest is shared by disable and enable.
type DisableRequest struct {
	Credentials
	Enable bool `json:"-"`
}

func (r DisableRequest) Name() string {
	if r.Enable {
		return EventEnable
	}
	return EventDisable
}
func (r DisableRequest) Auth() Credentials { return r.Credentials }
func (r DisableRequest) Validate() error   { return r.Credentials.validate() }

// ConnectionEvent covers the payload-less events: disconnect, ping, checkIdle.
type ConnectionEvent struct {
	Kind string
}

func (e ConnectionEvent) Name() string  { return e.Kind }
func (ConnectionEvent) Validate() error { return nil }

// DecodeEvent turns a websocket envelope into its typed event.
func DecodeEvent(env Envelope) (Event, error) {
	var ev Event
	switch env.Event {
	case EventLogin:
		ev = &LoginRequest{}
	case EventOpenChatReq:
		ev = &OpenChatRequest{}
	case EventStartChat:
		ev = &StartChatRequest{}
	case EventChangePIC:
		ev = &ChangePictureRequest{}
	case EventSeenMessages:
		ev = &SeenMessagesRequest{}
	case EventAddToChat:
		ev = &AddToChatRequest{}
	case EventLeaveChat:
		ev = &LeaveChatRequest{}
	case EventSendMessage:
		ev = &SendMessageRequest{}
	case EventSendFile:
		ev = &SendFileRequest{}
	case EventBlockUserReq:
		ev = &BlockRequest{}
	case EventUnblockUserReq:
		ev = &BlockRequest{Unblock: true}
	case EventChangeStatus:
		ev = &ChangeStatusRequest{}
	case EventStartedTypingReq:
		ev = &TypingRequest{}
	case EventEndedTypingReq:
		ev = &TypingRequest{Ended: true}
	case EventDisable:
		ev = &DisableRequest{}
	case EventEnable:
		ev = &DisableRequest{Enable: true}
	case EventDisconnect, EventPing, EventCheckIdle:
		return ConnectionEvent{Kind: env.Event}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, env.Event)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *LoginRequest:
		return *e
	case *OpenChatRequest:
		return *e
	case *StartChatRequest:
		return *e
	case *ChangePictureRequest:
		return *e
	case *SeenMessagesRequest:
		return *e
	case *AddToChatRequest:
		return *e
	case *LeaveChatRequest:
		return *e
	case *SendMessageRequest:
		return *e
	case *SendFileRequest:
		return *e
	case *BlockRequest:
		return *e
	case *ChangeStatusRequest:
		return *e
	case *TypingRequest:
		return *e
	case *DisableRequest:
		return *e
	}
	return ev
}

// requireFields checks the credentials and then each name/value pair.
func requireFields(c Credentials, pairs ...string) error {
	if err := c.validate(); err != nil {
		return err
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s is required", ErrMalformedEvent, pairs[i])
		}
	}
	return nil
}
