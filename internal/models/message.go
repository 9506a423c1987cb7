package models

import "encoding/json"

// Outbound event names.
const (
	EventContactsInfo  = "ContactsInfo"
	EventPreviewInfo   = "PreviewInfo"
	EventOpenChat      = "OpenChat"
	EventNewStatus     = "NewStatus"
	EventNewMessage    = "NewMessage"
	EventNewPIC        = "NewPIC"
	EventUserAdded     = "UserAdded"
	EventUserLeft      = "UserLeft"
	EventYouLeft       = "YouLeft"
	EventBlockUser     = "BlockUser"
	EventUnblockUser   = "UnblockUser"
	EventStartedTyping = "StartedTypingOnChat"
	EventEndedTyping   = "EndedTypingOnChat"
	EventRefused       = "Refused"
	EventLoadError     = "LoadError"
	EventFileAck       = "FileAck"
)

// Envelope is the websocket frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusChange is the NewStatus payload.
type StatusChange struct {
	UserKey  string `json:"userKey"`
	StatusID Status `json:"statusId"`
}

// ChatMessage is the NewMessage payload.
type ChatMessage struct {
	UserKey   string `json:"userKey"`
	ChatKey   string `json:"chatKey"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ChatUserRef names a user inside a chat; used by typing, UserLeft and YouLeft.
type ChatUserRef struct {
	UserKey string `json:"userKey"`
	ChatKey string `json:"chatKey"`
}

// UserRef is the BlockUser/UnblockUser payload.
type UserRef struct {
	UserKey string `json:"userKey"`
}

// ParticipantInfo is the display data shown for a chat member.
type ParticipantInfo struct {
	Name    string `json:"name"`
	PicHash string `json:"picHash"`
}

// UserAdded is sent to a chat after a new member joined it.
type UserAdded struct {
	ChatKey          string                     `json:"chatKey"`
	ParticipantsInfo map[string]ParticipantInfo `json:"participantsInfo"`
}

// MyInfo describes the logged in user inside ContactsInfo.
type MyInfo struct {
	Name     string   `json:"name"`
	ID       string   `json:"id"`
	PicHash  string   `json:"picHash"`
	Status   Status   `json:"status"`
	Disabled bool     `json:"disabled"`
	Blocked  []string `json:"blocked"`
}

// ContactInfo is one entry of the contact list.
type ContactInfo struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	PicHash string `json:"picHash"`
}

// ContactsInfo is sent once per login.
type ContactsInfo struct {
	MyInfo   MyInfo                 `json:"MyInfo"`
	Contacts map[string]ContactInfo `json:"contacts"`
}
