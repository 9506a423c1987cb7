package models

import "encoding/json"

// DirectoryUser is a user record as the directory returns it.
type DirectoryUser struct {
	UserID      string `json:"UserId"`
	Name        string `json:"Name"`
	PictureHash string `json:"PictureHash"`
	Disabled    bool   `json:"Disabled"`
}

// DirectorySelf is the requesting user's own record in a contact list.
type DirectorySelf struct {
	DirectoryUser
	Blocked []string `json:"Blocked"`
}

// ContactList is the directory's answer to a contacts fetch.
type ContactList struct {
	Me       DirectorySelf   `json:"My_Info"`
	Contacts []DirectoryUser `json:"API_Contacts"`
}

// ChatInfoRequest selects a chat by key, or by target user for a direct
// chat, or by key plus target when promoting a chat to a new group chat.
type ChatInfoRequest struct {
	SessionKey     string
	UserKey        string
	ChatKey        string
	TargetUserKey  string
	StartGroupChat bool
}

// ChatInfo is a chat with its history as the directory returns it.
// Messages are passed through to clients untouched.
type ChatInfo struct {
	ChatKey              string          `json:"ChatKey"`
	Participants         []string        `json:"Participants"`
	InactiveParticipants []string        `json:"InactiveParticipants"`
	Messages             json.RawMessage `json:"Messages"`
}

// ChatPreview is one entry of the latest-chats preview.
type ChatPreview struct {
	ChatKey              string          `json:"ChatKey"`
	Message              json.RawMessage `json:"Message"`
	IsUnread             bool            `json:"IsUnread"`
	Participants         []string        `json:"Participants"`
	InactiveParticipants []string        `json:"InactiveParticipants"`
}

// OpenChat is sent to the connection that opened or restored a chat.
type OpenChat struct {
	ChatKey              string                     `json:"ChatKey"`
	Participants         []string                   `json:"Participants"`
	Messages             json.RawMessage            `json:"Messages"`
	InactiveParticipants []string                   `json:"InactiveParticipants"`
	Restore              bool                       `json:"restore"`
	ParticipantsInfo     map[string]ParticipantInfo `json:"participantsInfo"`
	StartOpen            bool                       `json:"startOpen"`
}

// PreviewInfo is one element of the PreviewInfo list.
type PreviewInfo struct {
	ChatKey              string                     `json:"ChatKey"`
	Message              json.RawMessage            `json:"Message"`
	IsUnread             bool                       `json:"IsUnread"`
	Participants         []string                   `json:"Participants"`
	InactiveParticipants []string                   `json:"InactiveParticipants"`
	ParticipantsInfo     map[string]ParticipantInfo `json:"participantsInfo"`
}
