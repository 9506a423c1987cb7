package models

import "strconv"

// Status is a presence value. The numeric values are what clients send and
// receive as statusId.
type Status int

const (
	StatusOnline Status = iota
	StatusAway
	StatusBusy
	StatusOffline
)

func (s Status) Valid() bool {
	return s >= StatusOnline && s <= StatusOffline
}

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusAway:
		return "away"
	case StatusBusy:
		return "busy"
	case StatusOffline:
		return "offline"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}
