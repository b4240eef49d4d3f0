package state

import "errors"

var (
	ErrBanned          = errors.New("user is banned")
	ErrChannelBusy     = errors.New("channel is held by another user")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrSessionNotFound = errors.New("session not found")
)
