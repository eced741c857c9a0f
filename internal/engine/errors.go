package engine

import "errors"

var (
	ErrWrongPhase      = errors.New("operation not allowed in the current phase")
	ErrMessageLimit    = errors.New("message limit reached for this round")
	ErrBusy            = errors.New("another request is still in flight")
	ErrInvalidAction   = errors.New("tag is not on the current menu")
	ErrAlreadySelected = errors.New("a choice was already made this phase")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrSessionNotFound = errors.New("session not found")
	ErrResumePending   = errors.New("resume or discard the saved session first")
	ErrNoResumePending = errors.New("there is no saved session to resume")
	ErrGameNotFinished = errors.New("game has not finished yet")
)
