package server

import "fmt"

// Code identifies a failure kind reported to clients in error frames
type Code string

const (
	CodeAuthenticationFailure   Code = "AuthenticationFailure"
	CodeUnknownMessageKind      Code = "UnknownMessageKind"
	CodeBadRequest              Code = "BadRequest"
	CodeRoomNotFound            Code = "RoomNotFound"
	CodeRoomFull                Code = "RoomFull"
	CodeAlreadyJoined           Code = "AlreadyJoined"
	CodeAlreadyQueued           Code = "AlreadyQueued"
	CodeAlreadyInRoom           Code = "AlreadyInRoom"
	CodeNotQueued               Code = "NotQueued"
	CodeNotAParticipant         Code = "NotAParticipant"
	CodeInvalidState            Code = "InvalidState"
	CodeMatchmakingFailed       Code = "MatchmakingFailed"
	CodeTournamentAlreadyActive Code = "TournamentAlreadyActive"
	CodeTournamentNotFound      Code = "TournamentNotFound"
	CodeTournamentClosed        Code = "TournamentClosed"
	CodeTournamentFull          Code = "TournamentFull"
	CodeAlreadyRegistered       Code = "AlreadyRegistered"
	CodeNotTournamentOwner      Code = "NotTournamentOwner"
	CodeInternal                Code = "InternalError"
)

// Error is a recoverable failure that is reported back to the connection that caused it
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so detailed errors built with newError still
// satisfy errors.Is against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrAuthenticationFailure   = &Error{CodeAuthenticationFailure, "missing or invalid token"}
	ErrUnknownMessageKind      = &Error{CodeUnknownMessageKind, "unknown message kind"}
	ErrBadRequest              = &Error{CodeBadRequest, "malformed request"}
	ErrRoomNotFound            = &Error{CodeRoomNotFound, "room not found"}
	ErrRoomFull                = &Error{CodeRoomFull, "room is full"}
	ErrAlreadyJoined           = &Error{CodeAlreadyJoined, "already joined this room"}
	ErrAlreadyQueued           = &Error{CodeAlreadyQueued, "already in the matchmaking queue"}
	ErrAlreadyInRoom           = &Error{CodeAlreadyInRoom, "already playing in a room"}
	ErrNotQueued               = &Error{CodeNotQueued, "not in the matchmaking queue"}
	ErrNotAParticipant         = &Error{CodeNotAParticipant, "not a participant of this room"}
	ErrInvalidState            = &Error{CodeInvalidState, "not allowed in the current room state"}
	ErrMatchmakingFailed       = &Error{CodeMatchmakingFailed, "could not set up the match, still searching"}
	ErrTournamentAlreadyActive = &Error{CodeTournamentAlreadyActive, "a tournament is already running"}
	ErrTournamentNotFound      = &Error{CodeTournamentNotFound, "tournament not found"}
	ErrTournamentClosed        = &Error{CodeTournamentClosed, "tournament registration is closed"}
	ErrTournamentFull          = &Error{CodeTournamentFull, "tournament is full"}
	ErrAlreadyRegistered       = &Error{CodeAlreadyRegistered, "already registered for this tournament"}
	ErrNotTournamentOwner      = &Error{CodeNotTournamentOwner, "only the tournament owner can do that"}
	ErrInternal                = &Error{CodeInternal, "internal error"}
)
