package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to callers. All are expected, recoverable
// conditions; only INTERNAL_ERROR marks an infrastructure failure.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeAgentExists      = "AGENT_EXISTS"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeAlreadyVoted     = "ALREADY_VOTED"
	CodeAlreadyRecorded  = "ALREADY_RECORDED"
	CodeQuorumNotMet     = "QUORUM_NOT_MET"
	CodeProposalRejected = "PROPOSAL_REJECTED"
	CodeSystemPaused     = "SYSTEM_PAUSED"
	CodeInternal         = "INTERNAL_ERROR"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Unauthorized(msg string) *AppError {
	return NewAppError(http.StatusForbidden, CodeUnauthorized, msg, false, nil)
}

func InvalidArgument(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeInvalidArgument, msg, false, nil)
}

func NotFound(msg string) *AppError {
	return NewAppError(http.StatusNotFound, CodeNotFound, msg, false, nil)
}

func InvalidState(msg string) *AppError {
	return NewAppError(http.StatusConflict, CodeInvalidState, msg, false, nil)
}

func Conflict(code, msg string) *AppError {
	return NewAppError(http.StatusConflict, code, msg, false, nil)
}

func Paused() *AppError {
	return NewAppError(http.StatusServiceUnavailable, CodeSystemPaused, "system is paused", true, nil)
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, msg, true, cause)
}
