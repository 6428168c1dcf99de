package orch

import (
	"errors"

	"github.com/dkeye/Classmate/internal/core"
)

// Client-facing error codes.
const (
	CodeInvalidInput  = "invalid_input"
	CodeNotFound      = "not_found"
	CodeSessionFull   = "session_full"
	CodeSessionClosed = "session_closed"
	CodeTryAgain      = "try_again"
)

// Code collapses an operation error to the code shown to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, core.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSessionFull):
		return CodeSessionFull
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	}
	return CodeTryAgain
}
