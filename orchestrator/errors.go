// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode identifies the terminal failure class of a turn or action.
type ErrorCode string

const (
	ErrCodePolicyBlocked             ErrorCode = "PolicyBlocked"
	ErrCodeClassificationUnavailable ErrorCode = "ClassificationUnavailable"
	ErrCodeNoMatchingDomain          ErrorCode = "NoMatchingDomain"
	ErrCodeUnknownAction             ErrorCode = "UnknownAction"
	ErrCodeInvalidArguments          ErrorCode = "InvalidArguments"
	ErrCodeActionBudgetExceeded      ErrorCode = "ActionBudgetExceeded"
	ErrCodeActionTimedOut            ErrorCode = "ActionTimedOut"
	ErrCodeActionExecutionFailed     ErrorCode = "ActionExecutionFailed"
	ErrCodeSessionBusy               ErrorCode = "SessionBusy"
	ErrCodeTurnCancelled             ErrorCode = "TurnCancelled"
)

// TurnError is the typed failure carried through the turn state machine.
// Field names the offending argument for InvalidArguments failures.
type TurnError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
}

func (e *TurnError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTurnError creates a TurnError with the given code and message.
func NewTurnError(code ErrorCode, format string, args ...interface{}) *TurnError {
	return &TurnError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsTurnError extracts a *TurnError from an error chain. Errors that are
// not TurnErrors are wrapped as ActionExecutionFailed so no failure class
// is ever lost on its way into the audit trail.
func AsTurnError(err error) *TurnError {
	if err == nil {
		return nil
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	return &TurnError{Code: ErrCodeActionExecutionFailed, Message: err.Error()}
}

// IsValidationError reports whether the code is a local-decision failure
// that must never retry.
func IsValidationError(code ErrorCode) bool {
	switch code {
	case ErrCodeUnknownAction, ErrCodeInvalidArguments, ErrCodeActionBudgetExceeded:
		return true
	}
	return false
}

// TransportError marks a handler failure as transport-level (connection
// reset, throttling, timeout) rather than semantic. Read-only actions may
// be retried once on a transport failure; mutating actions may not,
// because the side effect's completion status is unknown.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport-level failure.
func NewTransportError(err error) *TransportError {
	return &TransportError{Err: err}
}

// IsTransportError reports whether err is transport-level, including
// context deadline expiry on the handler call.
func IsTransportError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
