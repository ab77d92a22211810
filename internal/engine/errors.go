package engine

import (
	"errors"
	"fmt"
)

// Code is a machine-readable engine error code.
type Code string

const (
	CodeProgramInvalid        Code = "PROGRAM_INVALID"
	CodeProgramNotFound       Code = "PROGRAM_NOT_FOUND"
	CodeConditionSyntax       Code = "CONDITION_SYNTAX"
	CodeInvalidResumeInput    Code = "INVALID_RESUME_INPUT"
	CodeInfiniteLoopDetected  Code = "INFINITE_LOOP_DETECTED"
	CodeGenerationUnavailable Code = "GENERATION_UNAVAILABLE"
	CodeNotSuspended          Code = "NOT_SUSPENDED"
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeSessionConflict       Code = "SESSION_CONFLICT"
	CodeInternal              Code = "INTERNAL"

	// CodeInvalidRequest reports a malformed API request, before any runtime
	// is involved.
	CodeInvalidRequest Code = "INVALID_REQUEST"
)

// Retryable reports whether the same call may succeed when repeated.
func (c Code) Retryable() bool {
	switch c {
	case CodeInvalidResumeInput, CodeGenerationUnavailable, CodeSessionConflict:
		return true
	}
	return false
}

// Error is returned for fatal engine failures and carried, as a descriptor, in
// StepResult for recoverable ones.
type Error struct {
	Code      Code
	ProgramID string
	NodeID    string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.NodeID != "" {
		msg += " (node " + e.NodeID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Descriptor converts e to its caller-facing form.
func (e *Error) Descriptor() *ErrorDescriptor {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return &ErrorDescriptor{
		Code:      e.Code,
		Message:   msg,
		NodeID:    e.NodeID,
		Retryable: e.Code.Retryable(),
	}
}

func newError(code Code, programID, nodeID string, err error, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		ProgramID: programID,
		NodeID:    nodeID,
		Message:   fmt.Sprintf(format, args...),
		Err:       err,
	}
}

// CodeOf returns the engine code carried by err, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrorDescriptor is the serialized error surfaced in StepResult.
type ErrorDescriptor struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	NodeID    string `json:"nodeId,omitempty"`
	Retryable bool   `json:"retryable"`
}
