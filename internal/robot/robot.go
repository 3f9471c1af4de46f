// Package robot provides machine-readable output for automation.
//
// # Robot Output Envelope
//
// Every robot response follows one envelope so that programs driving hive
// never have to scrape human-oriented text:
//   - success (bool): whether the operation completed. Check this FIRST.
//   - timestamp (string): RFC3339 UTC timestamp of response generation.
//   - version (string): envelope schema version.
//
// When success=false the response also carries:
//   - error (string): human-readable message.
//   - error_code (string): machine-readable code, see ErrCode* constants.
//   - hint (string, optional): actionable guidance.
//
// Arrays that callers iterate are always present, [] rather than null.
//
// New output types embed RobotResponse as their first field and initialize
// critical arrays to empty slices.
package robot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Dicklesworthstone/hive/internal/dispatch"
	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/queue"
	"github.com/Dicklesworthstone/hive/internal/session"
)

// EnvelopeVersion is the schema version of the envelope itself, not the
// hive version. Bump on backwards-incompatible envelope changes.
const EnvelopeVersion = "1.0.0"

// Exit codes. Robot consumers branch on these before parsing anything.
const (
	// ExitOK means the operation succeeded.
	ExitOK = 0
	// ExitError means the operation failed but the system is intact.
	ExitError = 1
	// ExitFatal means the message log could not be written and the
	// dispatcher halted. Nothing may assume delivery state after this.
	ExitFatal = 2
)

// Error codes for programmatic handling. Stable: automation matches on
// these instead of parsing error strings.
const (
	// ErrCodeUnknownIdentity indicates the target identity is not
	// registered, or was unregistered after its host failed to spawn.
	ErrCodeUnknownIdentity = "UNKNOWN_IDENTITY"

	// ErrCodeInvalidIdentity indicates the identity fails validation.
	ErrCodeInvalidIdentity = "INVALID_IDENTITY"

	// ErrCodeHostUnavailable indicates the agent host could not spawn.
	ErrCodeHostUnavailable = "HOST_UNAVAILABLE"

	// ErrCodeReadinessTimeout indicates the host spawned but never
	// signaled readiness in time.
	ErrCodeReadinessTimeout = "READINESS_TIMEOUT"

	// ErrCodeDeliveryFailed indicates a payload could not be handed to a
	// live host.
	ErrCodeDeliveryFailed = "DELIVERY_FAILED"

	// ErrCodeHostTerminated indicates the host died mid-operation.
	ErrCodeHostTerminated = "HOST_TERMINATED"

	// ErrCodeQueueClosed indicates the task queue no longer accepts work.
	ErrCodeQueueClosed = "QUEUE_CLOSED"

	// ErrCodeDispatcherHalted indicates the dispatcher halted on a fatal
	// persistence failure and accepts nothing.
	ErrCodeDispatcherHalted = "DISPATCHER_HALTED"

	// ErrCodePersistenceFailure indicates the message log could not be
	// read or written.
	ErrCodePersistenceFailure = "PERSISTENCE_FAILURE"

	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeInvalidFlag indicates a flag value is invalid or malformed.
	ErrCodeInvalidFlag = "INVALID_FLAG"

	// ErrCodeServerUnavailable indicates the hive server did not answer.
	ErrCodeServerUnavailable = "SERVER_UNAVAILABLE"

	// ErrCodeUnauthorized indicates a missing or rejected API key.
	ErrCodeUnauthorized = "UNAUTHORIZED"

	// ErrCodeInternalError indicates an unexpected internal error.
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// RobotResponse is the base structure every robot command output embeds.
type RobotResponse struct {
	// Success indicates whether the operation completed. Check first.
	Success bool `json:"success"`

	// Timestamp is when this response was generated (RFC3339, UTC).
	Timestamp string `json:"timestamp"`

	// Version is the envelope schema version.
	Version string `json:"version,omitempty"`

	// Error is the human-readable message when success=false.
	Error string `json:"error,omitempty"`

	// ErrorCode is the machine-readable code, see ErrCode* constants.
	ErrorCode string `json:"error_code,omitempty"`

	// Hint provides actionable guidance for resolving errors.
	Hint string `json:"hint,omitempty"`
}

// NewRobotResponse creates a response with the current timestamp and
// envelope version.
func NewRobotResponse(success bool) RobotResponse {
	return RobotResponse{
		Success:   success,
		Timestamp: FormatTimestamp(time.Now()),
		Version:   EnvelopeVersion,
	}
}

// NewErrorResponse creates an error response with the given details.
func NewErrorResponse(err error, code, hint string) RobotResponse {
	resp := NewRobotResponse(false)
	if err != nil {
		resp.Error = err.Error()
	}
	resp.ErrorCode = code
	resp.Hint = hint
	return resp
}

// FromError builds the error response for err using the standard code and
// hint mapping.
func FromError(err error) RobotResponse {
	code := CodeFor(err)
	return NewErrorResponse(err, code, HintFor(code))
}

// CodeFor maps an error to its machine-readable code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, msglog.ErrPersistence):
		return ErrCodePersistenceFailure
	case errors.Is(err, dispatch.ErrHalted):
		return ErrCodeDispatcherHalted
	case errors.Is(err, dispatch.ErrUnknownIdentity):
		return ErrCodeUnknownIdentity
	case errors.Is(err, session.ErrHostUnavailable):
		return ErrCodeHostUnavailable
	case errors.Is(err, session.ErrReadinessTimeout):
		return ErrCodeReadinessTimeout
	case errors.Is(err, session.ErrDeliveryFailed), errors.Is(err, session.ErrNotReady):
		return ErrCodeDeliveryFailed
	case errors.Is(err, session.ErrHostTerminated):
		return ErrCodeHostTerminated
	case errors.Is(err, queue.ErrClosed):
		return ErrCodeQueueClosed
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeInternalError
	}
}

// HintFor returns actionable guidance for an error code, or "".
func HintFor(code string) string {
	switch code {
	case ErrCodeUnknownIdentity:
		return "Use 'hive status' to list registered identities, or 'hive spawn' to register one"
	case ErrCodeHostUnavailable:
		return "Check that the agent command exists and is executable"
	case ErrCodeReadinessTimeout:
		return "Increase session.readiness_timeout or check the agent's ready output"
	case ErrCodeQueueClosed:
		return "The server is shutting down; retry after it restarts"
	case ErrCodeDispatcherHalted, ErrCodePersistenceFailure:
		return "Check disk space and permissions on the message log, then restart the server"
	case ErrCodeServerUnavailable:
		return "Start the server with 'hive serve' or check --server"
	case ErrCodeUnauthorized:
		return "Set HIVE_API_KEY or pass --api-key"
	default:
		return ""
	}
}

// ExitCodeFor maps an error to the process exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, msglog.ErrPersistence), errors.Is(err, dispatch.ErrHalted):
		return ExitFatal
	default:
		return ExitError
	}
}

// Out is where robot output goes. Swapped out in tests.
var Out io.Writer = os.Stdout

// Render marshals v as indented JSON.
func Render(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding robot output: %w", err)
	}
	return string(data), nil
}

// Print writes v as one indented JSON document to Out.
func Print(v any) error {
	s, err := Render(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(Out, s)
	return err
}

// RobotError prints the standard error response for err and returns err so
// callers can propagate it.
func RobotError(err error) error {
	Print(FromError(err))
	return err
}

// =============================================================================
// Command Output Types
// =============================================================================

// SubmitOutput is the structured output for task submission.
type SubmitOutput struct {
	RobotResponse
	TaskID string `json:"task_id"`
	Target string `json:"target"`
	Source string `json:"source"`
}

// MessagesOutput is the structured output for log reads.
type MessagesOutput struct {
	RobotResponse
	Messages []msglog.Message `json:"messages"`
	Count    int              `json:"count"`
	LastSeq  uint64           `json:"last_seq"`
}

// NewMessagesOutput wraps log records in the envelope. The messages array
// is always present, even when empty.
func NewMessagesOutput(msgs []msglog.Message) MessagesOutput {
	if msgs == nil {
		msgs = []msglog.Message{}
	}
	out := MessagesOutput{
		RobotResponse: NewRobotResponse(true),
		Messages:      msgs,
		Count:         len(msgs),
	}
	if n := len(msgs); n > 0 {
		out.LastSeq = msgs[n-1].Seq
	}
	return out
}

// StopOutput is the structured output for shutdown commands.
type StopOutput struct {
	RobotResponse
	Stopped  int  `json:"stopped"`
	Drained  bool `json:"drained"`
	Graceful bool `json:"graceful"`
}

// SpawnOutput is the structured output for session prestarts.
type SpawnOutput struct {
	RobotResponse
	Identities []string `json:"identities"`
}

// =============================================================================
// Timestamp Helpers
// =============================================================================

// FormatTimestamp returns an RFC3339 string for any time.Time in UTC. Use
// this for all timestamp fields in robot output.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FormatTimestampPtr handles nil time pointers, returning "" for nil.
func FormatTimestampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTimestamp(*t)
}
