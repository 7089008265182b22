package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for runtime operations
var (
	// ErrMaxIterations indicates the execution loop exceeded its iteration cap
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrInterrupted indicates the run was stopped by an interrupt request
	ErrInterrupted = errors.New("run interrupted")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrStaleApproval indicates an approval arrived after a newer user
	// message superseded the plan's conversation context
	ErrStaleApproval = errors.New("approval is stale: session context has moved on")

	// ErrPlanMismatch indicates the plan does not belong to the session
	ErrPlanMismatch = errors.New("plan does not belong to session")
)

// ToolErrorType categorizes tool execution errors for retry logic.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates arguments failed schema validation
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorConnection indicates a connection failure
	ToolErrorConnection ToolErrorType = "connection"

	// ToolErrorRateLimit indicates the tool was rate limited
	ToolErrorRateLimit ToolErrorType = "rate_limit"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorUnknown indicates an unclassified error
	ToolErrorUnknown ToolErrorType = "unknown"
)

// IsRetryable reports whether this error type suggests retrying may succeed.
// Timeout, connection, and rate limit errors are retryable; everything else
// is fatal for the attempt.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorConnection, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError is a structured error from tool execution, categorized for the
// retry handler and carrying context about the failing call.
type ToolError struct {
	// Type categorizes the error for retry logic
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// Attempts is the number of attempts made
	Attempts int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error's category is transient.
func (e *ToolError) Retryable() bool {
	return e.Type.IsRetryable()
}

// NewToolError creates a ToolError of the given category.
func NewToolError(t ToolErrorType, toolName string, cause error) *ToolError {
	err := &ToolError{
		Type:     t,
		ToolName: toolName,
		Cause:    cause,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithToolCallID sets the tool call ID for correlating errors with calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithAttempts sets the number of execution attempts that were made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// AuthorizationError is the expected outcome of a denied per-call
// authorization check. It is surfaced to the model as an error-flavored tool
// result and to observers as a denial event; it never aborts the loop.
type AuthorizationError struct {
	// Principal is the acting principal whose policy denied the call
	Principal string

	// ToolName is the denied tool
	ToolName string

	// Reason is the policy's stated reason, if any
	Reason string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	msg := fmt.Sprintf("authorization denied: %s", e.ToolName)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsAuthorizationDenied reports whether err is or wraps an AuthorizationError.
func IsAuthorizationDenied(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// ProviderStreamError wraps a network or provider failure during model
// streaming. It is retried at loop level; exhausted retries abort the run.
type ProviderStreamError struct {
	Provider string
	Cause    error
}

// Error implements the error interface.
func (e *ProviderStreamError) Error() string {
	return fmt.Sprintf("provider stream failed (%s): %v", e.Provider, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ProviderStreamError) Unwrap() error {
	return e.Cause
}

// LoopError wraps an error from the execution loop with the phase and
// iteration it occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the execution loop lifecycle.
type LoopPhase string

const (
	// PhaseInit is the initialization phase
	PhaseInit LoopPhase = "init"

	// PhaseStream is the LLM streaming phase
	PhaseStream LoopPhase = "stream"

	// PhaseDetect is the plan detection and gating phase
	PhaseDetect LoopPhase = "detect"

	// PhaseExecuteTools is the tool execution phase
	PhaseExecuteTools LoopPhase = "execute_tools"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
