package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for Orchestrator control flow.
var (
	// ErrMaxIterations indicates the tool-use loop exceeded its per-turn cap.
	ErrMaxIterations = errors.New("max tool-use iterations exceeded")

	// ErrSessionToolCallCap indicates the session's hourly tool-call budget
	// was exhausted (spec.md §5's 50/hour sliding-window cap).
	ErrSessionToolCallCap = errors.New("session tool-call budget exhausted")

	// ErrMessageTooLong indicates the inbound message exceeded the 4000
	// character cap before any LLM call was made.
	ErrMessageTooLong = errors.New("message exceeds maximum length")

	// ErrConfirmationExpired indicates a confirmation token was found but had
	// already expired when consumed.
	ErrConfirmationExpired = errors.New("confirmation token expired")

	// ErrConfirmationNotFound indicates a confirmation message referenced an
	// unknown, already-consumed, or owner-mismatched token.
	ErrConfirmationNotFound = errors.New("confirmation token not found")

	// ErrNoProvider indicates no LLM provider could be selected for the user.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist in the registry.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution exceeded its per-call timeout.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool implementation panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrRecursiveSpawn indicates a sub-agent attempted to spawn another
	// sub-agent (spec.md §4.8's recursion prevention invariant).
	ErrRecursiveSpawn = errors.New("sub-agents may not spawn further sub-agents")
)

// ErrorClass is spec.md §7's error taxonomy, used to decide whether the
// Orchestrator retries, fails over providers, or surfaces a user-facing
// apology.
type ErrorClass string

const (
	ClassTransient         ErrorClass = "transient"
	ClassRateLimited       ErrorClass = "rate_limited"
	ClassAuthExpired       ErrorClass = "auth_expired"
	ClassMalformedOutput   ErrorClass = "malformed_output"
	ClassSchemaViolation   ErrorClass = "schema_violation"
	ClassResourceExhausted ErrorClass = "resource_exhausted"
	ClassPermanent         ErrorClass = "permanent"
	ClassUnknown           ErrorClass = "unknown"
)

// Retryable reports whether the Orchestrator's error boundary should retry
// the operation that produced this class of error (spec.md §7).
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// ClassifyError maps an arbitrary error into spec.md §7's taxonomy. It is a
// pure function: given the same error it always returns the same class, so
// callers can unit test it without any network or provider dependency.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		switch toolErr.Type {
		case ToolErrorTimeout, ToolErrorNetwork:
			return ClassTransient
		case ToolErrorRateLimit:
			return ClassRateLimited
		case ToolErrorPermission:
			return ClassAuthExpired
		case ToolErrorInvalidInput:
			return ClassSchemaViolation
		case ToolErrorPanic, ToolErrorExecution:
			return ClassPermanent
		}
	}

	var allUnavailable *errAllProvidersUnavailable
	if errors.As(err, &allUnavailable) {
		return ClassResourceExhausted
	}

	switch {
	case errors.Is(err, ErrMaxIterations), errors.Is(err, ErrSessionToolCallCap):
		return ClassResourceExhausted
	case errors.Is(err, ErrMessageTooLong):
		return ClassPermanent
	case errors.Is(err, ErrToolTimeout):
		return ClassTransient
	case errors.Is(err, ErrToolPanic):
		return ClassPermanent
	case errors.Is(err, ErrToolNotFound):
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return ClassRateLimited
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "expired"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return ClassAuthExpired
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "econnreset"), strings.Contains(msg, "eof"):
		return ClassTransient
	case strings.Contains(msg, "invalid json"), strings.Contains(msg, "unmarshal"), strings.Contains(msg, "malformed"):
		return ClassMalformedOutput
	case strings.Contains(msg, "schema"), strings.Contains(msg, "required field"), strings.Contains(msg, "validation"):
		return ClassSchemaViolation
	case strings.Contains(msg, "context exceeded"), strings.Contains(msg, "resource exhausted"), strings.Contains(msg, "quota"):
		return ClassResourceExhausted
	}

	return ClassUnknown
}

// errAllProvidersUnavailable mirrors internal/llm.ErrAllProvidersUnavailable
// for classification without importing internal/llm here (errors.As only
// needs the shape, and this package does import internal/llm elsewhere, but
// keeping classification decoupled from the concrete type avoids an import
// cycle risk if the providers ever need ClassifyError).
type errAllProvidersUnavailable struct {
	Tried []string
}

func (e *errAllProvidersUnavailable) Error() string {
	return "all LLM providers are currently unavailable"
}

// ToolErrorType categorizes tool execution errors for retry logic.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying the
// operation may succeed.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError is a structured error from tool execution, carrying enough
// context for the Orchestrator's per-tool retry policy and audit log.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Retryable  bool
	Attempts   int
}

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

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError with its type inferred from the cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "refused"), strings.Contains(msg, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ToolErrorRateLimit
	case strings.Contains(msg, "permission"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "unauthorized"):
		return ToolErrorPermission
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"), strings.Contains(msg, "required"), strings.Contains(msg, "missing"):
		return ToolErrorInvalidInput
	}
	return ToolErrorExecution
}

// LoopError reports an error from a specific phase/iteration of the
// tool-use loop.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase names a stage of the Orchestrator's handleMessage pipeline.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseRoute        LoopPhase = "route"
	PhaseInitialCall  LoopPhase = "initial_call"
	PhaseToolUse      LoopPhase = "tool_use"
	PhaseContinuation LoopPhase = "continuation"
	PhasePersist      LoopPhase = "persist"
	PhaseComplete     LoopPhase = "complete"
)
