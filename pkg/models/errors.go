package models

// ErrorCode classifies a failure. Codes are stable and safe to match on.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "invalid_request"
	ErrUnknownTool        ErrorCode = "unknown_tool"
	ErrInvalidToolOutput  ErrorCode = "invalid_tool_output"
	ErrSolverFailed       ErrorCode = "solver_failed"
	ErrNotFound           ErrorCode = "not_found"
	ErrAdminCleanupFailed ErrorCode = "admin_cleanup_failed"
	ErrCapacityExceeded   ErrorCode = "capacity_exceeded"
	ErrUnauthorized       ErrorCode = "unauthorized"
	ErrToolError          ErrorCode = "tool_error"
	ErrTimeout            ErrorCode = "timeout"
	ErrProcessNotFound    ErrorCode = "process_not_found"
	ErrProcessStartFailed ErrorCode = "process_start_failed"
	ErrValidationFailed   ErrorCode = "validation_failed"
	ErrProcessFailed      ErrorCode = "process_failed"
	ErrInternal           ErrorCode = "internal_error"
)

// ErrorInfo is the structured error attached to failed jobs and error responses.
type ErrorInfo struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements error.
func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

// Clone returns a copy of the error info.
func (e *ErrorInfo) Clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Details != nil {
		clone.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// ErrorEnvelope is the body of every non-tool error response.
type ErrorEnvelope struct {
	Error ErrorInfo `json:"error"`
}

// NewErrorEnvelope wraps an error for the wire.
func NewErrorEnvelope(code ErrorCode, message string, details map[string]any) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorInfo{Code: code, Message: message, Details: details}}
}
