package types

import "net/http"

// OperationResult is the uniform envelope returned by all command and
// query handlers. StatusCode follows HTTP semantics so the controller
// layer can pass it through unchanged.
type OperationResult struct {
	StatusCode int    `json:"status_code"`
	Data       any    `json:"data,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// OK returns a 200 result carrying data
func OK(data any) OperationResult {
	return OperationResult{StatusCode: http.StatusOK, Data: data}
}

// BadRequest returns a 400 result with a human-readable detail
func BadRequest(detail string) OperationResult {
	return OperationResult{StatusCode: http.StatusBadRequest, Detail: detail}
}

// NotFound returns a 404 result; used by queries, commands return 400
func NotFound(detail string) OperationResult {
	return OperationResult{StatusCode: http.StatusNotFound, Detail: detail}
}

// InternalError returns a 500 result
func InternalError(detail string) OperationResult {
	return OperationResult{StatusCode: http.StatusInternalServerError, Detail: detail}
}

// Success reports whether the result carries a 2xx status
func (r OperationResult) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
