package models

// APIStatus is the status field of every HTTP response envelope.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope written by every endpoint. Batch triggers put
// their run summary in Result, including when the run failed part way.
type APIResponse struct {
	Status  APIStatus   `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps a result.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage wraps a result with a human-readable note.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error reports a failed request.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

// Failure reports a failed run along with whatever it completed.
func Failure(message string, partial interface{}) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message, Result: partial}
}
