package common

import "fmt"

// APIError is an error with an HTTP status, rendered by the error handler
// middleware as {"error": Message, "fields": Fields}.
type APIError struct {
	Status  int            `json:"-"`
	Message string         `json:"error"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e APIError) Error() string {
	return e.Message
}

func Errf(status int, format string, args ...any) APIError {
	return APIError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// NewAPIError creates an APIError with status, message, and optional fields
func NewAPIError(status int, message string, fields map[string]any) APIError {
	return APIError{
		Status:  status,
		Message: message,
		Fields:  fields,
	}
}

// FieldError is a 400 pointing at a single request field.
func FieldError(status int, field, reason string) APIError {
	return APIError{
		Status:  status,
		Message: "validation failed",
		Fields:  map[string]any{field: reason},
	}
}
