// Package common holds the error values and identifiers shared by the api,
// the worker and the admin CLI.
package common

import (
	"errors"
	"fmt"
)

// APIError is an error a handler hands to the error middleware. Status is
// the HTTP status; Message and Fields are what the client sees.
type APIError struct {
	Status  int            `json:"-"`
	Message string         `json:"error"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e APIError) Error() string {
	return e.Message
}

// Body is the JSON rendering of the error.
func (e APIError) Body() map[string]any {
	body := map[string]any{"error": e.Message}
	if e.Fields != nil {
		body["fields"] = e.Fields
	}
	return body
}

func Errf(status int, format string, args ...any) APIError {
	return APIError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// NewAPIError creates an APIError carrying per-field details, such as the
// rejected and allowed upload extensions.
func NewAPIError(status int, message string, fields map[string]any) APIError {
	return APIError{
		Status:  status,
		Message: message,
		Fields:  fields,
	}
}

// AsAPIError finds an APIError anywhere in err's chain.
func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return APIError{}, false
}
