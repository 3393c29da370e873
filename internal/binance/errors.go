package binance

import (
	"errors"
	"fmt"
)

// Exchange error codes the engine reacts to. Any other negative code is
// surfaced unchanged.
const (
	CodeInsufficientBalance = -2010
	CodeUnknownOrder        = -2011
	CodeNoSuchOrder         = -2013
	CodeBadAPIKeyFormat     = -2014
	CodeRejectedAPIKey      = -2015
	CodeFilterFailure       = -1013
	CodeMandatoryParam      = -1102
	CodeInvalidSymbol       = -1121
)

// APIError is a logical exchange rejection, decoded from the response
// body's {code, msg} pair. Network and 5xx failures are plain errors.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: %s (code %d)", e.Message, e.Code)
}

// AsAPIError unwraps err to an APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code int) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}
