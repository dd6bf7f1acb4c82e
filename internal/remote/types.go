package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// CodeIllegalAccess is the envelope code for a rejected signature or device.
	CodeIllegalAccess = 110
	// MessageIllegalAccess is the envelope message for the same rejection,
	// sometimes sent with another code.
	MessageIllegalAccess = "ILLEGAL_ACCESS"
)

// ErrIllegalAccess is matched by API errors in which the server rejected
// the request signature or device identity. Callers should rotate the
// identity rather than resend the same request.
var ErrIllegalAccess = errors.New("illegal access")

// Envelope wraps every API response.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a non-success response.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error: code=%d message=%q", e.Code, e.Message)
	}
	return fmt.Sprintf("api error: http status %d %s", e.Status, e.Message)
}

// Unwrap maps illegal access responses to ErrIllegalAccess.
func (e *APIError) Unwrap() error {
	if e.Code == CodeIllegalAccess || e.Message == MessageIllegalAccess {
		return ErrIllegalAccess
	}
	return nil
}

// RegisterKeyRequest is the register key request body.
type RegisterKeyRequest struct {
	Content    string `json:"content"`
	KeyVersion int64  `json:"keyver"`
}

// RegisterKeyResponse is the register key response data.
type RegisterKeyResponse struct {
	Key     string `json:"key"`
	Version int64  `json:"keyver"`
}
