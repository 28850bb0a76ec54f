package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is returned when the upstream responds with a non-2xx status.
// RawResponse holds the response body bytes and must never include API keys.
type Error struct {
	StatusCode  int
	Message     string
	Model       string
	RetryAfter  time.Duration
	RawResponse []byte
}

func (e *Error) Error() string {
	if e == nil {
		return "upstream error"
	}
	if e.Model != "" {
		return fmt.Sprintf("upstream request failed (%s): status %d: %s", e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream request failed: status %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the error is a 429-class rejection.
func (e *Error) RateLimited() bool {
	return e != nil && e.StatusCode == http.StatusTooManyRequests
}

// CredentialRejected reports whether the upstream rejected the credential
// itself, as opposed to the request. These are the only errors that may kill
// a credential for the process lifetime.
func (e *Error) CredentialRejected() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return true
	}
	// Gemini reports revoked keys as 400 with a distinctive message.
	if e.StatusCode == http.StatusBadRequest && strings.Contains(e.Message, "API key not valid") {
		return true
	}
	return false
}

// Transient reports whether the attempt is worth retrying on another
// credential without changing health state.
func (e *Error) Transient() bool {
	return e != nil && e.StatusCode >= 500 && e.StatusCode <= 599
}

// apiErrorBody matches the Gemini error envelope.
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// newError builds an Error from an upstream response, extracting the message
// and any retry hint from the body and headers.
func newError(statusCode int, header http.Header, body []byte, model string) *Error {
	err := &Error{
		StatusCode:  statusCode,
		Message:     strings.TrimSpace(string(body)),
		Model:       model,
		RawResponse: body,
	}

	var parsed apiErrorBody
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && parsed.Error.Message != "" {
		err.Message = parsed.Error.Message
		for _, detail := range parsed.Error.Details {
			if detail.RetryDelay == "" {
				continue
			}
			if d, parseErr := time.ParseDuration(detail.RetryDelay); parseErr == nil && d > 0 {
				err.RetryAfter = d
			}
		}
	}

	if err.RetryAfter == 0 {
		if raw := strings.TrimSpace(header.Get("Retry-After")); raw != "" {
			if secs, parseErr := strconv.Atoi(raw); parseErr == nil && secs > 0 {
				err.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}

	return err
}
