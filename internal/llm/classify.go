package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

type errorClass int

const (
	classOther errorClass = iota
	classRateLimited
	classUnavailable
)

func (c errorClass) String() string {
	switch c {
	case classRateLimited:
		return "rate_limited"
	case classUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

// StatusError is a backend failure that carries an HTTP status, either
// directly or on the raw response.
type StatusError struct {
	Status   int
	Message  string
	Response *http.Response
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.StatusCode())
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode(), e.Message)
}

// StatusCode returns Status, falling back to Response.StatusCode.
func (e *StatusError) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	if e.Response != nil {
		return e.Response.StatusCode
	}
	return 0
}

// statusOf digs an HTTP status out of err, or returns 0.
func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	return 0
}

// classify checks rate limiting first, then unavailability.
func classify(err error) errorClass {
	if err == nil {
		return classOther
	}
	status := statusOf(err)
	msg := strings.ToLower(err.Error())

	if status == http.StatusTooManyRequests || strings.Contains(msg, "rate limit") {
		return classRateLimited
	}
	if status == http.StatusServiceUnavailable ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "unavailable") {
		return classUnavailable
	}
	return classOther
}
