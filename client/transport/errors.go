package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Class groups transport failures by how the pipeline reacts to them
type Class int

const (
	ClassNetworkUnavailable Class = iota + 1
	ClassTimeout
	ClassRateLimited
	ClassServerError
	ClassUnauthorized
	ClassClientError
)

func (c Class) String() string {
	switch c {
	case ClassNetworkUnavailable:
		return "network_unavailable"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServerError:
		return "server_error"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the pipeline retries this class in-loop
func (c Class) Retryable() bool {
	return c == ClassNetworkUnavailable || c == ClassTimeout || c == ClassServerError
}

// Error is a classified transport failure
type Error struct {
	Class      Class
	Status     int           // HTTP status, 0 when no response arrived
	RetryAfter time.Duration // how long the error cache will fail fast
	Cached     bool          // answered from the error cache without a call
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	msg := e.Class.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the machine code of a JSON error body, if any
func (e *Error) Code() string {
	var body struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(e.Body, &body) != nil {
		return ""
	}
	return body.Code
}

// ClassOf returns the class of err, or 0 when err is not a transport error
func ClassOf(err error) Class {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Class
	}
	return 0
}

// IsClass reports whether err is a transport error of class c
func IsClass(err error, c Class) bool {
	return ClassOf(err) == c
}

func statusError(resp *http.Response, body []byte, now time.Time) *Error {
	e := &Error{Status: resp.StatusCode, Body: body}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		e.Class = ClassUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	case resp.StatusCode >= 500:
		e.Class = ClassServerError
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	default:
		e.Class = ClassClientError
	}
	return e
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
