// errors.go - Error classification for model API calls

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrorClass splits extraction failures into the two kinds the pipeline
// cares about: transient errors are retried, permanent errors fail the
// image immediately.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// ExtractionError is a categorized model API failure.
type ExtractionError struct {
	Class      ErrorClass
	Category   string
	StatusCode int
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("[%s/%s] %v (status: %d)", e.Class, e.Category, e.Err, e.StatusCode)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Transient reports whether another attempt could plausibly succeed.
func (e *ExtractionError) Transient() bool {
	return e.Class == ClassTransient
}

// IsTransient reports whether err is (or wraps) a transient extraction error.
// Unclassified errors count as permanent.
func IsTransient(err error) bool {
	var xerr *ExtractionError
	return errors.As(err, &xerr) && xerr.Transient()
}

// permanentError builds a permanent failure in a known category.
func permanentError(category string, err error) *ExtractionError {
	return &ExtractionError{Class: ClassPermanent, Category: category, Err: err}
}

// transientError builds a retryable failure in a known category.
func transientError(category string, err error) *ExtractionError {
	return &ExtractionError{Class: ClassTransient, Category: category, Err: err}
}

// classifyCallError analyzes a raw transport or API error and decides the
// retry strategy. Rate limits, server errors, timeouts and network failures
// are transient; auth, bad-request and quota failures are permanent.
func classifyCallError(err error) *ExtractionError {
	if err == nil {
		return nil
	}

	var xerr *ExtractionError
	if errors.As(err, &xerr) {
		return xerr
	}

	out := &ExtractionError{Class: ClassPermanent, Category: "unknown", Err: err}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		out.StatusCode = apiErr.Code

		switch apiErr.Code {
		case 400:
			out.Category = "bad_request"
		case 401:
			out.Category = "unauthorized"
		case 403:
			out.Category = "forbidden"
		case 404:
			out.Category = "not_found"
		case 413:
			out.Category = "payload_too_large"
		case 429:
			out.Category = "rate_limit"
			out.Class = ClassTransient
		case 500, 502, 503, 504:
			out.Category = "server_error"
			out.Class = ClassTransient
		default:
			out.Category = "api_error"
			if apiErr.Code >= 500 {
				out.Class = ClassTransient
			}
		}
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) {
		out.Category = "timeout"
		out.Class = ClassTransient
		return out
	}
	if errors.Is(err, context.Canceled) {
		out.Category = "canceled"
		return out
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"):
		out.Category = "quota_exceeded"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		out.Category = "timeout"
		out.Class = ClassTransient
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		out.Category = "network_error"
		out.Class = ClassTransient
	}
	return out
}

// classifyHTTPStatus maps a plain HTTP status to an extraction error; used
// by providers that speak raw HTTP rather than a typed client.
func classifyHTTPStatus(status int, err error) *ExtractionError {
	out := &ExtractionError{StatusCode: status, Err: err, Class: ClassPermanent}
	switch {
	case status == 429:
		out.Category = "rate_limit"
		out.Class = ClassTransient
	case status >= 500:
		out.Category = "server_error"
		out.Class = ClassTransient
	case status == 401 || status == 403:
		out.Category = "unauthorized"
	default:
		out.Category = "api_error"
	}
	return out
}
