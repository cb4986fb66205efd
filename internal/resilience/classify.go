package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Severity tiers for classified failures.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error kinds produced by Classify.
const (
	KindHTTP               = "http_error"
	KindTimeout            = "timeout"
	KindNetwork            = "network_error"
	KindValidation         = "validation_error"
	KindServiceUnavailable = "service_unavailable"
	KindUnknown            = "unknown"
)

// HTTPError carries a status code from a failed upstream HTTP call so the
// classifier can map it to a severity tier.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// ValidationError marks a failure caused by bad input or malformed payloads.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Classify maps a failure into (kind, severity).
//
// HTTP-style errors map by status code (>=500 high, 400–499 medium, else
// low); network and timeout errors are high; validation errors medium;
// anything unrecognized is medium as a safe default.
func Classify(err error) (string, Severity) {
	if err == nil {
		return KindUnknown, SeverityLow
	}

	if errors.Is(err, ErrServiceUnavailable) {
		return KindServiceUnavailable, SeverityHigh
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500:
			return KindHTTP, SeverityHigh
		case httpErr.StatusCode >= 400:
			return KindHTTP, SeverityMedium
		default:
			return KindHTTP, SeverityLow
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout, SeverityHigh
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, SeverityHigh
		}
		return KindNetwork, SeverityHigh
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation, SeverityMedium
	}

	return KindUnknown, SeverityMedium
}
