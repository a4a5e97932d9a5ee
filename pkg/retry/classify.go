package retry

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"

	"github.com/opsautomator/opsautomator/pkg/engine"
)

// throttleCodes are provider error codes for rate limiting.
var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"BandwidthLimitExceeded":                 true,
	"LimitExceededException":                 true,
	"EC2ThrottledException":                  true,
	"SlowDown":                               true,
	"Rate exceeded":                          true,
}

// unavailableCodes are provider error codes for temporary outages.
var unavailableCodes = map[string]bool{
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"InternalError":               true,
	"InternalFailure":             true,
	"InternalServerError":         true,
	"RequestTimeout":              true,
	"RequestTimeoutException":     true,
	"PriorRequestNotComplete":     true,
}

var deniedCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnauthorizedOperation":       true,
	"AuthFailure":                 true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"UnrecognizedClientException": true,
}

var conflictCodes = map[string]bool{
	"IncorrectState":                  true,
	"IncorrectInstanceState":          true,
	"ConcurrentModification":          true,
	"ConcurrentModificationException": true,
	"ConflictException":               true,
	"ResourceInUseException":          true,
}

// ErrorCode returns the provider error code carried by err, if any.
func ErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// IsThrottle reports whether err is a provider rate limiting error.
func IsThrottle(err error) bool {
	code := ErrorCode(err)
	return throttleCodes[code] || strings.Contains(strings.ToLower(code), "throttl")
}

// IsConnectionError reports whether err is a reset connection or a network
// timeout.
func IsConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isTransient reports whether err should be retried under the client's
// transient codes.
func (c *Client) isTransient(err error) bool {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee.Class == engine.ErrorClassTransient || ee.Class == engine.ErrorClassThrottled
	}
	if IsThrottle(err) || IsConnectionError(err) {
		return true
	}
	code := ErrorCode(err)
	return code != "" && (unavailableCodes[code] || c.transientCodes[code])
}

// Classify converts a provider error into a classified engine error. Engine
// errors are returned unchanged.
func Classify(service, method string, err error) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	op := service + "." + method
	code := ErrorCode(err)
	switch {
	case IsThrottle(err):
		return engine.NewThrottledError(op+" throttled", err).
			WithCode(engine.ErrCodeRateLimited).WithOperation(op)
	case unavailableCodes[code] || IsConnectionError(err):
		return engine.NewTransientError(op+" unavailable", err).WithOperation(op)
	case deniedCodes[code]:
		return engine.NewPermanentError(op+" denied", err).
			WithCode(engine.ErrCodePermissionDenied).WithOperation(op)
	case conflictCodes[code]:
		return engine.NewConflictError(op+" conflicts with resource state", err).
			WithCode(engine.ErrCodeConflict).WithOperation(op)
	case strings.HasSuffix(code, "NotFound") || strings.HasSuffix(code, "NotFoundException"):
		return engine.NewPermanentError(op+" resource not found", err).
			WithCode(engine.ErrCodeNotFound).WithOperation(op)
	default:
		return engine.NewPermanentError(op+" failed", err).WithOperation(op)
	}
}
