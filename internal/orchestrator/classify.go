package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// unavailableCodes are AWS error codes meaning the service could not take the call.
var unavailableCodes = map[string]bool{
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"ThrottlingException":         true,
	"TooManyRequestsException":    true,
	"RequestLimitExceeded":        true,
}

// Classify maps an adapter error onto the upstream error kinds: timeouts,
// connection failures or an open circuit, and everything else.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.KindUpstreamTimeout
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.KindUpstreamUnavailable
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return types.KindUpstreamUnavailable
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return types.KindUpstreamTimeout
		}
		return types.KindUpstreamError
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if unavailableCodes[apiErr.ErrorCode()] {
			return types.KindUpstreamUnavailable
		}
		return types.KindUpstreamError
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return types.KindUpstreamUnavailable
	}

	return types.KindUpstreamError
}
