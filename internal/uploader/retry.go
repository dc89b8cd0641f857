package uploader

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/aws/smithy-go"
)

// maxAttempts bounds retries for a single part or small-object PUT per
// section 4.7: up to 5 attempts on transient failures.
const maxAttempts = 5

// backoffBase and backoffCap parameterize the exponential-with-full-jitter
// schedule from section 4.7.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// isTransientError reports whether err is a network timeout, a 5xx
// response, or request throttling — the only cases the uploader retries.
// Non-transient 4xx responses fail fast.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed",
			"ServiceUnavailable", "InternalError", "Throttling", "ThrottlingException":
			return true
		}
	}

	var faultErr interface{ ErrorFault() smithy.ErrorFault }
	if errors.As(err, &faultErr) && faultErr.ErrorFault() == smithy.FaultServer {
		return true
	}

	return false
}

// backoffWait sleeps for an exponentially increasing duration with full
// jitter, capped at backoffCap. Returns false if ctx is cancelled first.
func backoffWait(ctx context.Context, attempt int) bool {
	max := backoffBase * time.Duration(uint64(1)<<uint(attempt))
	if max > backoffCap || max <= 0 {
		max = backoffCap
	}
	delay := time.Duration(rand.Int64N(int64(max)))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
