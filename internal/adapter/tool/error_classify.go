package tool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"stitchlab-agent/internal/domain"
)

// Substrings of transport failures, matched case-insensitively.
var (
	timeoutPatterns = []string{
		"timeout",
		"deadline exceeded",
	}
	unavailablePatterns = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"unexpected eof",
		"temporarily unavailable",
		"service unavailable",
		"bad gateway",
		"too many requests",
		"try again",
	}
)

// classifyTransportError tags err with domain.ErrTimeout or
// domain.ErrProviderError when it looks like a transient failure reaching a
// tool backend, so domain.IsRetryableError recognizes it. Other errors are
// returned unchanged.
func classifyTransportError(err error) error {
	if err == nil || domain.IsRetryableError(err) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}

	lower := strings.ToLower(err.Error())
	for _, p := range timeoutPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
	}
	for _, p := range unavailablePatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: %w", domain.ErrProviderError, err)
		}
	}
	return err
}
