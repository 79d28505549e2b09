package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsTransientNet reports network-level failures every backend treats as
// retryable: timeouts, resets, refused or truncated connections.
func IsTransientNet(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
