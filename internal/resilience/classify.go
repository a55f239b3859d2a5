package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

// KindForStatus maps a provider HTTP status to the item error taxonomy:
// 400/422 mean the identity itself was rejected and retrying cannot help;
// everything else non-2xx is a provider-side failure worth retrying.
func KindForStatus(status int) model.ErrorKind {
	switch status {
	case 400, 422:
		return model.ErrKindValidation
	default:
		return model.ErrKindUpstream
	}
}

// IsTransient reports whether an error looks like a passing network or
// server condition: a timeout, a dropped connection, a DNS hiccup. Used as
// the default retry predicate for ingest downloads and other plumbing I/O
// that sits outside the dispatcher's own retry loop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped client errors lose their type; fall back to message patterns.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether the status code indicates a
// server-side condition that is safe to retry.
func IsTransientHTTPStatus(status int) bool {
	switch status {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
