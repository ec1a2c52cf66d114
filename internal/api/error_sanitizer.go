package api

import "strings"

// safeErrorMessage maps internal dependency errors to public-safe text. The
// deep health check reports these to authenticated probes, but raw error
// strings can carry hostnames, mailbox addresses, and token fragments, so
// only the failure category crosses the wire. The full error is logged where
// it happens.
func safeErrorMessage(err error) string {
	if err == nil {
		return "An internal error occurred"
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"

	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"

	case strings.Contains(errStr, "oauth") ||
		strings.Contains(errStr, "token") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "status 401") ||
		strings.Contains(errStr, "status 403"):
		return "Mail provider authentication failed"

	case strings.Contains(errStr, "graph api") ||
		strings.Contains(errStr, "status 4") ||
		strings.Contains(errStr, "status 5"):
		return "Mail provider request failed"

	case strings.Contains(errStr, "redis") ||
		strings.Contains(errStr, "cache"):
		return "A cache error occurred"

	default:
		return "An internal error occurred"
	}
}
