package tunnel

import "strings"

// classifyErr maps a free-text error (stderr from the remote ssh/sshpass
// invocation, or a local dial/session failure) onto a five-way
// taxonomy. Adapted from an internal/transport/tunnel/backoff.go
// isAuthErr helper — generalized from a single auth/not-auth boolean into
// the fuller classification needed here, using the same "lowercase and
// substring-match known phrases" technique since that helper has no
// typed errors to switch on either.
func classifyErr(msg string) string {
	lower := strings.ToLower(msg)

	authPhrases := []string{
		"unable to authenticate", "authentication failed", "auth failed",
		"permission denied", "unauthorized", "invalid auth",
	}
	for _, p := range authPhrases {
		if strings.Contains(lower, p) {
			return ErrAuthenticationFailed
		}
	}

	connPhrases := []string{
		"address already in use", "forwarding disallowed", "forwarding request denied",
		"bind: cannot assign", "remote port forwarding failed",
	}
	for _, p := range connPhrases {
		if strings.Contains(lower, p) {
			return ErrConnectionFailed
		}
	}

	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return ErrTimeout
	}
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "network is unreachable") ||
		strings.Contains(lower, "no route to host") || strings.Contains(lower, "reset by peer") ||
		strings.Contains(lower, "broken pipe") {
		return ErrNetworkError
	}

	return ErrUnknown
}

// retryable reports whether errType should trigger the retry path:
// AUTHENTICATION_FAILED and CONNECTION_FAILED are terminal, everything
// else is retried.
func retryable(errType string) bool {
	return errType != ErrAuthenticationFailed && errType != ErrConnectionFailed
}
