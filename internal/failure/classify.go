// Package failure classifies errors, retries recoverable ones with backoff
// and keeps the current error plus a bounded history for the UI.
package failure

import (
	"context"
	"errors"
	"strings"

	perrors "github.com/jmgilman/go/errors"

	"github.com/agatticelli/feedsync/internal/platform/resilience"
)

// Kind is the coarse failure category
type Kind string

const (
	KindNetwork Kind = "network"
	KindAuth    Kind = "auth"
	KindServer  Kind = "server"
	KindUnknown Kind = "unknown"
)

// Classify maps an error to a Kind. Structured codes win; otherwise the
// lowered message is matched against known substrings.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch perrors.GetCode(err) {
	case perrors.CodeNetwork, perrors.CodeTimeout:
		return KindNetwork
	case perrors.CodeUnauthorized, perrors.CodeForbidden:
		return KindAuth
	case perrors.CodeUnavailable, perrors.CodeInternal, perrors.CodeRateLimit:
		return KindServer
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return KindServer
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "network", "fetch", "timeout"):
		return KindNetwork
	case containsAny(msg, "auth", "unauthorized", "forbidden"):
		return KindAuth
	case containsAny(msg, "server", "500", "503"):
		return KindServer
	default:
		return KindUnknown
	}
}

// IsRecoverable reports whether a kind is worth retrying
func IsRecoverable(k Kind) bool {
	return k == KindNetwork || k == KindServer
}

// Retryable is a resilience-style predicate built on Classify. An open
// circuit is still reported as a server error but fails fast.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return IsRecoverable(Classify(err))
}

// UserMessage returns the guidance shown for a kind
func UserMessage(k Kind) string {
	switch k {
	case KindNetwork:
		return "Please check your internet connection and try again."
	case KindAuth:
		return "Your session has expired. Please sign in again."
	default:
		return "Something went wrong. Please try again."
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
