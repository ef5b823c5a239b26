package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors a Completer may wrap to mark a transient failure explicitly.
var (
	ErrRateLimited = errors.New("rate limited")
	ErrOverloaded  = errors.New("overloaded")
	ErrUnavailable = errors.New("temporarily unavailable")
)

var transientPatterns = []string{
	"429",
	"503",
	"529",
	"overloaded",
	"rate limit",
	"rate_limit",
	"too many requests",
	"temporarily unavailable",
	"service unavailable",
}

// WorkerInvocationError is returned when a worker call fails for good.
type WorkerInvocationError struct {
	Worker    string
	Attempts  int
	Transient bool
	Err       error
}

func (e *WorkerInvocationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("worker %s failed after %d attempt(s) (%s): %v", e.Worker, e.Attempts, kind, e.Err)
}

func (e *WorkerInvocationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrOverloaded) || errors.Is(err, ErrUnavailable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
