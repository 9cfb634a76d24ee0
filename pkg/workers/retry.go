package workers

import (
	"time"

	"github.com/sierra-labs/blueplane/pkg/builders"
)

// Decision is the retry policy's verdict for one builder result.
type Decision int

const (
	// DecisionProceed moves on to the next builder.
	DecisionProceed Decision = iota
	// DecisionRetry retries the same builder after a backoff.
	DecisionRetry
	// DecisionDeadLetter ships the record to the DLQ and acknowledges.
	DecisionDeadLetter
)

// Decide maps a classified builder result and the attempt count to a
// decision. It is a pure function: transient failures retry until the
// budget is spent, then promote to permanent.
func Decide(res builders.Result, attempt, maxAttempts int) Decision {
	switch res.Class {
	case builders.ClassOK:
		return DecisionProceed
	case builders.ClassTransient:
		if attempt < maxAttempts {
			return DecisionRetry
		}
		return DecisionDeadLetter
	default:
		return DecisionDeadLetter
	}
}

// Backoff returns the exponential delay before retry attempt n (1-based
// count of failures so far), capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
