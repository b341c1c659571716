package executor

import (
	"fmt"
	"time"
)

// FailureKind classifies why an invocation failed.
type FailureKind string

const (
	// KindTimeout means the driver exceeded its configured deadline.
	KindTimeout FailureKind = "timeout"

	// KindProcessError means the driver exited non-zero or could not start.
	KindProcessError FailureKind = "process_error"

	// KindQuotaExceeded means the driver reported an exhausted usage quota.
	// ResetAt carries the parsed reset time when the output named one.
	KindQuotaExceeded FailureKind = "quota_exceeded"
)

// Failure is the typed error for a failed driver invocation. Callers branch
// on Kind; QuotaExceeded is the only kind the engine suspends on.
type Failure struct {
	Kind    FailureKind
	Driver  string
	Message string

	// ResetAt is when an exhausted quota becomes available again. Zero when
	// unknown.
	ResetAt time.Time

	// Output is the scrubbed driver output, kept for evidence records.
	Output string

	cause error
}

func (f *Failure) Error() string {
	if f.Kind == KindQuotaExceeded && !f.ResetAt.IsZero() {
		return fmt.Sprintf("driver %s: %s (%s, resets %s)", f.Driver, f.Message, f.Kind, f.ResetAt.Format(time.Kitchen))
	}
	return fmt.Sprintf("driver %s: %s (%s)", f.Driver, f.Message, f.Kind)
}

func (f *Failure) Unwrap() error { return f.cause }
