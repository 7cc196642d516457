package queue

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// Terminal wraps a handler failure so asynq never retries it — the
// inverse of a transient connection/lock failure. Handlers wrap errors
// with Terminal before returning them so the retry policy can tell
// "worker crashed, try again" apart from "input is permanently bad,
// retrying changes nothing" (module_not_found, malformed payload,
// source inactive).
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// IsTerminal reports whether err should be treated as non-retryable.
// asynq.SkipRetry is a sentinel the handler can return directly; a
// handler may also wrap it with fmt.Errorf("...: %w", asynq.SkipRetry)
// and this still recognizes it via errors.Is.
func IsTerminal(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}
