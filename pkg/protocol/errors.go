package protocol

import (
    "errors"
    "fmt"
)

// ErrMalformed is wrapped by every decode and validation failure. Callers drop
// the frame; it is never retried.
var ErrMalformed = errors.New("malformed message")

func malformed(format string, args ...any) error {
    return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}
