package quest

import (
	"github.com/cockroachdb/errors"
)

// ErrTransient marks errors caused by infrastructure flakiness, which are worth retrying.
var ErrTransient = errors.New("transient failure")

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// An Error is the failure recorded on an execution.
type Error struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"` // Whether the final failure was transient
	Retried   int    `json:"retried"`   // How many transient failures were retried before
}

func (e *Error) Error() string {
	return e.Message
}
