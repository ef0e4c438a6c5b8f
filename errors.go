package mailstrom

import "fmt"

// InvalidMessage is returned by Send when the Message Formatter rejects
// the submitted Email: a malformed body, a missing or invalid envelope
// sender, or an empty or invalid recipient list. Nothing is persisted
// when Send returns this error.
type InvalidMessage struct {
	Err error
}

func (e *InvalidMessage) Error() string { return fmt.Sprintf("invalid message: %v", e.Err) }
func (e *InvalidMessage) Unwrap() error { return e.Err }

// Storage failures from Send and QueryStatus surface as
// status.StorageError; callers that need to distinguish them from
// InvalidMessage should errors.As against *status.StorageError.
