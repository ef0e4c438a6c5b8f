package worker

import (
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// TaskEnqueuer abstracts the asynq.Client so it can be mocked in tests.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Admit enqueues messageID for processing at processAt, under a task id
// keyed on (message, scheduled second). A second admission for the same
// scheduled time (two recovery passes, or a recovery re-admit honoring a
// schedule the still-pending task already carries) is not an error: the
// earlier task wins and this call is a no-op. An admission for a
// different time enqueues a separate task; a spurious extra firing finds
// no recipient due and re-admits at the correct time, so duplicates are
// harmless.
func Admit(enq TaskEnqueuer, messageID string, processAt time.Time) error {
	task, opts := NewMessageSendTask(messageID, processAt)
	_, err := enq.Enqueue(task, opts...)
	if err != nil && errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
