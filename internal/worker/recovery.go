package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailstrom-dev/mailstrom/status"
)

// Recover resumes delivery after a crash or restart: every message with
// a non-terminal recipient is re-admitted for immediate processing,
// except that a Deferred recipient whose saved schedule is still in the
// future keeps it as-is. A recipient caught mid-attempt
// (InProgress) when the process died is reset to Parked, since whatever
// partial SMTP session it was in is gone with the process.
func Recover(ctx context.Context, store status.Store, enq TaskEnqueuer, now func() time.Time, logger *slog.Logger) error {
	records, err := store.RetrieveAllIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("retrieving incomplete messages: %w", err)
	}

	nowT := now()
	for _, rec := range records {
		changed := false
		for i := range rec.Recipients {
			r := &rec.Recipients[i]
			switch r.State {
			case status.StateInProgress:
				r.State = status.StateParked
				changed = true
			case status.StateDeferred:
				if r.NextAttemptAt.Before(nowT) {
					r.NextAttemptAt = nowT
					changed = true
				}
			}
		}

		if changed {
			if err := store.Store(ctx, rec); err != nil {
				logger.Error("persisting recovered message", "message_id", rec.MessageID, "error", err)
				continue
			}
		}

		parked := false
		for _, r := range rec.Recipients {
			if r.State == status.StateParked {
				parked = true
			}
		}
		admitAt := nowT
		if next, ok := earliestNextAttempt(rec.Recipients); ok && next.After(nowT) && !parked {
			admitAt = next
		}
		if err := Admit(enq, rec.MessageID, admitAt); err != nil {
			logger.Error("re-admitting recovered message", "message_id", rec.MessageID, "error", err)
		}
	}
	return nil
}
