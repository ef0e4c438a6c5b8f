package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskMessageSend is the only task type the delivery engine schedules.
// Every admission — a brand-new submission or a Deferred recipient's
// next attempt — is the same task shape; only ProcessAt differs.
const TaskMessageSend = "message:send"

// Queue names. Mailstrom runs a single worker with one logical queue;
// the name is kept distinct from "default" so a host embedding Mailstrom
// alongside its own asynq-backed jobs can tell the two apart.
const QueueDefault = "mailstrom"

// MessageSendPayload is the payload for a message:send task. The message
// body and recipient state live in the Status Store, not the task
// payload, so a task is safely re-derivable from message_id alone —
// crash recovery re-enqueues by id without needing the original payload.
type MessageSendPayload struct {
	MessageID string `json:"message_id"`
}

// taskID is the asynq task id for a message:send task scheduled at
// processAt. Asynq holds a task id from enqueue until the task leaves
// retention, so the id must be keyed on the scheduled time as well as
// the message: the retry a handler admits mid-ProcessTask must never
// collide with the id of the task currently being processed. Two
// admissions of the same message for the same scheduled second (a
// crash-recovery re-admit racing the still-pending task it is
// honoring) do collide, and that dedup is wanted — the earlier task
// wins and the second Admit is a no-op.
func taskID(messageID string, processAt time.Time) string {
	return fmt.Sprintf("message-send:%s:%d", messageID, processAt.Unix())
}

// NewMessageSendTask builds the task that admits messageID for
// processing at processAt. Submission uses processAt == now; a
// Deferred recipient's retry uses now + backoff.
func NewMessageSendTask(messageID string, processAt time.Time) (*asynq.Task, []asynq.Option) {
	payload, err := json.Marshal(MessageSendPayload{MessageID: messageID})
	if err != nil {
		// MessageSendPayload is a single string field; Marshal cannot fail.
		panic("worker: marshalling MessageSendPayload: " + err.Error())
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.TaskID(taskID(messageID, processAt)),
		asynq.ProcessAt(processAt),
		asynq.Retention(24 * time.Hour),
	}
	return asynq.NewTask(TaskMessageSend, payload), opts
}
