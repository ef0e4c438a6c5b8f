package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailstrom-dev/mailstrom/internal/engine"
	"github.com/mailstrom-dev/mailstrom/status"
	"github.com/mailstrom-dev/mailstrom/status/memory"
)

// fakeResolver returns a fixed result per domain, or errs for domains
// missing from hosts.
type fakeResolver struct {
	hosts map[string][]engine.MXHost
	errs  map[string]error
}

func (f *fakeResolver) LookupMX(domain string) ([]engine.MXHost, error) {
	if err, ok := f.errs[domain]; ok {
		return nil, err
	}
	return f.hosts[domain], nil
}

// fakeSender returns a scripted result (or connect error) per host,
// consumed in call order so a test can script a multi-host fallback.
type fakeSender struct {
	calls   []string
	scripts map[string][]func([]string) ([]engine.RecipientResult, error)
}

func newFakeSender() *fakeSender {
	return &fakeSender{scripts: make(map[string][]func([]string) ([]engine.RecipientResult, error))}
}

func (f *fakeSender) script(host string, fn func([]string) ([]engine.RecipientResult, error)) {
	f.scripts[host] = append(f.scripts[host], fn)
}

func (f *fakeSender) Attempt(_ context.Context, host, _ string, recipients []string, _ []byte) ([]engine.RecipientResult, error) {
	f.calls = append(f.calls, host)
	fns := f.scripts[host]
	if len(fns) == 0 {
		return nil, engine.NewConnectTempFail(assertErr("no script for host " + host))
	}
	fn := fns[0]
	f.scripts[host] = fns[1:]
	return fn(recipients)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func allAccepted(recipients []string) ([]engine.RecipientResult, error) {
	results := make([]engine.RecipientResult, len(recipients))
	for i, addr := range recipients {
		results[i] = engine.RecipientResult{Address: addr, Outcome: engine.OutcomeAccepted, Code: 250, Text: "OK"}
	}
	return results, nil
}

// fakeEnqueuer records every task it was asked to enqueue.
type fakeEnqueuer struct {
	tasks []enqueuedTask
}

type enqueuedTask struct {
	MessageID string
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	var p MessageSendPayload
	_ = json.Unmarshal(task.Payload(), &p)
	f.tasks = append(f.tasks, enqueuedTask{MessageID: p.MessageID})
	return &asynq.TaskInfo{}, nil
}

func newTestStatus(messageID string, addrs ...string) status.InternalStatus {
	recs := make([]status.Recipient, len(addrs))
	for i, a := range addrs {
		recs[i] = status.NewRecipient(a)
	}
	return status.InternalStatus{
		MessageID:    messageID,
		EnvelopeFrom: "sender@example.com",
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Body:         []byte("Subject: hi\r\n\r\nbody\r\n"),
		Recipients:   recs,
	}
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func taskFor(t *testing.T, messageID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(MessageSendPayload{MessageID: messageID})
	require.NoError(t, err)
	return asynq.NewTask(TaskMessageSend, payload)
}

func TestHandler_ProcessTask_AllDelivered(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-1", "alice@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.example.net", allAccepted)
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{
		Store: store, Resolver: resolver, Sender: sender, Enqueuer: enq,
	}, slog.Default())
	h.now = fixedNow(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-1")))

	got, err := store.Retrieve(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateDelivered, got.Recipients[0].State)
	assert.Equal(t, 1, got.Recipients[0].Attempts)
	assert.Empty(t, enq.tasks)
}

func TestHandler_ProcessTask_TemporaryRejectionDefers(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-2", "bob@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.example.net", func(recipients []string) ([]engine.RecipientResult, error) {
		results := make([]engine.RecipientResult, len(recipients))
		for i, a := range recipients {
			results[i] = engine.RecipientResult{Address: a, Outcome: engine.OutcomeRejectedTemporary, Code: 451, Text: "try later"}
		}
		return results, nil
	})
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{
		Store: store, Resolver: resolver, Sender: sender, Enqueuer: enq, BaseBackoff: time.Minute,
	}, slog.Default())
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	h.now = fixedNow(now)

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-2")))

	got, err := store.Retrieve(context.Background(), "msg-2")
	require.NoError(t, err)
	assert.Equal(t, status.StateDeferred, got.Recipients[0].State)
	assert.Equal(t, 1, got.Recipients[0].Attempts)
	assert.Equal(t, now.Add(time.Minute), got.Recipients[0].NextAttemptAt)
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, "msg-2", enq.tasks[0].MessageID)
}

func TestHandler_ProcessTask_ThirdDeferralFails(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-3", "carol@example.net")
	rec.Recipients[0].State = status.StateParked
	rec.Recipients[0].Attempts = 2
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.example.net", func(recipients []string) ([]engine.RecipientResult, error) {
		return []engine.RecipientResult{{Address: recipients[0], Outcome: engine.OutcomeRejectedTemporary, Code: 451, Text: "try later"}}, nil
	})
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{Store: store, Resolver: resolver, Sender: sender, Enqueuer: enq}, slog.Default())
	h.now = fixedNow(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-3")))

	got, err := store.Retrieve(context.Background(), "msg-3")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, got.Recipients[0].State)
	assert.Empty(t, enq.tasks)
}

func TestHandler_ProcessTask_ExplicitMXRefusalFails(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-4", "dave@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{"example.net": {}}}
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{Store: store, Resolver: resolver, Sender: newFakeSender(), Enqueuer: enq}, slog.Default())
	h.now = fixedNow(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-4")))

	got, err := store.Retrieve(context.Background(), "msg-4")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, got.Recipients[0].State)
}

func TestHandler_ProcessTask_FallsBackToNextMXHost(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-5", "erin@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {
			{Host: "mx1.example.net", Priority: 0},
			{Host: "mx2.example.net", Priority: 10},
		},
	}}
	sender := newFakeSender()
	sender.script("mx1.example.net", func([]string) ([]engine.RecipientResult, error) {
		return nil, engine.NewConnectTempFail(assertErr("refused"))
	})
	sender.script("mx2.example.net", allAccepted)
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{Store: store, Resolver: resolver, Sender: sender, Enqueuer: enq}, slog.Default())
	h.now = fixedNow(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-5")))

	got, err := store.Retrieve(context.Background(), "msg-5")
	require.NoError(t, err)
	assert.Equal(t, status.StateDelivered, got.Recipients[0].State)
	assert.Equal(t, 1, got.Recipients[0].Attempts, "intra-cycle MX fallback must not consume retries")
	assert.Equal(t, []string{"mx1.example.net", "mx2.example.net"}, sender.calls)
}

func TestHandler_ProcessTask_MixedOutcomesWithinOneDomainSession(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-6", "alice@example.net", "bob@example.net", "carol@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.example.net", func(recipients []string) ([]engine.RecipientResult, error) {
		require.Len(t, recipients, 3)
		return []engine.RecipientResult{
			{Address: recipients[0], Outcome: engine.OutcomeAccepted, Code: 250, Text: "OK"},
			{Address: recipients[1], Outcome: engine.OutcomeRejectedPermanent, Code: 550, Text: "no such user"},
			{Address: recipients[2], Outcome: engine.OutcomeRejectedTemporary, Code: 451, Text: "try later"},
		}, nil
	})
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{
		Store: store, Resolver: resolver, Sender: sender, Enqueuer: enq, BaseBackoff: time.Minute,
	}, slog.Default())
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	h.now = fixedNow(now)

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-6")))

	got, err := store.Retrieve(context.Background(), "msg-6")
	require.NoError(t, err)
	require.Len(t, got.Recipients, 3)

	assert.Equal(t, status.StateDelivered, got.Recipients[0].State)
	assert.Equal(t, 250, got.Recipients[0].Code)

	assert.Equal(t, status.StateFailed, got.Recipients[1].State)
	assert.Equal(t, "550 no such user", got.Recipients[1].Reason)

	assert.Equal(t, status.StateDeferred, got.Recipients[2].State)
	assert.Equal(t, 1, got.Recipients[2].Attempts)
	assert.Equal(t, now.Add(time.Minute), got.Recipients[2].NextAttemptAt)

	assert.Equal(t, status.RollupMixed, status.ComputeRollup(got.Recipients))

	require.Len(t, enq.tasks, 1, "the deferred recipient should schedule a retry cycle")
	assert.Equal(t, "msg-6", enq.tasks[0].MessageID)
}

// snapshotStore wraps a status.Store and records the recipient states
// of every write, so tests can assert on the persisted state sequence.
type snapshotStore struct {
	inner     status.Store
	snapshots [][]status.RecipientState
}

func (s *snapshotStore) Store(ctx context.Context, rec status.InternalStatus) error {
	states := make([]status.RecipientState, len(rec.Recipients))
	for i, r := range rec.Recipients {
		states[i] = r.State
	}
	s.snapshots = append(s.snapshots, states)
	return s.inner.Store(ctx, rec)
}

func (s *snapshotStore) Retrieve(ctx context.Context, messageID string) (*status.InternalStatus, error) {
	return s.inner.Retrieve(ctx, messageID)
}

func (s *snapshotStore) RetrieveAllIncomplete(ctx context.Context) ([]status.InternalStatus, error) {
	return s.inner.RetrieveAllIncomplete(ctx)
}

func TestHandler_ProcessTask_PersistsInProgressBeforeDialing(t *testing.T) {
	store := &snapshotStore{inner: memory.New()}
	rec := newTestStatus("msg-7", "frank@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.example.net", allAccepted)

	h := NewHandler(HandlerConfig{Store: store, Resolver: resolver, Sender: sender, Enqueuer: &fakeEnqueuer{}}, slog.Default())
	h.now = fixedNow(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-7")))

	require.Len(t, store.snapshots, 3)
	assert.Equal(t, status.StateParked, store.snapshots[0][0])
	assert.Equal(t, status.StateInProgress, store.snapshots[1][0])
	assert.Equal(t, status.StateDelivered, store.snapshots[2][0])
}

func TestHandler_ProcessTask_SkipsDeferredRecipientNotYetDue(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	later := now.Add(30 * time.Minute)

	rec := newTestStatus("msg-8", "gail@a.example", "hank@b.example")
	rec.Recipients[1].State = status.StateDeferred
	rec.Recipients[1].Attempts = 1
	rec.Recipients[1].NextAttemptAt = later
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"a.example": {{Host: "mx.a.example", Priority: 0}},
		"b.example": {{Host: "mx.b.example", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.a.example", allAccepted)
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{Store: store, Resolver: resolver, Sender: sender, Enqueuer: enq}, slog.Default())
	h.now = fixedNow(now)

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-8")))

	got, err := store.Retrieve(context.Background(), "msg-8")
	require.NoError(t, err)
	assert.Equal(t, status.StateDelivered, got.Recipients[0].State)

	// The deferred recipient's schedule is honored, not pulled forward.
	assert.Equal(t, status.StateDeferred, got.Recipients[1].State)
	assert.Equal(t, 1, got.Recipients[1].Attempts)
	assert.Equal(t, later, got.Recipients[1].NextAttemptAt)
	assert.Equal(t, []string{"mx.a.example"}, sender.calls)

	require.Len(t, enq.tasks, 1, "the not-yet-due recipient keeps a scheduled retry")
	assert.Equal(t, "msg-8", enq.tasks[0].MessageID)
}

func TestHandler_ProcessTask_DeferralThenSuccessAcrossCycles(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-9", "bob@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.example.net", func(recipients []string) ([]engine.RecipientResult, error) {
		return []engine.RecipientResult{{Address: recipients[0], Outcome: engine.OutcomeRejectedTemporary, Code: 451, Text: "try later"}}, nil
	})
	sender.script("mx.example.net", allAccepted)
	enq := &fakeEnqueuer{}

	h := NewHandler(HandlerConfig{
		Store: store, Resolver: resolver, Sender: sender, Enqueuer: enq, BaseBackoff: time.Minute,
	}, slog.Default())
	start := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	h.now = fixedNow(start)

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-9")))

	got, err := store.Retrieve(context.Background(), "msg-9")
	require.NoError(t, err)
	assert.Equal(t, status.StateDeferred, got.Recipients[0].State)
	assert.Equal(t, 1, got.Recipients[0].Attempts)

	h.now = fixedNow(got.Recipients[0].NextAttemptAt)
	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-9")))

	got, err = store.Retrieve(context.Background(), "msg-9")
	require.NoError(t, err)
	assert.Equal(t, status.StateDelivered, got.Recipients[0].State)
	assert.Equal(t, 2, got.Recipients[0].Attempts)
}

func TestHandler_ProcessTask_ThreeDeferralsExhaustRetries(t *testing.T) {
	store := memory.New()
	rec := newTestStatus("msg-10", "dan@example.net")
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	for i := 0; i < 3; i++ {
		sender.script("mx.example.net", func(recipients []string) ([]engine.RecipientResult, error) {
			return []engine.RecipientResult{{Address: recipients[0], Outcome: engine.OutcomeRejectedTemporary, Code: 421, Text: "service unavailable"}}, nil
		})
	}

	h := NewHandler(HandlerConfig{
		Store: store, Resolver: resolver, Sender: sender, Enqueuer: &fakeEnqueuer{}, BaseBackoff: time.Minute,
	}, slog.Default())
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	var schedules []time.Time
	for cycle := 0; cycle < 3; cycle++ {
		h.now = fixedNow(now)
		require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-10")))

		got, err := store.Retrieve(context.Background(), "msg-10")
		require.NoError(t, err)
		if got.Recipients[0].State == status.StateDeferred {
			schedules = append(schedules, got.Recipients[0].NextAttemptAt)
			now = got.Recipients[0].NextAttemptAt
		}
	}

	got, err := store.Retrieve(context.Background(), "msg-10")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, got.Recipients[0].State)
	assert.Equal(t, 3, got.Recipients[0].Attempts)
	assert.Equal(t, "421 service unavailable", got.Recipients[0].Reason)
	assert.Empty(t, sender.scripts["mx.example.net"], "all three scripted attempts consumed")

	// Deferred schedules strictly increase across cycles.
	require.Len(t, schedules, 2)
	assert.True(t, schedules[1].After(schedules[0]))
}

func TestHandler_ProcessTask_TerminalRecipientsAreNeverReattempted(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	rec := newTestStatus("msg-11", "done@example.net", "parked@example.net")
	rec.Recipients[0].State = status.StateDelivered
	rec.Recipients[0].Attempts = 1
	rec.Recipients[0].Code = 250
	require.NoError(t, store.Store(context.Background(), rec))

	resolver := &fakeResolver{hosts: map[string][]engine.MXHost{
		"example.net": {{Host: "mx.example.net", Priority: 0}},
	}}
	sender := newFakeSender()
	sender.script("mx.example.net", func(recipients []string) ([]engine.RecipientResult, error) {
		require.Equal(t, []string{"parked@example.net"}, recipients, "the delivered recipient must not be re-sent")
		return allAccepted(recipients)
	})

	h := NewHandler(HandlerConfig{Store: store, Resolver: resolver, Sender: sender, Enqueuer: &fakeEnqueuer{}}, slog.Default())
	h.now = fixedNow(now)

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "msg-11")))

	got, err := store.Retrieve(context.Background(), "msg-11")
	require.NoError(t, err)
	assert.Equal(t, status.StateDelivered, got.Recipients[0].State)
	assert.Equal(t, 1, got.Recipients[0].Attempts, "terminal recipient state never changes")
	assert.Equal(t, status.StateDelivered, got.Recipients[1].State)
}

func TestHandler_ProcessTask_MessageNotFoundIsANoOp(t *testing.T) {
	store := memory.New()
	h := NewHandler(HandlerConfig{Store: store, Resolver: &fakeResolver{}, Sender: newFakeSender(), Enqueuer: &fakeEnqueuer{}}, slog.Default())

	require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, "does-not-exist")))
}
