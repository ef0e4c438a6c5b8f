// Package worker is Mailstrom's delivery engine: the single background
// worker that drains the submission/retry inbox, resolves MX hosts,
// attempts SMTP delivery, and commits status updates.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mailstrom-dev/mailstrom/internal/engine"
	"github.com/mailstrom-dev/mailstrom/status"
)

// Metrics is an optional interface for recording per-recipient terminal
// and transitional outcomes. Pass nil to disable; every call site here
// is nil-safe.
type Metrics interface {
	IncRecipientOutcome(state string)
}

// Handler processes message:send tasks: one attempt cycle over a
// message's eligible recipients, grouped by domain.
type Handler struct {
	store       status.Store
	resolver    engine.Resolver
	sender      engine.SMTPClient
	quarantine  *mxQuarantine
	enqueuer    TaskEnqueuer
	baseBackoff time.Duration
	jitter      bool
	logger      *slog.Logger
	metrics     Metrics
	now         func() time.Time
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Store       status.Store
	Resolver    engine.Resolver
	Sender      engine.SMTPClient
	Enqueuer    TaskEnqueuer
	BaseBackoff time.Duration
	Jitter      bool
	Metrics     Metrics

	// QuarantineThreshold is the number of consecutive unreachable
	// results against an MX host before it is skipped outright in
	// later attempt cycles. QuarantineCooldown is how long it stays
	// skipped before being given one parole attempt. Zero values use
	// defaultQuarantineThreshold/defaultQuarantineCooldown, plumbed
	// from mailstrom.Config's own CircuitBreakerThreshold/
	// CircuitBreakerCooldown fields.
	QuarantineThreshold int
	QuarantineCooldown  time.Duration
}

// NewHandler creates a Handler. BaseBackoff defaults to 2 minutes if
// unset.
func NewHandler(cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 2 * time.Minute
	}
	return &Handler{
		store:       cfg.Store,
		resolver:    cfg.Resolver,
		sender:      cfg.Sender,
		quarantine:  newMXQuarantine(cfg.QuarantineThreshold, cfg.QuarantineCooldown),
		enqueuer:    cfg.Enqueuer,
		baseBackoff: cfg.BaseBackoff,
		jitter:      cfg.Jitter,
		logger:      logger,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
}

// ProcessTask implements asynq's handler signature for TaskMessageSend.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p MessageSendPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshalling message:send payload: %w", err)
	}

	log := h.logger.With("message_id", p.MessageID)

	rec, err := h.store.Retrieve(ctx, p.MessageID)
	if err != nil {
		// A storage failure here is retried on asynq's own schedule
		// rather than dropping the message.
		log.Error("retrieving message for delivery attempt", "error", err)
		return fmt.Errorf("retrieving message %s: %w", p.MessageID, err)
	}
	if rec == nil {
		log.Warn("message not found, skipping")
		return nil
	}
	if !rec.Incomplete() {
		return nil
	}

	now := h.now()
	domains := groupEligibleByDomain(rec.Recipients, now)

	for _, domain := range sortedDomains(domains) {
		idxs := domains[domain]
		markInProgress(rec, idxs)
		if err := h.store.Store(ctx, *rec); err != nil {
			log.Error("persisting status before domain attempt", "domain", domain, "error", err)
			return fmt.Errorf("persisting status for %s before domain %s: %w", p.MessageID, domain, err)
		}
		h.attemptDomain(ctx, rec, domain, idxs, now, log)
		if err := h.store.Store(ctx, *rec); err != nil {
			log.Error("persisting status after domain attempt", "domain", domain, "error", err)
			return fmt.Errorf("persisting status for %s after domain %s: %w", p.MessageID, domain, err)
		}
	}

	if !rec.Incomplete() {
		return nil
	}

	next, ok := earliestNextAttempt(rec.Recipients)
	if !ok {
		return nil
	}
	if err := Admit(h.enqueuer, rec.MessageID, next); err != nil {
		log.Error("scheduling next delivery attempt", "error", err)
		return fmt.Errorf("scheduling next attempt for %s: %w", p.MessageID, err)
	}
	return nil
}

// markInProgress begins an attempt cycle for every recipient in idxs:
// each transitions to InProgress, consuming one attempt. A recipient
// already InProgress (a storage-failure retry re-entering the same
// cycle) keeps its count; intra-cycle MX fallback never reaches here a
// second time, so it never consumes a retry.
func markInProgress(rec *status.InternalStatus, idxs []int) {
	for _, i := range idxs {
		r := &rec.Recipients[i]
		if r.State == status.StateInProgress {
			continue
		}
		r.State = status.StateInProgress
		if r.Attempts < status.MaxAttempts {
			r.Attempts++
		}
	}
}

// attemptDomain runs one attempt cycle for every eligible recipient in
// domain: resolve MX once, walk the hosts in preference order, stop at
// the first session that connects. Recipients in idxs are already
// InProgress.
func (h *Handler) attemptDomain(ctx context.Context, rec *status.InternalStatus, domain string, idxs []int, now time.Time, log *slog.Logger) {
	hosts, err := h.resolver.LookupMX(domain)
	if err != nil {
		h.failDomainOnResolveError(rec, idxs, err, now, log)
		return
	}
	if len(hosts) == 0 {
		h.terminalFail(rec, idxs, "MX lookup refused delivery for this domain", now)
		return
	}

	addrs := make([]string, len(idxs))
	for n, i := range idxs {
		addrs[n] = rec.Recipients[i].Address
	}

	var sawTransient bool
	for _, host := range hosts {
		if !h.quarantine.mayDial(host.Host) {
			sawTransient = true
			continue
		}

		results, connectErr := h.sender.Attempt(ctx, host.Host, rec.EnvelopeFrom, addrs, rec.Body)
		if connectErr != nil {
			h.quarantine.recordUnreachable(host.Host)
			var connErr *engine.ConnectError
			if errors.As(connectErr, &connErr) && connErr.Class == engine.ClassPermanent {
				log.Warn("MX host rejected connection permanently, trying next host", "host", host.Host, "error", connectErr)
				continue
			}
			log.Warn("MX host connection failed transiently, trying next host", "host", host.Host, "error", connectErr)
			sawTransient = true
			continue
		}

		h.quarantine.recordDeliverable(host.Host)
		h.applyResults(rec, idxs, results, now)
		return
	}

	// No MX host reached ConnectOk.
	if sawTransient {
		h.deferOrFail(rec, idxs, "all MX hosts unreachable or quarantined", now)
		return
	}
	h.terminalFail(rec, idxs, "all MX hosts rejected the connection", now)
}

// applyResults maps per-recipient SMTP outcomes onto rec's recipients:
// Accepted delivers, RejectedPermanent fails, RejectedTemporary defers.
func (h *Handler) applyResults(rec *status.InternalStatus, idxs []int, results []engine.RecipientResult, now time.Time) {
	for n, i := range idxs {
		if n >= len(results) {
			break
		}
		r := results[n]
		switch r.Outcome {
		case engine.OutcomeAccepted:
			rec.Recipients[i].State = status.StateDelivered
			rec.Recipients[i].DeliveredAt = now
			rec.Recipients[i].Code = r.Code
			rec.Recipients[i].Text = r.Text
			h.recordOutcome(string(status.StateDelivered))
		case engine.OutcomeRejectedPermanent:
			rec.Recipients[i].State = status.StateFailed
			rec.Recipients[i].Reason = fmt.Sprintf("%d %s", r.Code, r.Text)
			h.recordOutcome(string(status.StateFailed))
		case engine.OutcomeRejectedTemporary:
			h.deferOne(&rec.Recipients[i], fmt.Sprintf("%d %s", r.Code, r.Text), now)
		}
	}
}

// failDomainOnResolveError applies a classified Resolver failure to every
// recipient in the domain: DnsPermanent fails outright, DnsTemporary
// defers (or fails, once attempts are exhausted).
func (h *Handler) failDomainOnResolveError(rec *status.InternalStatus, idxs []int, err error, now time.Time, log *slog.Logger) {
	var dnsErr *engine.DNSError
	if errors.As(err, &dnsErr) && dnsErr.Class == engine.ClassPermanent {
		log.Warn("MX lookup failed permanently", "error", err)
		h.terminalFail(rec, idxs, err.Error(), now)
		return
	}
	log.Warn("MX lookup failed transiently", "error", err)
	h.deferOrFail(rec, idxs, err.Error(), now)
}

// deferOrFail defers every recipient in idxs, or fails it if its attempt
// cap is already reached, used for whole-domain transient outcomes
// (DNS failure, every MX host unreachable).
func (h *Handler) deferOrFail(rec *status.InternalStatus, idxs []int, reason string, now time.Time) {
	for _, i := range idxs {
		h.deferOne(&rec.Recipients[i], reason, now)
	}
}

// terminalFail fails every recipient in idxs outright, used for
// whole-domain permanent outcomes (explicit MX refusal, DNS NXDOMAIN,
// every MX host rejecting the connection).
func (h *Handler) terminalFail(rec *status.InternalStatus, idxs []int, reason string, now time.Time) {
	for _, i := range idxs {
		rec.Recipients[i].State = status.StateFailed
		rec.Recipients[i].Reason = reason
		h.recordOutcome(string(status.StateFailed))
	}
}

// deferOne settles a single recipient's transient outcome: Failed once
// the attempt cap is reached, otherwise Deferred until now +
// backoff(attempts).
func (h *Handler) deferOne(r *status.Recipient, reason string, now time.Time) {
	if r.Attempts >= status.MaxAttempts {
		r.State = status.StateFailed
		r.Reason = reason
		h.recordOutcome(string(status.StateFailed))
		return
	}
	r.State = status.StateDeferred
	r.Reason = reason
	r.NextAttemptAt = now.Add(Backoff(h.baseBackoff, r.Attempts, h.jitter))
	h.recordOutcome(string(status.StateDeferred))
}

func (h *Handler) recordOutcome(state string) {
	if h.metrics != nil {
		h.metrics.IncRecipientOutcome(state)
	}
}

// groupEligibleByDomain buckets the indices of the attemptable
// recipients by domain. A Deferred recipient whose scheduled time has
// not elapsed is skipped: another domain's earlier retry firing the
// message's task must not pull it forward.
func groupEligibleByDomain(recipients []status.Recipient, now time.Time) map[string][]int {
	domains := make(map[string][]int)
	for i, r := range recipients {
		if r.Terminal() {
			continue
		}
		if r.State == status.StateDeferred && r.NextAttemptAt.After(now) {
			continue
		}
		domains[r.Domain] = append(domains[r.Domain], i)
	}
	return domains
}

// earliestNextAttempt finds the earliest NextAttemptAt among rec's
// Deferred recipients, which is what the scheduler admits the message's
// next task at.
func earliestNextAttempt(recipients []status.Recipient) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, r := range recipients {
		if r.State != status.StateDeferred {
			continue
		}
		if !found || r.NextAttemptAt.Before(earliest) {
			earliest = r.NextAttemptAt
			found = true
		}
	}
	return earliest, found
}

// sortedDomains returns domains' keys sorted, giving deterministic
// per-message domain processing order for tests and logs.
func sortedDomains(domains map[string][]int) []string {
	keys := make([]string, 0, len(domains))
	for d := range domains {
		keys = append(keys, d)
	}
	sort.Strings(keys)
	return keys
}
