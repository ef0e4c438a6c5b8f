// Package status defines Mailstrom's per-message, per-recipient delivery
// record and the capability interface a host uses to persist it.
package status

import (
	"strings"
	"time"
)

// RecipientState is one state in a Recipient's delivery lifecycle.
type RecipientState string

const (
	StateParked     RecipientState = "parked"
	StateInProgress RecipientState = "in_progress"
	StateDelivered  RecipientState = "delivered"
	StateDeferred   RecipientState = "deferred"
	StateFailed     RecipientState = "failed"
)

// MaxAttempts is the retry cap: after the 3rd Deferred outcome a
// recipient transitions to Failed instead of being retried again.
const MaxAttempts = 3

// Recipient is a single envelope recipient and its delivery progress.
// Only the fields relevant to the current State carry meaning: Code/Text
// describe a Delivered outcome, NextAttemptAt/Reason describe a Deferred
// one, and Reason alone describes a Failed one.
type Recipient struct {
	Address string `json:"address"`
	Domain  string `json:"domain"`

	State RecipientState `json:"state"`

	// Attempts counts attempt cycles begun for this recipient. It is
	// monotonic and never exceeds MaxAttempts; intra-cycle MX-host
	// fallback does not increment it.
	Attempts int `json:"attempts"`

	// Valid when State == StateDeferred.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// Valid when State == StateDelivered.
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	Code        int       `json:"code,omitempty"`
	Text        string    `json:"text,omitempty"`

	// Valid when State is StateDeferred or StateFailed.
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether r can never transition again.
func (r Recipient) Terminal() bool {
	return r.State == StateDelivered || r.State == StateFailed
}

// NewRecipient builds a Recipient in the Parked state for the given
// address. The domain is the lower-cased ASCII part after '@'.
func NewRecipient(address string) Recipient {
	return Recipient{
		Address: address,
		Domain:  domainOf(address),
		State:   StateParked,
	}
}

func domainOf(address string) string {
	idx := strings.LastIndexByte(address, '@')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

// InternalStatus is the engine's per-message aggregate record. It is the
// unit stored and retrieved from a Store; message_id is its primary key
// and never changes once assigned.
type InternalStatus struct {
	MessageID    string      `json:"message_id"`
	EnvelopeFrom string      `json:"envelope_from"`
	Recipients   []Recipient `json:"recipients"`
	CreatedAt    time.Time   `json:"created_at"`

	// Body is the fully formatted message the delivery engine hands to
	// the SMTP sender adapter. It is part of the internal record, not
	// the public DeliveryResult projection, and exists so a worker
	// restart can resume an in-progress message from the Status Store
	// alone instead of depending on the task queue having retained it.
	Body []byte `json:"body"`
}

// AttemptsRemainingOverall is derived from the recipient with the most
// attempts remaining among non-terminal recipients (3 - attempts, capped
// at 0). It is not an independently stored field: a Store round-trips it
// implicitly by round-tripping Recipients.
func (s InternalStatus) AttemptsRemainingOverall() int {
	remaining := 0
	for _, r := range s.Recipients {
		if r.Terminal() {
			continue
		}
		left := MaxAttempts - r.Attempts
		if left > remaining {
			remaining = left
		}
	}
	return remaining
}

// Incomplete reports whether at least one recipient is non-terminal.
// RetrieveAllIncomplete uses this to decide what crash recovery resumes.
func (s InternalStatus) Incomplete() bool {
	for _, r := range s.Recipients {
		if !r.Terminal() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers (and Store implementations) never
// alias a caller's slice.
func (s InternalStatus) Clone() InternalStatus {
	out := s
	out.Recipients = make([]Recipient, len(s.Recipients))
	copy(out.Recipients, s.Recipients)
	if s.Body != nil {
		out.Body = make([]byte, len(s.Body))
		copy(out.Body, s.Body)
	}
	return out
}

// Rollup is the aggregate projection of a message's recipient states.
type Rollup string

const (
	RollupQueued    Rollup = "queued"
	RollupDelivered Rollup = "delivered"
	RollupDeferred  Rollup = "deferred"
	RollupFailed    Rollup = "failed"
	RollupMixed     Rollup = "mixed"
)

// RecipientStatus is the public, read-only view of a Recipient.
type RecipientStatus struct {
	Address       string         `json:"address"`
	State         RecipientState `json:"state"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	Code          int            `json:"code,omitempty"`
	Text          string         `json:"text,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// DeliveryResult is the public projection of an InternalStatus: the host
// queries this, never the internal record directly.
type DeliveryResult struct {
	MessageID  string            `json:"message_id"`
	Recipients []RecipientStatus `json:"recipients"`
	Rollup     Rollup            `json:"rollup"`
}

// ToDeliveryResult projects an InternalStatus into its public DeliveryResult.
func ToDeliveryResult(s InternalStatus) DeliveryResult {
	out := DeliveryResult{
		MessageID:  s.MessageID,
		Recipients: make([]RecipientStatus, len(s.Recipients)),
	}
	for i, r := range s.Recipients {
		rs := RecipientStatus{
			Address:  r.Address,
			State:    r.State,
			Attempts: r.Attempts,
			Code:     r.Code,
			Text:     r.Text,
			Reason:   r.Reason,
		}
		if r.State == StateDeferred {
			at := r.NextAttemptAt
			rs.NextAttemptAt = &at
		}
		out.Recipients[i] = rs
	}
	out.Rollup = ComputeRollup(s.Recipients)
	return out
}

// ComputeRollup derives the aggregate Rollup from a set of recipients.
func ComputeRollup(recipients []Recipient) Rollup {
	if len(recipients) == 0 {
		return RollupQueued
	}

	var delivered, failed, deferred, pending int
	for _, r := range recipients {
		switch r.State {
		case StateDelivered:
			delivered++
		case StateFailed:
			failed++
		case StateDeferred:
			deferred++
		default: // Parked, InProgress
			pending++
		}
	}

	switch {
	case delivered == len(recipients):
		return RollupDelivered
	case failed == len(recipients):
		return RollupFailed
	case delivered == 0 && failed == 0 && deferred == 0:
		return RollupQueued
	case delivered == 0 && failed == 0:
		return RollupDeferred
	default:
		return RollupMixed
	}
}
