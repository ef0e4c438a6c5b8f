package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SenderMetrics is an optional interface for recording SMTP metrics. Pass
// nil to disable metrics; every call site here is nil-safe.
type SenderMetrics interface {
	ObserveSendDuration(seconds float64)
	IncConnection(mxHost, result string)
}

// RecipientOutcome is the classification of a single recipient's SMTP
// response.
type RecipientOutcome int

const (
	OutcomeAccepted RecipientOutcome = iota
	OutcomeRejectedPermanent
	OutcomeRejectedTemporary
)

// RecipientResult is one recipient's outcome from an Attempt call,
// correlated to the input recipient list by position.
type RecipientResult struct {
	Address string
	Outcome RecipientOutcome
	Code    int
	Text    string
}

// SMTPClient attempts delivery of a message body to one mail host for a
// set of recipients and reports a classified per-recipient outcome.
type SMTPClient interface {
	// Attempt opens one connection to host and delivers body to every
	// recipient in a single MAIL FROM / RCPT TO* / DATA transaction.
	//
	// If the connection fails before any RCPT was answered, results is
	// nil and connectErr is a *ConnectError classifying the failure —
	// the caller (the worker) treats every recipient in this attempt as
	// inheriting that classification. Otherwise connectErr is nil and
	// results has exactly len(recipients) entries, one per recipient in
	// input order.
	Attempt(ctx context.Context, host, envelopeFrom string, recipients []string, body []byte) (results []RecipientResult, connectErr error)
}

// Sender is the reference SMTPClient, delivering directly to MX hosts on
// port 25 with opportunistic (default) or enforced STARTTLS.
type Sender struct {
	heloDomain     string
	requireTLS     bool
	connectTimeout time.Duration
	sendTimeout    time.Duration
	logger         *slog.Logger
	metrics        SenderMetrics

	// port is 25 in production; tests in this package override it to
	// point at an in-process fake SMTP server.
	port int
}

// SenderConfig configures the SMTP sender.
type SenderConfig struct {
	HeloDomain     string
	RequireTLS     bool
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	Metrics        SenderMetrics
}

// NewSender creates a Sender with the given configuration.
func NewSender(cfg SenderConfig, logger *slog.Logger) *Sender {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	return &Sender{
		heloDomain:     cfg.HeloDomain,
		requireTLS:     cfg.RequireTLS,
		connectTimeout: cfg.ConnectTimeout,
		sendTimeout:    cfg.SendTimeout,
		logger:         logger,
		metrics:        cfg.Metrics,
		port:           25,
	}
}

// Attempt implements SMTPClient.
func (s *Sender) Attempt(ctx context.Context, host, envelopeFrom string, recipients []string, body []byte) ([]RecipientResult, error) {
	start := time.Now()
	addr := fmt.Sprintf("%s:%d", host, s.port)

	dialer := net.Dialer{Timeout: s.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.recordConnection(host, "connect_error")
		return nil, NewConnectTempFail(fmt.Errorf("connecting to %s: %w", addr, err))
	}

	if err := conn.SetDeadline(time.Now().Add(s.sendTimeout)); err != nil {
		_ = conn.Close()
		return nil, NewConnectTempFail(fmt.Errorf("setting deadline for %s: %w", addr, err))
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, NewConnectTempFail(fmt.Errorf("creating SMTP client for %s: %w", host, err))
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(s.heloDomain); err != nil {
		s.recordConnection(host, "ehlo_error")
		return nil, connectErrorFromSMTP(err, fmt.Sprintf("EHLO to %s", host))
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			if s.requireTLS {
				return nil, NewConnectPermFail(fmt.Errorf("STARTTLS required but failed for %s: %w", host, err))
			}
			s.logger.Warn("STARTTLS failed, continuing without TLS", "host", host, "error", err)
		}
	} else if s.requireTLS {
		return nil, NewConnectPermFail(fmt.Errorf("STARTTLS required but not offered by %s", host))
	}

	if err := client.Mail(envelopeFrom); err != nil {
		s.recordConnection(host, "mail_from_error")
		return nil, connectErrorFromSMTP(err, fmt.Sprintf("MAIL FROM to %s", host))
	}

	results := make([]RecipientResult, len(recipients))
	var accepted []int
	for i, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			code, text := parseSMTPError(err)
			if code == 0 && i == 0 {
				// No SMTP reply to the first RCPT: the session broke before
				// any recipient was answered, a connection-level failure.
				s.recordConnection(host, "rcpt_error")
				return nil, NewConnectTempFail(fmt.Errorf("RCPT TO to %s: %w", host, err))
			}
			rejection := newSMTPRejection(code, text)
			results[i] = RecipientResult{
				Address: rcpt,
				Outcome: outcomeFromClass(rejection.Class),
				Code:    code,
				Text:    text,
			}
			s.logger.Warn("RCPT TO rejected", "recipient", rcpt, "host", host, "code", code, "text", text)
			continue
		}
		accepted = append(accepted, i)
	}

	if len(accepted) == 0 {
		_ = client.Reset()
		return results, nil
	}

	wc, err := client.Data()
	if err != nil {
		code, text := parseSMTPError(err)
		applyDataOutcome(results, accepted, code, text)
		return results, nil
	}

	if _, err := wc.Write(body); err != nil {
		_ = wc.Close()
		applyDataOutcome(results, accepted, 0, err.Error())
		return results, nil
	}

	if err := wc.Close(); err != nil {
		code, text := parseSMTPError(err)
		applyDataOutcome(results, accepted, code, text)
		return results, nil
	}

	for _, i := range accepted {
		results[i] = RecipientResult{Address: recipients[i], Outcome: OutcomeAccepted, Code: 250, Text: "OK"}
	}

	_ = client.Quit()
	s.recordConnection(host, "success")
	s.recordSendDuration(time.Since(start).Seconds())
	return results, nil
}

// applyDataOutcome assigns the DATA command's response to every recipient
// that was accepted at RCPT time: a single DATA command governs the whole
// transaction, so its outcome applies uniformly to that subset.
func applyDataOutcome(results []RecipientResult, accepted []int, code int, text string) {
	class := ClassTransient
	if code != 0 {
		class = classifySMTPCode(code)
	}
	for _, i := range accepted {
		results[i] = RecipientResult{
			Outcome: outcomeFromClass(class),
			Code:    code,
			Text:    text,
		}
	}
}

func outcomeFromClass(class ErrorClass) RecipientOutcome {
	if class == ClassPermanent {
		return OutcomeRejectedPermanent
	}
	return OutcomeRejectedTemporary
}

// connectErrorFromSMTP classifies a failure during EHLO/MAIL FROM, before
// any recipient has been addressed, as a connection-level outcome.
func connectErrorFromSMTP(err error, context string) error {
	code, _ := parseSMTPError(err)
	if code != 0 && classifySMTPCode(code) == ClassPermanent {
		return NewConnectPermFail(fmt.Errorf("%s: %w", context, err))
	}
	return NewConnectTempFail(fmt.Errorf("%s: %w", context, err))
}

// parseSMTPError extracts the SMTP response code and text from an error
// returned by net/smtp, which formats rejections as "XXX message".
func parseSMTPError(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	msg := err.Error()
	if len(msg) >= 3 {
		var code int
		if _, parseErr := fmt.Sscanf(msg[:3], "%d", &code); parseErr == nil && code >= 200 && code < 600 {
			return code, strings.TrimSpace(msg[3:])
		}
	}

	if strings.Contains(strings.ToLower(msg), "timeout") ||
		strings.Contains(strings.ToLower(msg), "connection refused") {
		return 421, msg
	}
	return 0, msg
}

func (s *Sender) recordConnection(host, result string) {
	if s.metrics != nil {
		s.metrics.IncConnection(host, result)
	}
}

func (s *Sender) recordSendDuration(seconds float64) {
	if s.metrics != nil {
		s.metrics.ObserveSendDuration(seconds)
	}
}
