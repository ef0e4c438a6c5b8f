// Package mailstrom is an embeddable outbound email delivery engine: a
// host hands it a well-formed message and envelope, and it takes
// responsibility for delivering that message directly to every
// recipient's mail infrastructure, retrying transient failures with
// backoff, and reporting per-recipient status on demand.
//
// The package wires together the Message Formatter
// (internal/formatter), the MX-based delivery engine
// (internal/engine), and the background worker that owns the
// retry/backoff scheduler (internal/worker) around a host-supplied
// status.Store.
package mailstrom

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/mailstrom-dev/mailstrom/internal/engine"
	"github.com/mailstrom-dev/mailstrom/internal/formatter"
	"github.com/mailstrom-dev/mailstrom/internal/worker"
	"github.com/mailstrom-dev/mailstrom/status"
)

// Config configures a Mailstrom handle. Every field is read once at
// New and never mutated afterward; the worker owns no process-wide
// state.
type Config struct {
	// HeloName is the domain used in SMTP HELO/EHLO and in generated
	// Message-Id headers.
	HeloName string

	// BaseBackoff is the base interval B of the retry schedule
	// (attempt 1 retries at +B, attempt 2 at +2B, attempt 3 at +4B).
	// Defaults to 2 minutes.
	BaseBackoff time.Duration

	// SMTPTimeout bounds DNS queries, TCP connect, and the SMTP
	// session. Defaults to 30 seconds.
	SMTPTimeout time.Duration

	// RequireStartTLS treats an MX host that does not offer STARTTLS
	// as ConnectPermFail instead of sending in the clear.
	RequireStartTLS bool

	// Jitter applies up to +/-20% variance to scheduled retry delays.
	Jitter bool

	// CircuitBreakerThreshold is the number of consecutive unreachable
	// results against an MX host before the worker skips it outright
	// in later attempt cycles. Defaults to 5.
	CircuitBreakerThreshold int

	// CircuitBreakerCooldown is how long a skipped MX host stays
	// skipped before being given one parole attempt. Defaults to 5
	// minutes.
	CircuitBreakerCooldown time.Duration

	// DNSNameserver is the resolver queried for MX lookups. Empty or
	// "system" reads /etc/resolv.conf.
	DNSNameserver string

	// RedisAddr and RedisPassword locate the asynq-backed submission
	// and retry queue.
	RedisAddr     string
	RedisPassword string

	// Metrics, if set, receives SMTP connection and per-recipient
	// outcome observations. Nil disables metrics.
	SenderMetrics engine.SenderMetrics
	WorkerMetrics worker.Metrics

	// Logger defaults to slog.Default() if nil.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 2 * time.Minute
	}
	if c.SMTPTimeout == 0 {
		c.SMTPTimeout = 30 * time.Second
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Mailstrom is a constructed delivery engine handle: a formatter, a
// status.Store, and a background worker draining the submission and
// retry inbox. Construct with New; stop with Die.
type Mailstrom struct {
	store     status.Store
	formatter *formatter.Formatter
	client    *asynq.Client
	srv       *asynq.Server
	logger    *slog.Logger
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New constructs a Mailstrom handle backed by store and starts its
// background worker, first resuming any message the store left
// incomplete from an earlier run.
func New(cfg Config, store status.Store) (*Mailstrom, error) {
	cfg.applyDefaults()
	logger := cfg.Logger

	f := formatter.New(cfg.HeloName)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	client := asynq.NewClient(redisOpt)

	resolver := engine.NewDNSResolver(cfg.DNSNameserver, cfg.SMTPTimeout)
	sender := engine.NewSender(engine.SenderConfig{
		HeloDomain:     cfg.HeloName,
		RequireTLS:     cfg.RequireStartTLS,
		ConnectTimeout: cfg.SMTPTimeout,
		SendTimeout:    cfg.SMTPTimeout,
		Metrics:        cfg.SenderMetrics,
	}, logger)

	handler := worker.NewHandler(worker.HandlerConfig{
		Store:               store,
		Resolver:            resolver,
		Sender:              sender,
		Enqueuer:            client,
		BaseBackoff:         cfg.BaseBackoff,
		Jitter:              cfg.Jitter,
		Metrics:             cfg.WorkerMetrics,
		QuarantineThreshold: cfg.CircuitBreakerThreshold,
		QuarantineCooldown:  cfg.CircuitBreakerCooldown,
	}, logger)

	srv := worker.NewServer(worker.Config{RedisAddr: cfg.RedisAddr, RedisPassword: cfg.RedisPassword}, logger)
	mux := worker.NewMux(handler)

	ctx, cancel := context.WithCancel(context.Background())

	if err := worker.Recover(ctx, store, client, time.Now, logger); err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("recovering incomplete messages: %w", err)
	}

	logger.Info("starting delivery worker")
	if err := srv.Start(mux); err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("delivery worker: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})

	return &Mailstrom{
		store:     store,
		formatter: f,
		client:    client,
		srv:       srv,
		logger:    logger,
		cancel:    cancel,
		group:     group,
	}, nil
}

// Send validates email via the Message Formatter, persists an initial
// InternalStatus with every recipient Parked, and admits it to the
// worker for immediate processing. It returns the message id the
// delivery can later be queried under. Send does not block on
// delivery: it returns once the initial record is durably persisted.
func (m *Mailstrom) Send(email Email) (string, error) {
	messageID, body, err := m.formatter.Format(formatter.Envelope{
		From: email.EnvelopeFrom,
		To:   email.EnvelopeTo,
		Body: email.Body,
	})
	if err != nil {
		return "", &InvalidMessage{Err: err}
	}

	recipients := make([]status.Recipient, len(email.EnvelopeTo))
	for i, addr := range email.EnvelopeTo {
		recipients[i] = status.NewRecipient(addr)
	}

	rec := status.InternalStatus{
		MessageID:    messageID,
		EnvelopeFrom: email.EnvelopeFrom,
		Recipients:   recipients,
		CreatedAt:    time.Now().UTC(),
		Body:         body,
	}

	if err := m.store.Store(context.Background(), rec); err != nil {
		return "", err
	}

	if err := worker.Admit(m.client, messageID, time.Now()); err != nil {
		return "", fmt.Errorf("admitting message %s: %w", messageID, err)
	}

	return messageID, nil
}

// QueryStatus reads the current delivery status for messageID directly
// from the Status Store. It returns (nil, nil) if no such message is
// known, and never blocks on the worker.
func (m *Mailstrom) QueryStatus(messageID string) (*status.DeliveryResult, error) {
	rec, err := m.store.Retrieve(context.Background(), messageID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	result := status.ToDeliveryResult(*rec)
	return &result, nil
}

// Die signals the worker to stop draining the inbox and waits for it
// to terminate. Messages already accepted but not yet terminal are
// left in the Status Store; a later New call against the same store
// resumes them via crash recovery.
func (m *Mailstrom) Die() error {
	m.cancel()
	err := m.group.Wait()
	if closeErr := m.client.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
