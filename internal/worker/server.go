package worker

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Config holds configuration for the asynq worker server. Mailstrom
// runs a single worker — the only concurrency is host threads plus one
// background worker — so Concurrency is always 1 regardless of what a
// caller sets.
type Config struct {
	RedisAddr     string
	RedisPassword string
}

// DefaultConfig returns a Config pointed at a local Redis instance.
func DefaultConfig() Config {
	return Config{RedisAddr: "localhost:6379"}
}

// NewServer creates and configures a new asynq Server. It runs with
// Concurrency 1: the worker is never required to serve two SMTP
// sessions concurrently, by design.
func NewServer(cfg Config, logger *slog.Logger) *asynq.Server {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{QueueDefault: 1},
		Logger:      newAsynqLogger(logger),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("delivery task failed", "task_type", task.Type(), "error", err)
		}),
	})
}

// NewMux creates an asynq ServeMux with the delivery handler registered.
func NewMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskMessageSend, h.ProcessTask)
	return mux
}

// asynqLogger adapts slog.Logger to asynq's Logger interface.
type asynqLogger struct {
	logger *slog.Logger
}

func newAsynqLogger(logger *slog.Logger) *asynqLogger {
	return &asynqLogger{logger: logger}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug("asynq", "msg", args) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info("asynq", "msg", args) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn("asynq", "msg", args) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error("asynq", "msg", args) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Error("asynq fatal", "msg", args) }
