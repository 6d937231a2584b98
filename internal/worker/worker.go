// Package worker provides async message processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/riskscore/internal/bus"
	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/scoring"
	"github.com/opensource-finance/riskscore/internal/service"
)

// Worker scores customers asynchronously from the EventBus and keeps the
// active risk configuration in step with its peers.
type Worker struct {
	bus     domain.EventBus
	service *service.RiskService
	logger  *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed     atomic.Int64
	failed        atomic.Int64
	configApplied atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// ScoreRequests consumes riskscore.score.requested.
	ScoreRequests bool

	// ConfigUpdates follows riskscore.config.updated.
	ConfigUpdates bool
}

// DefaultConfig enables both subscriptions.
func DefaultConfig() Config {
	return Config{ScoreRequests: true, ConfigUpdates: true}
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, svc *service.RiskService, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     eventBus,
		service: svc,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the topics enabled in cfg.
func (w *Worker) Start(cfg Config) error {
	if cfg.ScoreRequests {
		if err := w.subscribe(domain.TopicScoreRequested, w.handleScoreRequest); err != nil {
			return err
		}
	}
	if cfg.ConfigUpdates {
		if err := w.subscribe(domain.TopicConfigUpdated, w.handleConfigUpdate); err != nil {
			return err
		}
	}

	w.logger.Info("worker started", "topics", w.GetStats().Topics)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// ErrorReply is sent back to a requester whose score request failed.
type ErrorReply struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// handleScoreRequest scores a customer and answers the requester, if any.
func (w *Worker) handleScoreRequest(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.ScoreRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.failed.Add(1)
		w.logger.Error("failed to parse score request",
			"message_id", msg.ID,
			"error", err,
		)
		w.reply(ctx, msg, ErrorReply{Status: "error", Detail: "invalid score request"})
		return err
	}

	score, err := w.service.ScoreCustomer(ctx, req, "worker")
	if err != nil {
		w.failed.Add(1)
		w.reply(ctx, msg, ErrorReply{Status: "error", Detail: err.Error()})
		return fmt.Errorf("score customer %s: %w", req.CustomerID, err)
	}
	w.processed.Add(1)

	w.reply(ctx, msg, score)

	w.logger.Debug("score request processed",
		"customer_id", req.CustomerID,
		"final_score", score.FinalScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, v any) {
	if err := bus.Reply(ctx, w.bus, msg, v); err != nil {
		w.logger.Error("failed to reply",
			"message_id", msg.ID,
			"reply_to", msg.ReplyTo,
			"error", err,
		)
	}
}

// handleConfigUpdate applies a configuration published by any instance.
// Invalid tables are rejected; the current one stays active.
func (w *Worker) handleConfigUpdate(ctx context.Context, msg *domain.Message) error {
	cfg, err := scoring.ParseConfiguration(msg.Payload, scoring.FormatJSON)
	if err != nil {
		return fmt.Errorf("invalid configuration event: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if w.service.ApplyConfig(cfg) {
		w.configApplied.Add(1)
	}
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	ConfigApplied     int64    `json:"configApplied"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		ConfigApplied:     w.configApplied.Load(),
	}
}
