// Package worker recomputes violations asynchronously from the EventBus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recomputer is the part of the compliance service the worker drives.
type Recomputer interface {
	Recompute(ctx context.Context, tenantID, txID string, enforceMissingTagDetail bool) (*compliance.Result, error)
	RecomputePolicy(ctx context.Context, tenantID, policyID string, enforceMissingTagDetail bool) (int, error)
}

// Worker consumes transaction and policy change events.
type Worker struct {
	bus     domain.EventBus
	service Recomputer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	inflight      sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, service Recomputer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     eventBus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{bus.AllTenants}
	}

	started := 0
	for _, tenantID := range tenants {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no tenant worker could be started")
	}

	slog.Info("workers started",
		"tenant_count", started,
	)

	return nil
}

// startTenantWorker subscribes the tenant to the change topics.
func (w *Worker) startTenantWorker(tenantID string) error {
	handlers := map[string]domain.MessageHandler{
		// Transaction events come from external producers; the API recomputes inline.
		domain.TopicTransactionUpdated: w.handleTransaction,
		domain.TopicPolicyUpdated:      w.handlePolicy,
	}

	for _, topic := range []string{domain.TopicTransactionUpdated, domain.TopicPolicyUpdated} {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, w.track(handlers[topic]))
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()

		slog.Info("tenant worker started",
			"tenant_id", tenantID,
			"topic", topic,
		)
	}

	return nil
}

// track counts in-flight handlers so Stop can wait for them. Handlers run
// under the worker context, which outlives the subscription context the bus
// cancels on Unsubscribe.
func (w *Worker) track(handler domain.MessageHandler) domain.MessageHandler {
	return func(_ context.Context, msg *domain.Message) error {
		w.inflight.Add(1)
		defer w.inflight.Done()
		return handler(bus.ContextWithMessage(w.ctx, msg), msg)
	}
}

// tenantOf prefers the tenant carried by the event over the message envelope.
func tenantOf(eventTenant string, msg *domain.Message) string {
	if eventTenant != "" {
		return eventTenant
	}
	return msg.TenantID
}

// handleTransaction recomputes the violations of one transaction.
func (w *Worker) handleTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	event, err := bus.DecodeEvent[domain.TransactionEvent](msg)
	if err != nil {
		slog.Error("failed to parse transaction event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	tenantID := tenantOf(event.TenantID, msg)

	traceID := event.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("recomputing transaction",
		"tx_id", event.TxID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	result, err := w.service.Recompute(ctx, tenantID, event.TxID, event.EnforceMissingTagDetail)
	if err != nil {
		slog.Error("transaction recompute failed",
			"tx_id", event.TxID,
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction processed",
		"tx_id", event.TxID,
		"tenant_id", tenantID,
		"violations", len(result.Update.Value),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// handlePolicy recomputes every transaction of a changed policy.
func (w *Worker) handlePolicy(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	event, err := bus.DecodeEvent[domain.PolicyEvent](msg)
	if err != nil {
		slog.Error("failed to parse policy event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	tenantID := tenantOf(event.TenantID, msg)

	count, err := w.service.RecomputePolicy(ctx, tenantID, event.PolicyID, false)
	if err != nil {
		slog.Error("policy recompute failed",
			"policy_id", event.PolicyID,
			"tenant_id", tenantID,
			"recomputed", count,
			"error", err,
		)
		return err
	}

	slog.Info("policy processed",
		"policy_id", event.PolicyID,
		"tenant_id", tenantID,
		"recomputed", count,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	// Unsubscribe all
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.inflight.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
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
	}
}
