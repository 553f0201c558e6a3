// Package compliance wires the violation engine to persisted state.
//
// The engine in package violations is pure; this service loads its inputs
// (transaction, policy snapshot, prior violations), folds in custom policy
// rule results and applies the resulting state update through an optimistic
// write plan.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/statesync"
	"github.com/opensource-finance/kestrel/internal/violations"
)

// ErrPolicyMismatch is returned when a transaction is previewed against a
// policy it does not belong to.
var ErrPolicyMismatch = errors.New("transaction does not belong to policy")

var tracer = otel.Tracer("kestrel-compliance")

// Config holds service settings.
type Config struct {
	SnapshotTTL   time.Duration
	ViolationsTTL time.Duration

	// EnforceMissingTagDetail is the default applied when a caller does not
	// ask for detailed missing tag violations itself.
	EnforceMissingTagDetail bool

	// AsyncPolicyRecompute publishes policy changes on the bus for the worker
	// instead of recomputing affected transactions inline.
	AsyncPolicyRecompute bool
}

// Service computes and persists transaction violations.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus // optional
	engine *rules.Engine   // optional
	store  statesync.Store
	cfg    Config

	loadMu sync.Mutex
	txMu   txLocks
}

// New creates a compliance service. The bus and rule engine may be nil.
func New(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, engine *rules.Engine, cfg Config) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		bus:    eventBus,
		engine: engine,
		store:  statesync.NewCacheStore(cache, cfg.ViolationsTTL),
		cfg:    cfg,
	}
}

// Result is the outcome of a recomputation.
type Result struct {
	Update   domain.StateUpdate `json:"update"`
	Plan     *statesync.Plan    `json:"plan"`
	Previous []domain.Violation `json:"previous"`
}

// Snapshot returns the policy, categories and tags of a policy, from cache
// when possible.
func (s *Service) Snapshot(ctx context.Context, tenantID, policyID string) (*domain.PolicySnapshot, error) {
	snap, err := s.cache.GetSnapshot(ctx, tenantID, policyID)
	if err != nil {
		slog.Warn("snapshot cache read failed",
			"tenant_id", tenantID,
			"policy_id", policyID,
			"error", err,
		)
	}
	if snap != nil {
		return snap, nil
	}

	policy, err := s.repo.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", policyID, err)
	}
	categories, err := s.repo.GetCategories(ctx, tenantID, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load categories of %s: %w", policyID, err)
	}
	tags, err := s.repo.GetTagList(ctx, tenantID, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags of %s: %w", policyID, err)
	}

	snap = &domain.PolicySnapshot{Policy: policy, Categories: categories, Tags: tags}
	if err := s.cache.SetSnapshot(ctx, tenantID, policyID, snap, s.cfg.SnapshotTTL); err != nil {
		slog.Warn("snapshot cache write failed",
			"tenant_id", tenantID,
			"policy_id", policyID,
			"error", err,
		)
	}
	return snap, nil
}

// InvalidatePolicy drops the cached snapshot of a policy.
func (s *Service) InvalidatePolicy(ctx context.Context, tenantID, policyID string) error {
	return s.cache.Delete(ctx, tenantID, domain.SnapshotCacheKey(policyID))
}

// Violations returns the current violation list of a transaction. The
// locally applied state wins over the repository.
func (s *Service) Violations(ctx context.Context, tenantID, txID string) ([]domain.Violation, error) {
	list, ok, err := s.cache.GetViolations(ctx, tenantID, txID)
	if err != nil {
		slog.Warn("violations cache read failed",
			"tenant_id", tenantID,
			"tx_id", txID,
			"error", err,
		)
	}
	if ok {
		return list, nil
	}

	list, err = s.repo.GetViolations(ctx, tenantID, txID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetViolations(ctx, tenantID, txID, list, s.cfg.ViolationsTTL); err != nil {
		slog.Warn("violations cache write failed",
			"tenant_id", tenantID,
			"tx_id", txID,
			"error", err,
		)
	}
	return list, nil
}

// Recompute derives the violations of a stored transaction and persists them.
// enforceMissingTagDetail is combined with the configured default.
func (s *Service) Recompute(ctx context.Context, tenantID, txID string, enforceMissingTagDetail bool) (*Result, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "compliance.Recompute",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("tx.id", txID),
		),
	)
	defer span.End()

	result, err := s.recompute(ctx, tenantID, txID, enforceMissingTagDetail || s.cfg.EnforceMissingTagDetail)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("violations.count", len(result.Update.Value)))
	slog.Debug("violations recomputed",
		"tenant_id", tenantID,
		"tx_id", txID,
		"count", len(result.Update.Value),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// recompute holds the transaction lock from the previous-state read until the
// plan settles, so a rollback never restores state older than a later write.
func (s *Service) recompute(ctx context.Context, tenantID, txID string, enforce bool) (*Result, error) {
	unlock := s.txMu.lock(tenantID + "/" + txID)
	defer unlock()

	tx, err := s.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", txID, err)
	}
	snap, err := s.Snapshot(ctx, tenantID, tx.PolicyID)
	if err != nil {
		return nil, err
	}
	previous, err := s.Violations(ctx, tenantID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to load violations of %s: %w", txID, err)
	}

	prior, err := s.withRuleViolations(ctx, tenantID, tx, previous, time.Time{})
	if err != nil {
		return nil, err
	}

	update := violations.Compute(tx, prior, snap.Policy, snap.Tags, snap.Categories, enforce)
	plan := statesync.NewPlan(update, previous)

	err = statesync.Run(ctx, s.store, tenantID, plan, func(ctx context.Context) error {
		if err := s.repo.SaveViolations(ctx, tenantID, txID, update.Value); err != nil {
			return err
		}
		s.publish(ctx, tenantID, domain.TopicViolationsUpdated, domain.ViolationsEvent{
			TenantID: tenantID,
			Update:   update,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{Update: update, Plan: plan, Previous: previous}, nil
}

// RecomputePolicy recomputes every transaction coded against a policy and
// returns how many succeeded.
func (s *Service) RecomputePolicy(ctx context.Context, tenantID, policyID string, enforceMissingTagDetail bool) (int, error) {
	ctx, span := tracer.Start(ctx, "compliance.RecomputePolicy",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("policy.id", policyID),
		),
	)
	defer span.End()

	if err := s.InvalidatePolicy(ctx, tenantID, policyID); err != nil {
		slog.Warn("snapshot invalidation failed",
			"tenant_id", tenantID,
			"policy_id", policyID,
			"error", err,
		)
	}

	txs, err := s.repo.ListTransactionsByPolicy(ctx, tenantID, policyID)
	if err != nil {
		return 0, fmt.Errorf("failed to list transactions of %s: %w", policyID, err)
	}

	var errs []error
	done := 0
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.Recompute(ctx, tenantID, tx.ID, enforceMissingTagDetail); err != nil {
			errs = append(errs, fmt.Errorf("transaction %s: %w", tx.ID, err))
			continue
		}
		done++
	}

	slog.Info("policy recomputed",
		"tenant_id", tenantID,
		"policy_id", policyID,
		"transactions", len(txs),
		"recomputed", done,
	)

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recompute failed")
	}
	return done, err
}

// SaveTransaction stores a transaction and recomputes its violations. The
// transaction's policy must exist.
func (s *Service) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction, enforceMissingTagDetail bool) (*Result, error) {
	if _, err := s.repo.GetPolicy(ctx, tenantID, tx.PolicyID); err != nil {
		return nil, err
	}
	if err := s.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		return nil, err
	}
	return s.Recompute(ctx, tenantID, tx.ID, enforceMissingTagDetail)
}

// SavePolicy stores a policy and propagates the change.
func (s *Service) SavePolicy(ctx context.Context, tenantID string, policy *domain.Policy) error {
	if err := s.repo.SavePolicy(ctx, tenantID, policy); err != nil {
		return err
	}
	return s.PolicyChanged(ctx, tenantID, policy.ID)
}

// SaveCategories replaces the category list of a policy and propagates the change.
func (s *Service) SaveCategories(ctx context.Context, tenantID, policyID string, categories domain.CategoryList) error {
	if _, err := s.repo.GetPolicy(ctx, tenantID, policyID); err != nil {
		return err
	}
	if err := s.repo.SaveCategories(ctx, tenantID, policyID, categories); err != nil {
		return err
	}
	return s.PolicyChanged(ctx, tenantID, policyID)
}

// SaveTagList replaces the tag list of a policy and propagates the change.
func (s *Service) SaveTagList(ctx context.Context, tenantID, policyID string, tags domain.TagList) error {
	if _, err := s.repo.GetPolicy(ctx, tenantID, policyID); err != nil {
		return err
	}
	if err := s.repo.SaveTagList(ctx, tenantID, policyID, tags); err != nil {
		return err
	}
	return s.PolicyChanged(ctx, tenantID, policyID)
}

// PolicyChanged invalidates the cached snapshot of a policy and recomputes
// its transactions, inline or through the worker.
func (s *Service) PolicyChanged(ctx context.Context, tenantID, policyID string) error {
	if err := s.InvalidatePolicy(ctx, tenantID, policyID); err != nil {
		slog.Warn("snapshot invalidation failed",
			"tenant_id", tenantID,
			"policy_id", policyID,
			"error", err,
		)
	}

	if s.cfg.AsyncPolicyRecompute && s.bus != nil {
		return bus.PublishEvent(ctx, s.bus, tenantID, domain.TopicPolicyUpdated, domain.PolicyEvent{
			PolicyID: policyID,
			TenantID: tenantID,
			TraceID:  trace.SpanContextFromContext(ctx).TraceID().String(),
		})
	}

	_, err := s.RecomputePolicy(ctx, tenantID, policyID, false)
	return err
}

// PreviewInput carries everything needed to compute violations without
// touching stored state.
type PreviewInput struct {
	TenantID                string              `json:"-"`
	Transaction             *domain.Transaction `json:"transaction" validate:"required"`
	Violations              []domain.Violation  `json:"violations"`
	Policy                  *domain.Policy      `json:"policy"`
	Tags                    domain.TagList      `json:"tags"`
	Categories              domain.CategoryList `json:"categories"`
	EnforceMissingTagDetail bool                `json:"enforceMissingTagDetail"`

	// IncludeRules evaluates the stored policy rules of the tenant.
	IncludeRules bool      `json:"includeRules"`
	Now          time.Time `json:"now,omitempty"`
}

// Preview computes the state update for the given inputs.
func (s *Service) Preview(ctx context.Context, input *PreviewInput) (domain.StateUpdate, error) {
	if input == nil || input.Transaction == nil {
		return domain.StateUpdate{}, fmt.Errorf("%w: transaction is required", repository.ErrInvalidInput)
	}
	tx := input.Transaction
	if input.Policy != nil && tx.PolicyID != "" && input.Policy.ID != "" && tx.PolicyID != input.Policy.ID {
		return domain.StateUpdate{}, fmt.Errorf("%w: %s is coded against %s, not %s",
			ErrPolicyMismatch, tx.ID, tx.PolicyID, input.Policy.ID)
	}

	prior := input.Violations
	if input.IncludeRules {
		var err error
		prior, err = s.withRuleViolations(ctx, input.TenantID, tx, input.Violations, input.Now)
		if err != nil {
			return domain.StateUpdate{}, err
		}
	}

	return violations.Compute(tx, prior, input.Policy, input.Tags, input.Categories, input.EnforceMissingTagDetail), nil
}

// withRuleViolations replaces the rule-emitted entries of list with a fresh
// evaluation of the policy rules. list is not modified.
func (s *Service) withRuleViolations(ctx context.Context, tenantID string, tx *domain.Transaction, list []domain.Violation, now time.Time) ([]domain.Violation, error) {
	if s.engine == nil {
		return list, nil
	}
	if err := s.ensureRules(ctx, tenantID); err != nil {
		return nil, err
	}

	fresh, err := s.engine.Evaluate(ctx, tenantID, tx.PolicyID, &rules.EvaluateInput{
		Transaction: tx,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}

	out := make([]domain.Violation, 0, len(list)+len(fresh))
	for _, v := range list {
		if v.Data != nil && v.Data.RuleID != "" {
			continue
		}
		out = append(out, v)
	}
	return append(out, fresh...), nil
}

// ensureRules loads the stored rules of a tenant into the engine on first use.
// Rules that no longer compile are skipped.
func (s *Service) ensureRules(ctx context.Context, tenantID string) error {
	if s.engine.TenantLoaded(tenantID) {
		return nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.engine.TenantLoaded(tenantID) {
		return nil
	}

	stored, err := s.repo.ListAllPolicyRules(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}

	valid := make([]*domain.PolicyRule, 0, len(stored))
	for _, rule := range stored {
		if err := s.engine.ValidateRule(rule); err != nil {
			slog.Warn("skipping invalid policy rule",
				"tenant_id", tenantID,
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}
		valid = append(valid, rule)
	}

	if err := s.engine.ReloadRules(tenantID, valid); err != nil {
		return err
	}
	slog.Info("policy rules loaded",
		"tenant_id", tenantID,
		"count", len(valid),
	)
	return nil
}

// ReloadRules replaces the loaded rules of a tenant with the stored ones and
// returns how many were loaded. Unlike the lazy load, an invalid stored rule
// fails the reload and keeps the previous rules.
func (s *Service) ReloadRules(ctx context.Context, tenantID string) (int, error) {
	if s.engine == nil {
		return 0, fmt.Errorf("rule engine is not configured")
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	stored, err := s.repo.ListAllPolicyRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load policy rules: %w", err)
	}
	if err := s.engine.ReloadRules(tenantID, stored); err != nil {
		return 0, err
	}

	enabled := 0
	for _, rule := range stored {
		if rule.Enabled {
			enabled++
		}
	}
	return enabled, nil
}

// SaveRule validates, stores and loads a policy rule, then propagates the
// change to the policy's transactions.
func (s *Service) SaveRule(ctx context.Context, tenantID string, rule *domain.PolicyRule) error {
	if s.engine == nil {
		return fmt.Errorf("rule engine is not configured")
	}
	if _, err := s.repo.GetPolicy(ctx, tenantID, rule.PolicyID); err != nil {
		return err
	}
	if err := s.ensureRules(ctx, tenantID); err != nil {
		return err
	}

	rule.TenantID = tenantID
	if err := s.engine.ValidateRule(rule); err != nil {
		return fmt.Errorf("%w: %w", repository.ErrInvalidInput, err)
	}
	if err := s.repo.SavePolicyRule(ctx, tenantID, rule); err != nil {
		return err
	}
	if err := s.engine.LoadRule(rule); err != nil {
		return err
	}

	slog.Info("policy rule saved",
		"tenant_id", tenantID,
		"policy_id", rule.PolicyID,
		"rule_id", rule.ID,
		"enabled", rule.Enabled,
	)
	return s.PolicyChanged(ctx, tenantID, rule.PolicyID)
}

// Rules lists the stored rules of a policy.
func (s *Service) Rules(ctx context.Context, tenantID, policyID string) ([]*domain.PolicyRule, error) {
	return s.repo.ListPolicyRules(ctx, tenantID, policyID)
}

// DeleteRule disables a stored rule and unloads it.
func (s *Service) DeleteRule(ctx context.Context, tenantID, policyID, ruleID string) error {
	if err := s.repo.DeletePolicyRule(ctx, tenantID, policyID, ruleID); err != nil {
		return err
	}
	if s.engine != nil {
		s.engine.RemoveRule(tenantID, policyID, ruleID)
	}
	return s.PolicyChanged(ctx, tenantID, policyID)
}

// publish sends an event when a bus is configured. Failures are logged.
func (s *Service) publish(ctx context.Context, tenantID, topic string, event any) {
	if s.bus == nil {
		return
	}
	if err := bus.PublishEvent(ctx, s.bus, tenantID, topic, event); err != nil {
		slog.Error("failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}
