// Package statesync applies violation state updates around a remote write.
// A Plan carries the optimistic, success and failure update lists; Run
// applies the optimistic list, performs the write, then confirms or rolls back.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrWriteFailed is returned by Run when the remote write fails and the
// failure updates have been applied.
var ErrWriteFailed = errors.New("remote write failed")

// Plan is the optimistic/success/failure triple for one remote write.
type Plan struct {
	ID         string               `json:"id"`
	Optimistic []domain.StateUpdate `json:"optimisticData"`
	Success    []domain.StateUpdate `json:"successData"`
	Failure    []domain.StateUpdate `json:"failureData"`
}

// NewPlan builds the plan for a computed update. The optimistic and success
// lists apply the update; the failure list restores previous.
func NewPlan(update domain.StateUpdate, previous []domain.Violation) *Plan {
	restore := make([]domain.Violation, len(previous))
	copy(restore, previous)

	return &Plan{
		ID:         uuid.New().String(),
		Optimistic: []domain.StateUpdate{update},
		Success:    []domain.StateUpdate{update},
		Failure: []domain.StateUpdate{{
			Method:        domain.MethodReplace,
			Key:           update.Key,
			TransactionID: update.TransactionID,
			Value:         restore,
		}},
	}
}

// Store applies state updates to local state.
type Store interface {
	Apply(ctx context.Context, tenantID string, update domain.StateUpdate) error
}

// CacheStore applies updates to the violation slot of a domain.Cache.
type CacheStore struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewCacheStore creates a store backed by cache. Entries expire after ttl.
func NewCacheStore(cache domain.Cache, ttl time.Duration) *CacheStore {
	return &CacheStore{cache: cache, ttl: ttl}
}

// Apply implements Store.
func (s *CacheStore) Apply(ctx context.Context, tenantID string, update domain.StateUpdate) error {
	if update.Method != domain.MethodReplace {
		return fmt.Errorf("unsupported update method %q", update.Method)
	}
	if update.TransactionID == "" {
		return fmt.Errorf("update %s has no transaction id", update.Key)
	}
	value := update.Value
	if value == nil {
		value = []domain.Violation{}
	}
	if err := s.cache.SetViolations(ctx, tenantID, update.TransactionID, value, s.ttl); err != nil {
		return fmt.Errorf("failed to apply %s: %w", update.Key, err)
	}
	return nil
}

// Run applies plan.Optimistic, calls write and then applies plan.Success or,
// when write fails, plan.Failure. A failed write returns an error wrapping
// both ErrWriteFailed and the write's error.
//
// The remote write is authoritative. Failures to apply the optimistic or
// success updates locally are logged and do not fail the run.
func Run(ctx context.Context, store Store, tenantID string, plan *Plan, write func(ctx context.Context) error) error {
	if err := applyAll(ctx, store, tenantID, plan.Optimistic); err != nil {
		slog.Warn("optimistic apply failed",
			"plan_id", plan.ID,
			"tenant_id", tenantID,
			"error", err,
		)
	}

	if werr := write(ctx); werr != nil {
		slog.Warn("remote write failed, rolling back",
			"plan_id", plan.ID,
			"tenant_id", tenantID,
			"error", werr,
		)
		// Rollback uses a fresh context so a cancelled request still restores state.
		if err := applyAll(context.WithoutCancel(ctx), store, tenantID, plan.Failure); err != nil {
			return fmt.Errorf("%w: %w (rollback: %v)", ErrWriteFailed, werr, err)
		}
		return fmt.Errorf("%w: %w", ErrWriteFailed, werr)
	}

	if err := applyAll(ctx, store, tenantID, plan.Success); err != nil {
		slog.Warn("success apply failed",
			"plan_id", plan.ID,
			"tenant_id", tenantID,
			"error", err,
		)
	}
	return nil
}

func applyAll(ctx context.Context, store Store, tenantID string, updates []domain.StateUpdate) error {
	for _, u := range updates {
		if err := store.Apply(ctx, tenantID, u); err != nil {
			return err
		}
	}
	return nil
}
