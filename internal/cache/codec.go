package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// byteStore is the raw key/value surface every cache tier provides.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func getSnapshot(ctx context.Context, s byteStore, tenantID, policyID string) (*domain.PolicySnapshot, error) {
	data, err := s.Get(ctx, tenantID, domain.SnapshotCacheKey(policyID))
	if err != nil || data == nil {
		return nil, err
	}

	var snap domain.PolicySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", policyID, err)
	}
	return &snap, nil
}

func setSnapshot(ctx context.Context, s byteStore, tenantID, policyID string, snap *domain.PolicySnapshot, ttl time.Duration) error {
	if snap == nil {
		return fmt.Errorf("snapshot is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.Set(ctx, tenantID, domain.SnapshotCacheKey(policyID), data, ttl)
}

func getViolations(ctx context.Context, s byteStore, tenantID, txID string) ([]domain.Violation, bool, error) {
	data, err := s.Get(ctx, tenantID, domain.ViolationsKey(txID))
	if err != nil || data == nil {
		return nil, false, err
	}

	list := []domain.Violation{}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false, fmt.Errorf("failed to decode violations of %s: %w", txID, err)
	}
	return list, true, nil
}

func setViolations(ctx context.Context, s byteStore, tenantID, txID string, list []domain.Violation, ttl time.Duration) error {
	if list == nil {
		list = []domain.Violation{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.Set(ctx, tenantID, domain.ViolationsKey(txID), data, ttl)
}
