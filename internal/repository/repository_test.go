package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		tx := &domain.Transaction{
			ID:                       "tx-001",
			PolicyID:                 "policy-001",
			ReportID:                 "report-001",
			Amount:                   4250,
			Currency:                 "USD",
			Merchant:                 "Taxi",
			Category:                 "Travel",
			Tag:                      "Africa:Accounting",
			ModifiedCustomUnitRateID: "rate-1",
			Created:                  created,
		}

		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.ID != tx.ID {
			t.Errorf("expected ID %s, got %s", tx.ID, retrieved.ID)
		}
		if retrieved.Amount != tx.Amount {
			t.Errorf("expected Amount %d, got %d", tx.Amount, retrieved.Amount)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if retrieved.Tag != tx.Tag || retrieved.Category != tx.Category {
			t.Errorf("coding not round-tripped: %+v", retrieved)
		}
		if retrieved.ModifiedCustomUnitRateID != "rate-1" {
			t.Errorf("expected rate-1, got %s", retrieved.ModifiedCustomUnitRateID)
		}
		if !retrieved.Created.Equal(created) {
			t.Errorf("expected created %v, got %v", created, retrieved.Created)
		}
	})

	t.Run("UpdateTransaction", func(t *testing.T) {
		tx, _ := repo.GetTransaction(ctx, tenantID, "tx-001")
		tx.Tag = "Africa:Accounting:Project1"
		tx.Category = ""

		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, _ := repo.GetTransaction(ctx, tenantID, "tx-001")
		if retrieved.Tag != "Africa:Accounting:Project1" {
			t.Errorf("expected updated tag, got %s", retrieved.Tag)
		}
		if retrieved.Category != "" {
			t.Errorf("expected cleared category, got %s", retrieved.Category)
		}
	})

	t.Run("ListTransactionsByPolicy", func(t *testing.T) {
		for _, id := range []string{"tx-003", "tx-002"} {
			tx := &domain.Transaction{ID: id, PolicyID: "policy-001", Amount: 100, Currency: "USD", Created: time.Now()}
			if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
				t.Fatalf("SaveTransaction failed: %v", err)
			}
		}
		other := &domain.Transaction{ID: "tx-other", PolicyID: "policy-002", Amount: 100, Currency: "USD", Created: time.Now()}
		_ = repo.SaveTransaction(ctx, tenantID, other)

		txs, err := repo.ListTransactionsByPolicy(ctx, tenantID, "policy-001")
		if err != nil {
			t.Fatalf("ListTransactionsByPolicy failed: %v", err)
		}
		if len(txs) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(txs))
		}
		if txs[0].ID != "tx-001" || txs[1].ID != "tx-002" || txs[2].ID != "tx-003" {
			t.Errorf("expected ordered ids, got %s %s %s", txs[0].ID, txs[1].ID, txs[2].ID)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "tenant-002"

		// Try to get tx from different tenant
		_, err := repo.GetTransaction(ctx, otherTenant, "tx-001")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got %v", err)
		}

		txs, _ := repo.ListTransactionsByPolicy(ctx, otherTenant, "policy-001")
		if len(txs) != 0 {
			t.Errorf("expected no transactions for other tenant, got %d", len(txs))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		tx := &domain.Transaction{ID: "tx-x", PolicyID: "p"}

		if err := repo.SaveTransaction(ctx, "", tx); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetTransaction(ctx, "", "tx-001"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetViolations(ctx, "", "tx-001"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SavePolicy(ctx, tenantID, &domain.Policy{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing policy id, got %v", err)
		}
	})
}

func TestPolicyPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SaveAndGetPolicy", func(t *testing.T) {
		policy := &domain.Policy{
			ID:               "policy-001",
			Name:             "Engineering",
			RequiresCategory: true,
			RequiresTag:      false,
			CustomUnits: map[string]domain.CustomUnit{
				"distance": {
					CustomUnitID: "distance",
					Name:         "Distance",
					Enabled:      true,
					Attributes:   domain.CustomUnitAttributes{Unit: "km"},
					Rates: map[string]domain.CustomUnitRate{
						"rate-1": {CustomUnitRateID: "rate-1", Currency: "EUR", Rate: 30, Enabled: true},
					},
				},
			},
		}

		if err := repo.SavePolicy(ctx, tenantID, policy); err != nil {
			t.Fatalf("SavePolicy failed: %v", err)
		}

		got, err := repo.GetPolicy(ctx, tenantID, "policy-001")
		if err != nil {
			t.Fatalf("GetPolicy failed: %v", err)
		}
		if !got.RequiresCategory || got.RequiresTag {
			t.Errorf("flags not round-tripped: %+v", got)
		}
		if !got.HasRate("rate-1") {
			t.Error("expected rate-1 to belong to the policy")
		}
		if got.CustomUnits["distance"].Attributes.Unit != "km" {
			t.Errorf("expected km unit, got %q", got.CustomUnits["distance"].Attributes.Unit)
		}

		// Update flags
		policy.RequiresTag = true
		policy.CustomUnits = nil
		_ = repo.SavePolicy(ctx, tenantID, policy)
		got, _ = repo.GetPolicy(ctx, tenantID, "policy-001")
		if !got.RequiresTag {
			t.Error("expected requiresTag after update")
		}
		if got.HasRate("rate-1") {
			t.Error("expected custom units to be cleared")
		}
	})

	t.Run("GetPolicyNotFound", func(t *testing.T) {
		_, err := repo.GetPolicy(ctx, tenantID, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Categories", func(t *testing.T) {
		empty, err := repo.GetCategories(ctx, tenantID, "policy-001")
		if err != nil {
			t.Fatalf("GetCategories failed: %v", err)
		}
		if empty == nil || len(empty) != 0 {
			t.Errorf("expected empty category list, got %v", empty)
		}

		categories := domain.CategoryList{
			"Food":  {Name: "Food", Enabled: true},
			"Gifts": {Name: "Gifts", Enabled: false, AreCommentsRequired: true},
		}
		if err := repo.SaveCategories(ctx, tenantID, "policy-001", categories); err != nil {
			t.Fatalf("SaveCategories failed: %v", err)
		}

		got, _ := repo.GetCategories(ctx, tenantID, "policy-001")
		if !got.IsEnabled("Food") || got.IsEnabled("Gifts") {
			t.Errorf("unexpected categories: %+v", got)
		}
		if !got["Gifts"].AreCommentsRequired {
			t.Error("expected AreCommentsRequired to round-trip")
		}

		// Replace, not merge
		_ = repo.SaveCategories(ctx, tenantID, "policy-001", domain.CategoryList{"Travel": {Name: "Travel", Enabled: true}})
		got, _ = repo.GetCategories(ctx, tenantID, "policy-001")
		if len(got) != 1 || !got.IsEnabled("Travel") {
			t.Errorf("expected replaced list, got %+v", got)
		}
	})

	t.Run("TagList", func(t *testing.T) {
		tags := domain.TagList{
			"Region": {Name: "Region", Required: true, OrderWeight: 1, Tags: map[string]domain.Tag{
				"Africa": {Name: "Africa", Enabled: true},
			}},
			"Department": {Name: "Department", Required: true, OrderWeight: 2, Tags: map[string]domain.Tag{
				"Accounting": {Name: "Accounting", Enabled: true},
			}},
		}
		if err := repo.SaveTagList(ctx, tenantID, "policy-001", tags); err != nil {
			t.Fatalf("SaveTagList failed: %v", err)
		}

		got, err := repo.GetTagList(ctx, tenantID, "policy-001")
		if err != nil {
			t.Fatalf("GetTagList failed: %v", err)
		}
		if len(got) != 2 || got["Department"].OrderWeight != 2 || !got["Region"].IsEnabled("Africa") {
			t.Errorf("unexpected tag list: %+v", got)
		}

		other, _ := repo.GetTagList(ctx, "tenant-002", "policy-001")
		if len(other) != 0 {
			t.Errorf("expected empty tag list for other tenant, got %d groups", len(other))
		}
	})
}

func TestViolationPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	got, err := repo.GetViolations(ctx, tenantID, "tx-001")
	if err != nil {
		t.Fatalf("GetViolations failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}

	list := []domain.Violation{
		{Name: domain.ViolationDuplicatedTransaction, Type: domain.TypeViolation},
		{Name: domain.ViolationTagOutOfPolicy, Type: domain.TypeViolation, Data: &domain.ViolationData{TagName: "Department"}},
	}
	if err := repo.SaveViolations(ctx, tenantID, "tx-001", list); err != nil {
		t.Fatalf("SaveViolations failed: %v", err)
	}

	got, _ = repo.GetViolations(ctx, tenantID, "tx-001")
	if len(got) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(got))
	}
	if got[0].Name != domain.ViolationDuplicatedTransaction {
		t.Errorf("expected order preserved, got %s first", got[0].Name)
	}
	if got[1].Data == nil || got[1].Data.TagName != "Department" {
		t.Errorf("expected tag name payload, got %+v", got[1].Data)
	}

	// Replace with an empty list
	if err := repo.SaveViolations(ctx, tenantID, "tx-001", nil); err != nil {
		t.Fatalf("SaveViolations failed: %v", err)
	}
	got, _ = repo.GetViolations(ctx, tenantID, "tx-001")
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty list after replace, got %v", got)
	}
}

func TestPolicyRulePersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	rules := []*domain.PolicyRule{
		{ID: "rule-b", PolicyID: "policy-001", Name: domain.ViolationOverLimit, Type: domain.TypeViolation, Expression: "amount > 500.0", Enabled: true},
		{ID: "rule-a", PolicyID: "policy-001", Name: domain.ViolationMaxAge, Type: domain.TypeWarning, Expression: "age_days > 90", Enabled: true, Description: "Too old"},
		{ID: "rule-c", PolicyID: "policy-002", Name: domain.ViolationOverLimit, Type: domain.TypeNotice, Expression: "amount > 10.0", Enabled: true},
		{ID: "rule-d", PolicyID: "policy-001", Name: domain.ViolationOverLimit, Expression: "true", Enabled: false},
	}
	for _, rule := range rules {
		if err := repo.SavePolicyRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SavePolicyRule failed: %v", err)
		}
	}

	t.Run("ListPolicyRules", func(t *testing.T) {
		got, err := repo.ListPolicyRules(ctx, tenantID, "policy-001")
		if err != nil {
			t.Fatalf("ListPolicyRules failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 enabled rules, got %d", len(got))
		}
		if got[0].ID != "rule-a" || got[0].Type != domain.TypeWarning || got[0].Description != "Too old" {
			t.Errorf("unexpected first rule: %+v", got[0])
		}
		if got[0].Name != domain.ViolationMaxAge {
			t.Errorf("expected maxAge, got %s", got[0].Name)
		}
	})

	t.Run("ListAllPolicyRules", func(t *testing.T) {
		got, err := repo.ListAllPolicyRules(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListAllPolicyRules failed: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("expected 3 enabled rules, got %d", len(got))
		}

		other, _ := repo.ListAllPolicyRules(ctx, "tenant-002")
		if len(other) != 0 {
			t.Errorf("expected no rules for other tenant, got %d", len(other))
		}
	})

	t.Run("DeletePolicyRule", func(t *testing.T) {
		if err := repo.DeletePolicyRule(ctx, tenantID, "policy-001", "rule-a"); err != nil {
			t.Fatalf("DeletePolicyRule failed: %v", err)
		}
		got, _ := repo.ListPolicyRules(ctx, tenantID, "policy-001")
		if len(got) != 1 || got[0].ID != "rule-b" {
			t.Errorf("expected only rule-b, got %+v", got)
		}

		if err := repo.DeletePolicyRule(ctx, tenantID, "policy-001", "rule-a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
		if err := repo.DeletePolicyRule(ctx, tenantID, "policy-002", "rule-b"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for wrong policy, got %v", err)
		}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query should be unchanged, got %s", got)
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
