// Package rules provides the CEL-Go based policy rule engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/violations"
)

// ErrReservedName is returned when a rule tries to emit a violation that the
// violation engine owns.
var ErrReservedName = errors.New("violation name is reserved")

// Engine is the CEL-based policy rule engine. Rules are grouped per tenant
// policy.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	policies   map[policyKey]map[string]*CompiledRule // ruleID -> rule
	tenants    map[string]bool                         // tenants whose rules were loaded
	maxWorkers int
}

type policyKey struct {
	tenantID string
	policyID string
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.PolicyRule
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with transaction variables
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("amount_minor", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("tag", cel.StringType),
		cel.Variable("tag_levels", cel.ListType(cel.StringType)),
		cel.Variable("custom_unit_rate_id", cel.StringType),
		cel.Variable("age_days", cel.IntType),
		cel.Variable("is_partial", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		policies:   make(map[policyKey]map[string]*CompiledRule),
		tenants:    make(map[string]bool),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(rule *domain.PolicyRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine. Disabled rules remove
// any loaded version of the same rule.
func (e *Engine) LoadRule(rule *domain.PolicyRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !rule.Enabled {
		e.removeLocked(rule.TenantID, rule.PolicyID, rule.ID)
		return nil
	}

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.putLocked(e.policies, compiled)
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(rules []*domain.PolicyRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveRule unloads a rule. Removing an unknown rule is a no-op.
func (e *Engine) RemoveRule(tenantID, policyID, ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(tenantID, policyID, ruleID)
}

func (e *Engine) removeLocked(tenantID, policyID, ruleID string) {
	key := policyKey{tenantID, policyID}
	rules, ok := e.policies[key]
	if !ok {
		return
	}
	delete(rules, ruleID)
	if len(rules) == 0 {
		delete(e.policies, key)
	}
}

func (e *Engine) putLocked(dst map[policyKey]map[string]*CompiledRule, compiled *CompiledRule) {
	key := policyKey{compiled.Rule.TenantID, compiled.Rule.PolicyID}
	if dst[key] == nil {
		dst[key] = make(map[string]*CompiledRule)
	}
	dst[key][compiled.Rule.ID] = compiled
}

// EvaluateInput holds the transaction data for rule evaluation.
type EvaluateInput struct {
	Transaction *domain.Transaction

	// Now anchors age_days; zero means time.Now().
	Now time.Time

	// AdditionalData is merged into the tx map.
	AdditionalData map[string]any
}

// Evaluate runs every loaded rule of the tenant's policy in parallel and
// returns the violations of the rules whose expression is true, sorted by
// rule ID. Rules that fail to evaluate are logged and produce no violation.
func (e *Engine) Evaluate(ctx context.Context, tenantID, policyID string, input *EvaluateInput) ([]domain.Violation, error) {
	if input == nil || input.Transaction == nil {
		return nil, fmt.Errorf("transaction is required")
	}

	e.mu.RLock()
	loaded := e.policies[policyKey{tenantID, policyID}]
	rules := make([]*CompiledRule, 0, len(loaded))
	for _, rule := range loaded {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].Rule.ID < rules[j].Rule.ID })

	activation := buildActivation(input)

	// Parallel evaluation using worker pool pattern
	results := make([]*domain.Violation, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				return
			}
			results[idx] = evaluateRule(r, activation, input.Transaction.ID)
		}(i, rule)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []domain.Violation
	for _, v := range results {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out, nil
}

// evaluateRule returns the rule's violation when its expression holds.
func evaluateRule(rule *CompiledRule, activation map[string]any, txID string) *domain.Violation {
	start := time.Now()

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		slog.Warn("policy rule evaluation failed",
			"rule_id", rule.Rule.ID,
			"policy_id", rule.Rule.PolicyID,
			"tx_id", txID,
			"error", err,
		)
		return nil
	}

	matched, ok := out.(types.Bool)
	if !ok {
		slog.Warn("policy rule returned non-boolean",
			"rule_id", rule.Rule.ID,
			"tx_id", txID,
			"type", out.Type().TypeName(),
		)
		return nil
	}

	slog.Debug("policy rule evaluated",
		"rule_id", rule.Rule.ID,
		"tx_id", txID,
		"matched", bool(matched),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if !matched {
		return nil
	}

	return &domain.Violation{
		Name: rule.Rule.Name,
		Type: ruleType(rule.Rule),
		Data: &domain.ViolationData{
			RuleID:  rule.Rule.ID,
			Message: rule.Rule.Description,
		},
	}
}

func ruleType(rule *domain.PolicyRule) domain.ViolationType {
	if rule.Type == "" {
		return domain.TypeViolation
	}
	return rule.Type
}

// buildActivation prepares the CEL variables for a transaction.
func buildActivation(input *EvaluateInput) map[string]any {
	tx := input.Transaction

	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}
	var ageDays int64
	if !tx.Created.IsZero() {
		ageDays = int64(now.Sub(tx.Created) / (24 * time.Hour))
	}

	levels := violations.SplitTagLevels(tx.Tag)
	if levels == nil {
		levels = []string{}
	}

	amount := MajorUnits(tx.Amount, tx.Currency)

	txMap := map[string]any{
		"id":                  tx.ID,
		"policy_id":           tx.PolicyID,
		"report_id":           tx.ReportID,
		"amount":              amount,
		"amount_minor":        tx.Amount,
		"currency":            tx.Currency,
		"merchant":            tx.Merchant,
		"category":            tx.Category,
		"tag":                 tx.Tag,
		"custom_unit_rate_id": tx.ModifiedCustomUnitRateID,
	}
	for k, v := range input.AdditionalData {
		txMap[k] = v
	}

	return map[string]any{
		"tx":                  txMap,
		"amount":              amount,
		"amount_minor":        tx.Amount,
		"currency":            tx.Currency,
		"merchant":            tx.Merchant,
		"category":            tx.Category,
		"tag":                 tx.Tag,
		"tag_levels":          levels,
		"custom_unit_rate_id": tx.ModifiedCustomUnitRateID,
		"age_days":            ageDays,
		"is_partial":          tx.IsPartial(),
	}
}

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true, "UGX": true,
}

// threeDecimalCurrencies use thousandths as minor unit.
var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "KWD": true, "OMR": true, "JOD": true, "TND": true,
}

// MajorUnits converts an amount in minor units to major units.
func MajorUnits(minor int64, currency string) float64 {
	code := strings.ToUpper(currency)
	switch {
	case zeroDecimalCurrencies[code]:
		return float64(minor)
	case threeDecimalCurrencies[code]:
		return float64(minor) / 1000
	default:
		return float64(minor) / 100
	}
}

// RulesCount returns the number of loaded rules across all policies.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, rules := range e.policies {
		n += len(rules)
	}
	return n
}

// ReloadRules replaces every loaded rule of a tenant with rules.
// This enables hot-reloading of rules from the database. On a compile error
// the previously loaded rules are kept.
func (e *Engine) ReloadRules(tenantID string, rules []*domain.PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[policyKey]map[string]*CompiledRule)

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.TenantID != tenantID {
			return fmt.Errorf("rule %s belongs to tenant %q, not %q", rule.ID, rule.TenantID, tenantID)
		}

		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		e.putLocked(next, compiled)
	}

	for key := range e.policies {
		if key.tenantID == tenantID {
			delete(e.policies, key)
		}
	}
	for key, rules := range next {
		e.policies[key] = rules
	}
	e.tenants[tenantID] = true

	return nil
}

// TenantLoaded reports whether ReloadRules has run for the tenant.
func (e *Engine) TenantLoaded(tenantID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tenants[tenantID]
}

// GetLoadedRules returns the loaded rules of a tenant's policy sorted by ID.
func (e *Engine) GetLoadedRules(tenantID, policyID string) []*domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	loaded := e.policies[policyKey{tenantID, policyID}]
	rules := make([]*domain.PolicyRule, 0, len(loaded))
	for _, compiled := range loaded {
		rules = append(rules, compiled.Rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = make(map[policyKey]map[string]*CompiledRule)
	e.tenants = make(map[string]bool)
	return nil
}

func (e *Engine) compileRule(rule *domain.PolicyRule) (*CompiledRule, error) {
	if rule.ID == "" || rule.PolicyID == "" {
		return nil, fmt.Errorf("rule id and policy id are required")
	}
	if rule.Name == "" {
		return nil, fmt.Errorf("rule %s: violation name is required", rule.ID)
	}
	if rule.Name.IsDerived() || rule.Name == domain.ViolationCustomUnitOutOfPolicy {
		return nil, fmt.Errorf("rule %s: %q: %w", rule.ID, rule.Name, ErrReservedName)
	}
	if rule.Type != "" && !rule.Type.Valid() {
		return nil, fmt.Errorf("rule %s: unknown violation type %q", rule.ID, rule.Type)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}
