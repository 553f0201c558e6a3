// Benchmark tool for driving Kestrel with labelled expense data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/expenses.csv -url http://localhost:8080
//
// The CSV needs a header with at least: id, amount, currency, merchant.
// Optional columns: category, tag, expected. The expected column lists the
// violation names the transaction should carry, separated by '|'.
//
// This tool:
//  1. Seeds a policy with the categories and tags found in -categories and -tags
//  2. Stores each transaction with PUT /transactions/{id}
//  3. Compares the returned violation names with the expected labels
//  4. Reports per-name precision and recall, latency and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ExpenseRow is a labelled row of the input file.
type ExpenseRow struct {
	ID       string
	Amount   int64
	Currency string
	Merchant string
	Category string
	Tag      string
	Expected map[string]bool
}

// TransactionRequest is the body of PUT /transactions/{id}.
type TransactionRequest struct {
	PolicyID string `json:"policyID"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Merchant string `json:"merchant"`
	Category string `json:"category,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// TransactionResponse is the subset of the PUT response the benchmark reads.
type TransactionResponse struct {
	Update struct {
		Value []struct {
			Name string `json:"name"`
		} `json:"value"`
	} `json:"update"`
}

// Counts is the confusion tally of one violation name.
type Counts struct {
	TruePositives  int64
	FalsePositives int64
	FalseNegatives int64
}

// Metrics tracks benchmark results.
type Metrics struct {
	mu     sync.Mutex
	byName map[string]*Counts

	TotalProcessed int64
	ExactMatches   int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func (m *Metrics) record(expected, actual map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := func(name string) *Counts {
		c, ok := m.byName[name]
		if !ok {
			c = &Counts{}
			m.byName[name] = c
		}
		return c
	}

	exact := true
	for name := range actual {
		if expected[name] {
			counts(name).TruePositives++
		} else {
			counts(name).FalsePositives++
			exact = false
		}
	}
	for name := range expected {
		if !actual[name] {
			counts(name).FalseNegatives++
			exact = false
		}
	}
	if exact {
		m.ExactMatches++
	}
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labelled expense CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	policyID := flag.String("policy", "benchmark-policy", "Policy the transactions are coded against")
	categories := flag.String("categories", "", "Comma-separated enabled categories; enables requiresCategory")
	tags := flag.String("tags", "", "Comma-separated enabled tags of a single required tag list; enables requiresTag")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/expenses.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - Expense Policy Violations")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Policy ID:   %s\n", *policyID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	api := &client{http: &http.Client{Timeout: 10 * time.Second}, baseURL: *baseURL, tenantID: *tenantID}

	// Check Kestrel is running
	if err := api.checkHealth(); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	if err := api.seedPolicy(*policyID, splitList(*categories), splitList(*tags)); err != nil {
		fmt.Printf("ERROR: Failed to seed policy: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded policy %s\n", *policyID)

	// Read expense data
	rows, err := readExpenseCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(rows))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(api, rows, *policyID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type client struct {
	http     *http.Client
	baseURL  string
	tenantID string
}

func (c *client) checkHealth() error {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *client) put(path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.tenantID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PUT %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) seedPolicy(policyID string, categories, tags []string) error {
	policy := map[string]any{
		"name":             "Benchmark",
		"requiresCategory": len(categories) > 0,
		"requiresTag":      len(tags) > 0,
	}
	if err := c.put("/policies/"+policyID, policy, nil); err != nil {
		return err
	}

	categoryList := map[string]any{}
	for _, name := range categories {
		categoryList[name] = map[string]any{"name": name, "enabled": true}
	}
	if err := c.put("/policies/"+policyID+"/categories", categoryList, nil); err != nil {
		return err
	}

	tagValues := map[string]any{}
	for _, name := range tags {
		tagValues[name] = map[string]any{"name": name, "enabled": true}
	}
	tagList := map[string]any{}
	if len(tags) > 0 {
		tagList["Tag"] = map[string]any{"name": "Tag", "required": true, "orderWeight": 0, "tags": tagValues}
	}
	return c.put("/policies/"+policyID+"/tags", tagList, nil)
}

func readExpenseCSV(path string, limit int) ([]ExpenseRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"id", "amount", "currency", "merchant"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	column := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []ExpenseRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseInt(column(record, "amount"), 10, 64)
		if err != nil {
			continue
		}

		expected := map[string]bool{}
		for _, name := range strings.Split(column(record, "expected"), "|") {
			if name = strings.TrimSpace(name); name != "" {
				expected[name] = true
			}
		}

		rows = append(rows, ExpenseRow{
			ID:       column(record, "id"),
			Amount:   amount,
			Currency: column(record, "currency"),
			Merchant: column(record, "merchant"),
			Category: column(record, "category"),
			Tag:      column(record, "tag"),
			Expected: expected,
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func runBenchmark(c *client, rows []ExpenseRow, policyID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{byName: make(map[string]*Counts)}

	// Create work channel
	work := make(chan ExpenseRow, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for row := range work {
				start := time.Now()
				actual, err := storeTransaction(c, policyID, row)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.ID, err)
					}
					continue
				}

				metrics.record(row.Expected, actual)

				if verbose {
					fmt.Printf("%-12s | Amount: %10d %s | Expected: %-40s | Kestrel: %s\n",
						row.ID, row.Amount, row.Currency, joinNames(row.Expected), joinNames(actual))
				}
			}
		}()
	}

	// Send work
	for _, row := range rows {
		work <- row
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func storeTransaction(c *client, policyID string, row ExpenseRow) (map[string]bool, error) {
	req := TransactionRequest{
		PolicyID: policyID,
		Amount:   row.Amount,
		Currency: row.Currency,
		Merchant: row.Merchant,
		Category: row.Category,
		Tag:      row.Tag,
	}

	var resp TransactionResponse
	if err := c.put("/transactions/"+row.ID, req, &resp); err != nil {
		return nil, err
	}

	actual := make(map[string]bool, len(resp.Update.Value))
	for _, v := range resp.Update.Value {
		actual[v.Name] = true
	}
	return actual, nil
}

func joinNames(set map[string]bool) string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Exact Matches:    %d\n", m.ExactMatches)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\nPER VIOLATION\n")
	fmt.Printf("   %-24s %6s %6s %6s %9s %9s\n", "name", "TP", "FP", "FN", "precision", "recall")
	for _, name := range names {
		c := m.byName[name]
		precision := float64(0)
		if c.TruePositives+c.FalsePositives > 0 {
			precision = float64(c.TruePositives) / float64(c.TruePositives+c.FalsePositives)
		}
		recall := float64(0)
		if c.TruePositives+c.FalseNegatives > 0 {
			recall = float64(c.TruePositives) / float64(c.TruePositives+c.FalseNegatives)
		}
		fmt.Printf("   %-24s %6d %6d %6d %9.4f %9.4f\n",
			name, c.TruePositives, c.FalsePositives, c.FalseNegatives, precision, recall)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
