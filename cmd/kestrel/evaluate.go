package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// localTenant scopes rules loaded from a file by the evaluate command.
const localTenant = "local"

type evaluateOptions struct {
	inputPath               string
	rulesPath               string
	enforceMissingTagDetail bool
	ruleWorkers             int
}

func evaluateCmd() *cobra.Command {
	var opts evaluateOptions

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Compute the violations of a transaction from a JSON file",
		Long: `Reads a preview input (transaction, prior violations, policy, tags and
categories) and prints the resulting state update. Nothing is stored.
Use "-" or omit --input to read from stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if opts.inputPath != "" && opts.inputPath != "-" {
				f, err := os.Open(opts.inputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			opts.ruleWorkers = appCfg.Violations.RuleWorkers
			return runEvaluate(cmd, in, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.inputPath, "input", "i", "", "preview input JSON file")
	cmd.Flags().StringVar(&opts.rulesPath, "rules", "", "JSON array of policy rules to evaluate")
	cmd.Flags().BoolVar(&opts.enforceMissingTagDetail, "enforce-missing-tag-detail", false, "report each missing tag level")

	return cmd
}

func runEvaluate(cmd *cobra.Command, in io.Reader, out io.Writer, opts evaluateOptions) error {
	var input compliance.PreviewInput
	if err := json.NewDecoder(in).Decode(&input); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	input.TenantID = localTenant
	input.EnforceMissingTagDetail = input.EnforceMissingTagDetail || opts.enforceMissingTagDetail

	var engine *rules.Engine
	if opts.rulesPath != "" {
		list, err := readRules(opts.rulesPath)
		if err != nil {
			return err
		}
		engine, err = rules.NewEngine(opts.ruleWorkers)
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := engine.ReloadRules(localTenant, list); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
	}
	input.IncludeRules = engine != nil

	service := compliance.New(nil, nil, nil, engine, compliance.Config{})
	update, err := service.Preview(cmd.Context(), &input)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(update)
}

func readRules(path string) ([]*domain.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []*domain.PolicyRule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	for _, rule := range list {
		rule.TenantID = localTenant
	}
	return list, nil
}
