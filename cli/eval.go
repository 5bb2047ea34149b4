package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/store"
)

// NewEvalCmd creates the "eval" subcommand.
func NewEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval [rule]",
		Short: "Evaluate a rule against a record",
		Example: `  petalrules eval "age > 30" --data '{"age": 35}'
  petalrules eval --ref senior-sales --data-file person.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: runEval,
	}

	cmd.Flags().StringP("ref", "r", "", "Evaluate a stored rule by ID or name")
	cmd.Flags().StringP("data", "d", "", "Record as inline JSON object")
	cmd.Flags().String("data-file", "", "Record from a JSON or YAML file")
	cmd.Flags().Bool("exit-code", false, "Exit with status 1 when the rule does not match")
	addFormatFlag(cmd)

	return cmd
}

type evalOutput struct {
	Result   bool   `json:"result"`
	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name,omitempty"`
}

func runEval(cmd *cobra.Command, args []string) error {
	ref, _ := cmd.Flags().GetString("ref")
	exitCode, _ := cmd.Flags().GetBool("exit-code")
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	if (ref == "") == (len(args) == 0) {
		return exitError(exitInputParse, "specify exactly one of a rule or --ref")
	}

	rec, err := readRecord(cmd)
	if err != nil {
		return err
	}

	var out evalOutput
	if ref != "" {
		a, err := openApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		eval, err := a.service.EvaluateRule(cmd.Context(), ref, rec)
		if err != nil {
			return serviceExit("evaluate", err)
		}
		out = evalOutput{Result: eval.Result, RuleID: eval.RuleID, RuleName: eval.RuleName}
	} else {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// Inline rules never touch the configured store.
		svc, err := engine.New(engine.Config{
			Store:    store.NewMemoryStore(),
			MaxDepth: cfg.Parser.MaxDepth,
			Logger:   newLogger(cmd, cfg.Log),
		})
		if err != nil {
			return exitError(exitRuntime, "creating rule service: %v", err)
		}
		out.Result, err = svc.EvaluateText(cmd.Context(), args[0], rec)
		if err != nil {
			return serviceExit("evaluate", err)
		}
	}

	w := cmd.OutOrStdout()
	if format == formatJSON {
		_ = printJSON(w, out)
	} else {
		fmt.Fprintln(w, out.Result)
	}
	if exitCode && !out.Result {
		return exitError(exitValidation, "rule did not match")
	}
	return nil
}
