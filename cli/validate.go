package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/expr"
	"github.com/petal-labs/petalrules/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [rule]",
		Short: "Check rule syntax, or a rule file and its example cases",
		Example: `  petalrules validate "age > 30 AND salary >= 50000"
  petalrules validate --file rules.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: runValidate,
	}

	cmd.Flags().StringP("file", "f", "", "Rule file (YAML or JSON) to validate")
	cmd.Flags().Bool("skip-cases", false, "Do not evaluate the file's example cases")
	cmd.Flags().Int("max-depth", 0, "Maximum parenthesis nesting (default 64)")
	addFormatFlag(cmd)

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	parser := expr.Parser{MaxDepth: maxDepth}
	switch {
	case filePath != "" && len(args) > 0:
		return exitError(exitInputParse, "cannot specify both a rule and --file")
	case filePath != "":
		skipCases, _ := cmd.Flags().GetBool("skip-cases")
		return validateFile(cmd.OutOrStdout(), filePath, parser, skipCases, format)
	case len(args) == 1:
		return validateText(cmd.OutOrStdout(), args[0], parser, format)
	}
	return exitError(exitInputParse, "a rule or --file is required")
}

type textValidation struct {
	Valid      bool                 `json:"valid"`
	Canonical  string               `json:"canonical,omitempty"`
	Attributes []string             `json:"attributes,omitempty"`
	AST        *expr.SerializedNode `json:"ast,omitempty"`
	Error      string               `json:"error,omitempty"`
	Code       string               `json:"code,omitempty"`
	Position   *int                 `json:"position,omitempty"`
}

func validateText(w io.Writer, text string, parser expr.Parser, format string) error {
	node, err := parser.Parse(text)

	var result textValidation
	if err != nil {
		result = textValidation{Error: err.Error(), Code: engine.ErrorCode(err)}
		if pos, ok := errorPosition(err); ok {
			result.Position = &pos
		}
	} else {
		result = textValidation{
			Valid:      true,
			Canonical:  node.String(),
			Attributes: expr.Attributes(node),
			AST:        expr.Serialize(node),
		}
	}

	if format == formatJSON {
		_ = printJSON(w, result)
	} else {
		printTextValidation(w, text, result)
	}
	if !result.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func printTextValidation(w io.Writer, text string, r textValidation) {
	if !r.Valid {
		fmt.Fprintf(w, "ERROR [%s]: %s\n", r.Code, r.Error)
		if r.Position != nil {
			fmt.Fprintf(w, "  %s\n  %*s^\n", text, *r.Position, "")
		}
		return
	}
	fmt.Fprintln(w, "Valid!")
	fmt.Fprintf(w, "  canonical:  %s\n", r.Canonical)
	fmt.Fprintf(w, "  attributes: %v\n", r.Attributes)
}

type fileDiagnostic struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

type fileCase struct {
	Rule   int    `json:"rule"`
	Case   int    `json:"case"`
	Name   string `json:"name,omitempty"`
	Expect bool   `json:"expect"`
	Got    bool   `json:"got"`
	Error  string `json:"error,omitempty"`
	Passed bool   `json:"passed"`
}

type fileValidation struct {
	Valid       bool             `json:"valid"`
	Rules       int              `json:"rules"`
	Diagnostics []fileDiagnostic `json:"diagnostics"`
	Cases       []fileCase       `json:"cases"`
}

// checkRuleFile loads and validates a rule file and runs its cases.
func checkRuleFile(path string, parser expr.Parser, skipCases bool) (*loader.RuleFile, fileValidation, error) {
	rf, err := loader.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fileValidation{}, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return nil, fileValidation{}, exitError(exitInputParse, "loading %s: %v", path, err)
	}

	report := fileValidation{
		Rules:       len(rf.Rules),
		Diagnostics: []fileDiagnostic{},
		Cases:       []fileCase{},
	}

	nodes, err := loader.Validate(rf, parser)
	var diagErr *loader.DiagnosticError
	if errors.As(err, &diagErr) {
		for _, d := range diagErr.Diagnostics {
			report.Diagnostics = append(report.Diagnostics, fileDiagnostic{Index: d.Index, Name: d.Name, Message: d.Message})
		}
	} else if err != nil {
		return nil, report, exitError(exitRuntime, "validating %s: %v", path, err)
	}

	if !skipCases {
		for _, r := range loader.RunCases(rf, nodes) {
			c := fileCase{Rule: r.Rule, Case: r.Case, Name: r.Name, Expect: r.Expect, Got: r.Got, Passed: r.Passed()}
			if r.Err != nil {
				c.Error = r.Err.Error()
			}
			report.Cases = append(report.Cases, c)
		}
	}

	report.Valid = len(report.Diagnostics) == 0
	for _, c := range report.Cases {
		report.Valid = report.Valid && c.Passed
	}
	return rf, report, nil
}

func validateFile(w io.Writer, path string, parser expr.Parser, skipCases bool, format string) error {
	_, report, err := checkRuleFile(path, parser, skipCases)
	if err != nil {
		return err
	}

	if format == formatJSON {
		_ = printJSON(w, report)
	} else {
		printFileValidation(w, report)
	}
	if !report.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func printFileValidation(w io.Writer, report fileValidation) {
	for _, d := range report.Diagnostics {
		label := loader.Diagnostic{Index: d.Index, Name: d.Name}.Label()
		fmt.Fprintf(w, "ERROR %s: %s\n", label, d.Message)
	}

	failed := 0
	for _, c := range report.Cases {
		if c.Passed {
			continue
		}
		failed++
		label := loader.Diagnostic{Index: c.Rule, Name: c.Name}.Label()
		if c.Error != "" {
			fmt.Fprintf(w, "FAIL %s case %d: %s\n", label, c.Case+1, c.Error)
		} else {
			fmt.Fprintf(w, "FAIL %s case %d: expected %v, got %v\n", label, c.Case+1, c.Expect, c.Got)
		}
	}

	if report.Valid {
		fmt.Fprintf(w, "Valid! (%d %s, %d %s passed)\n",
			report.Rules, pluralize("rule", report.Rules),
			len(report.Cases), pluralize("case", len(report.Cases)))
		return
	}
	fmt.Fprintf(w, "\n%d %s, %d failed %s\n",
		len(report.Diagnostics), pluralize("error", len(report.Diagnostics)),
		failed, pluralize("case", failed))
}
