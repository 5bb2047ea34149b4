package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/expr"
	"github.com/petal-labs/petalrules/store"
)

// NewListCmd creates the "list" subcommand.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	addFormatFlag(cmd)
	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rules, err := a.service.ListRules(cmd.Context())
	if err != nil {
		return serviceExit("list rules", err)
	}

	w := cmd.OutOrStdout()
	if format == formatJSON {
		return printJSON(w, rules)
	}
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRULE")
	for _, r := range rules {
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, name, r.Text)
	}
	return tw.Flush()
}

// NewGetCmd creates the "get" subcommand.
func NewGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id-or-name>",
		Short: "Print a stored rule with its AST as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rule, err := a.service.GetRule(cmd.Context(), args[0])
	if err != nil {
		return serviceExit("get rule", err)
	}
	return printJSON(cmd.OutOrStdout(), rule)
}

// NewDeleteCmd creates the "delete" subcommand.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id-or-name>...",
		Short: "Delete stored rules",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDelete,
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	for _, ref := range args {
		rule, err := a.service.DeleteRule(cmd.Context(), ref)
		if err != nil {
			return serviceExit("delete "+ref, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule %s\n", rule.ID)
	}
	return nil
}

// NewCombineCmd creates the "combine" subcommand.
func NewCombineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "combine <id-or-name>...",
		Short: "Combine stored rules with AND or OR",
		Example: `  petalrules combine senior-sales high-earner --op OR
  petalrules combine a b --save --name a-and-b`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCombine,
	}

	cmd.Flags().String("op", "AND", "Logical operator: AND | OR")
	cmd.Flags().Bool("save", false, "Store the combined rule")
	cmd.Flags().String("name", "", "Name for the saved rule")
	addFormatFlag(cmd)

	return cmd
}

type combineOutput struct {
	ID   string               `json:"id,omitempty"`
	Name string               `json:"name,omitempty"`
	Op   expr.LogicalOp       `json:"op"`
	Rule string               `json:"rule"`
	AST  *expr.SerializedNode `json:"ast"`
}

func runCombine(cmd *cobra.Command, args []string) error {
	opFlag, _ := cmd.Flags().GetString("op")
	save, _ := cmd.Flags().GetBool("save")
	name, _ := cmd.Flags().GetString("name")
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	op, err := engine.ParseOp(opFlag)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	if name != "" && !save {
		return exitError(exitInputParse, "--name requires --save")
	}

	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	out := combineOutput{Op: op}
	var node expr.Node
	if save {
		var rule store.Rule
		rule, node, err = a.service.CombineAndSave(cmd.Context(), name, args, op)
		out.ID, out.Name = rule.ID, rule.Name
	} else {
		node, err = a.service.CombineRules(cmd.Context(), args, op)
	}
	if err != nil {
		return serviceExit("combine", err)
	}
	out.Rule = node.String()
	out.AST = expr.Serialize(node)

	w := cmd.OutOrStdout()
	if format == formatJSON {
		return printJSON(w, out)
	}
	fmt.Fprintln(w, out.Rule)
	if out.ID != "" {
		fmt.Fprintf(w, "Saved as %s\n", out.ID)
	}
	return nil
}

// NewImportCmd creates the "import" subcommand.
func NewImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a rule file and store its rules",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	cmd.Flags().Bool("skip-cases", false, "Do not evaluate the file's example cases first")
	cmd.Flags().Bool("skip-existing", false, "Skip rules whose name is already taken")

	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	skipCases, _ := cmd.Flags().GetBool("skip-cases")
	skipExisting, _ := cmd.Flags().GetBool("skip-existing")
	w := cmd.OutOrStdout()

	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rf, report, err := checkRuleFile(args[0], expr.Parser{MaxDepth: a.cfg.Parser.MaxDepth}, skipCases)
	if err != nil {
		return err
	}
	if !report.Valid {
		printFileValidation(w, report)
		return exitError(exitValidation, "%s is invalid; nothing imported", args[0])
	}

	imported, skipped := 0, 0
	for _, entry := range rf.Rules {
		rule, _, err := a.service.CreateRule(cmd.Context(), entry.Name, entry.Rule)
		if errors.Is(err, store.ErrRuleExists) && skipExisting {
			skipped++
			a.logger.Debug("skipping existing rule", "name", entry.Name)
			continue
		}
		if err != nil {
			return serviceExit(fmt.Sprintf("import %q", entry.Name), err)
		}
		imported++
		a.logger.Debug("imported rule", "rule_id", rule.ID, "name", rule.Name)
	}

	fmt.Fprintf(w, "Imported %d %s", imported, pluralize("rule", imported))
	if skipped > 0 {
		fmt.Fprintf(w, " (%d skipped)", skipped)
	}
	fmt.Fprintln(w)
	return nil
}
