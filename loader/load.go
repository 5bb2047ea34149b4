package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/petal-labs/petalrules/expr"
)

// RuleFile is a set of rules to import or check.
type RuleFile struct {
	Rules []RuleEntry `json:"rules"`
}

// RuleEntry is one rule in a rule file.
type RuleEntry struct {
	Name string `json:"name,omitempty"`
	Rule string `json:"rule"`
	// Cases are example records with the result the rule should give.
	Cases []Case `json:"cases,omitempty"`
}

// Case is an example record for a rule.
type Case struct {
	Data   map[string]any `json:"data"`
	Expect bool           `json:"expect"`
}

// Load reads a rule file, auto-detecting its layout.
func Load(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes decodes rule file content. path only selects JSON or YAML.
func LoadBytes(data []byte, path string) (*RuleFile, error) {
	shape, err := DetectShape(data, path)
	if err != nil {
		return nil, err
	}
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var rf RuleFile
	switch shape {
	case ShapeDocument:
		err = decode(jsonData, &rf)
	case ShapeList:
		err = decode(jsonData, &rf.Rules)
	case ShapeSingle:
		var entry RuleEntry
		err = decode(jsonData, &entry)
		rf.Rules = []RuleEntry{entry}
	}
	if err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}
	return &rf, nil
}

// decode keeps record numbers as json.Number so integers survive exactly.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Diagnostic reports a problem with one entry.
type Diagnostic struct {
	Index   int
	Name    string
	Message string
	Err     error
}

// Label identifies the entry in messages: its name, or its position.
func (d Diagnostic) Label() string {
	if d.Name != "" {
		return fmt.Sprintf("rule %q", d.Name)
	}
	return fmt.Sprintf("rule #%d", d.Index+1)
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	first := e.Diagnostics[0]
	if len(e.Diagnostics) == 1 {
		return fmt.Sprintf("validation error: %s: %s", first.Label(), first.Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s: %s)", len(e.Diagnostics), first.Label(), first.Message)
}

// Unwrap exposes the underlying errors for errors.Is/As.
func (e *DiagnosticError) Unwrap() []error {
	errs := make([]error, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	return errs
}

// Validate parses every entry and checks that names are unique. Each
// successfully parsed tree is returned at its entry's index; failed entries
// are nil.
func Validate(rf *RuleFile, parser expr.Parser) ([]expr.Node, error) {
	var diags []Diagnostic
	nodes := make([]expr.Node, len(rf.Rules))
	seen := make(map[string]int, len(rf.Rules))

	for i, entry := range rf.Rules {
		name := strings.TrimSpace(entry.Name)
		if name != "" {
			if prev, dup := seen[name]; dup {
				diags = append(diags, Diagnostic{
					Index:   i,
					Name:    name,
					Message: fmt.Sprintf("duplicate name (first used by rule #%d)", prev+1),
				})
			} else {
				seen[name] = i
			}
		}

		node, err := parser.Parse(entry.Rule)
		if err != nil {
			diags = append(diags, Diagnostic{Index: i, Name: name, Message: err.Error(), Err: err})
			continue
		}
		nodes[i] = node
	}

	if len(diags) > 0 {
		return nodes, &DiagnosticError{Diagnostics: diags}
	}
	return nodes, nil
}

// CaseResult is the outcome of one example case.
type CaseResult struct {
	Rule   int
	Case   int
	Name   string
	Expect bool
	Got    bool
	Err    error
}

// Passed reports whether the case evaluated without error to its expectation.
func (r CaseResult) Passed() bool {
	return r.Err == nil && r.Got == r.Expect
}

// RunCases evaluates every case of every parsed entry. nodes is the slice
// returned by Validate; entries without a tree are skipped.
func RunCases(rf *RuleFile, nodes []expr.Node) []CaseResult {
	var results []CaseResult
	for i, entry := range rf.Rules {
		if i >= len(nodes) || nodes[i] == nil {
			continue
		}
		for j, c := range entry.Cases {
			got, err := expr.Eval(nodes[i], expr.Record(c.Data))
			results = append(results, CaseResult{
				Rule:   i,
				Case:   j,
				Name:   entry.Name,
				Expect: c.Expect,
				Got:    got,
				Err:    err,
			})
		}
	}
	return results
}

// ErrCasesFailed is returned by CheckCases when any case fails.
var ErrCasesFailed = errors.New("rule cases failed")

// CheckCases runs the cases and returns ErrCasesFailed with a count when any
// of them do not pass.
func CheckCases(results []CaseResult) error {
	failed := 0
	for _, r := range results {
		if !r.Passed() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrCasesFailed, failed, len(results))
	}
	return nil
}
