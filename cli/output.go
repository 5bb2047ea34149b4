package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalrules/expr"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// addFormatFlag registers the --format flag shared by the rule commands.
func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().String("format", formatText, "Output format: text | json")
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case formatText, formatJSON:
		return format, nil
	}
	return "", exitError(exitInputParse, "unknown format %q (use text or json)", format)
}

// printJSON writes v as indented JSON. Comparators such as ">" are not
// HTML-escaped.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}

// errorPosition returns the byte offset of a lex or parse error.
func errorPosition(err error) (int, bool) {
	var (
		lexErr   *expr.LexError
		parseErr *expr.ParseError
	)
	switch {
	case errors.As(err, &lexErr):
		return lexErr.Pos, true
	case errors.As(err, &parseErr):
		return parseErr.Pos, true
	}
	return 0, false
}

// readRecord reads a record from --data or --data-file. Numbers keep their
// exact text. YAML files are accepted by extension.
func readRecord(cmd *cobra.Command) (expr.Record, error) {
	inline, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("data-file")

	if inline != "" && file != "" {
		return nil, exitError(exitInputParse, "cannot specify both --data and --data-file")
	}
	if inline == "" && file == "" {
		return nil, exitError(exitInputParse, "one of --data or --data-file is required")
	}

	if inline != "" {
		return decodeRecordJSON([]byte(inline))
	}

	data, err := os.ReadFile(file) // #nosec G304 -- path from user CLI flag
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "data file not found: %s", file)
		}
		return nil, exitError(exitRuntime, "reading data file: %v", err)
	}
	ext := strings.ToLower(filepath.Ext(file))
	if ext == ".yaml" || ext == ".yml" {
		var rec map[string]any
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, exitError(exitInputParse, "parsing data file: %v", err)
		}
		if rec == nil {
			return nil, exitError(exitInputParse, "data file must contain a mapping")
		}
		return rec, nil
	}
	return decodeRecordJSON(data)
}

func decodeRecordJSON(data []byte) (expr.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, exitError(exitInputParse, "parsing data JSON: %v", err)
	}
	if rec == nil {
		return nil, exitError(exitInputParse, "data must be a JSON object")
	}
	return rec, nil
}
