package expr

// ValidateSyntax checks whether rule text is syntactically valid.
// Returns nil if valid, or the lex/parse error describing the problem.
func ValidateSyntax(rule string) error {
	_, err := Parse(rule)
	return err
}
