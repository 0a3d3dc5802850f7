package sqlgen

import (
	"regexp"
	"strings"

	"github.com/slateql/slate/qerr"
)

// identPattern admits a bare or single-qualified SQL identifier. Anything
// else is rejected before it can reach statement text.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier checks a name that will be interpolated into SQL.
func ValidIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return qerr.InvalidIdentifier(name)
	}
	return nil
}

// escapeString escapes a string value for inlining inside a single-quoted
// SQL literal. Backslash must be escaped first: ClickHouse treats it as an
// escape character inside quoted strings, so a trailing `\` would otherwise
// absorb the closing quote and leak adjacent text out of the literal.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", "''")
}

// quoteLiteral returns a SQL string literal with proper escaping.
func quoteLiteral(s string) string {
	return "'" + escapeString(s) + "'"
}

// escapeLike additionally escapes the LIKE wildcards so user values match
// literally inside CONTAINS/STARTS_WITH/ENDS_WITH patterns.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
