package security

import (
	"errors"
	"fmt"
	"strings"

	"asyncdb/internal/binder"
)

var (
	ErrUnsafeQuery     = errors.New("unsafe query detected")
	ErrMultipleQueries = errors.New("multi-statement queries are not allowed")
	ErrNotSelect       = errors.New("only SELECT queries are allowed")
)

var forbiddenWords = []string{
	"DELETE", "DROP", "INSERT", "UPDATE", "ALTER", "TRUNCATE", "GRANT", "REVOKE",
	"CREATE", "REPLACE", "CALL", "DO", "HANDLER", "LOAD", "UNION", "ATTACH", "PRAGMA",
	"USER(", "VERSION(", "DATABASE(", "LOAD_FILE(", "@@VERSION", "@@HOSTNAME",
}

var systemTables = []string{
	"INFORMATION_SCHEMA", "MYSQL", "PERFORMANCE_SCHEMA", "SYS",
	"PG_CATALOG", "SQLITE_MASTER", "SQLITE_SCHEMA",
}

// ValidateQuery accepts only a single SELECT statement that stays away from
// write keywords and system catalogs. Keywords inside quoted spans are
// ignored, so WHERE note = 'drop; me' is fine while a bare DROP is not.
// System catalogs are matched on the raw text since a quoted identifier
// still names a table.
func ValidateQuery(query string) error {
	q := strings.TrimSpace(binder.Unquoted(query))
	q = strings.TrimSuffix(q, ";")
	qUpper := strings.ToUpper(q)

	if !strings.HasPrefix(qUpper, "SELECT") {
		return ErrNotSelect
	}

	if strings.Contains(q, ";") {
		return ErrMultipleQueries
	}

	for _, word := range forbiddenWords {
		if containsWord(qUpper, word) {
			return fmt.Errorf("%w: forbidden keyword %s", ErrUnsafeQuery, word)
		}
	}

	rawUpper := strings.ToUpper(query)
	for _, table := range systemTables {
		if containsWord(rawUpper, table) {
			return fmt.Errorf("%w: access to system table %s", ErrUnsafeQuery, table)
		}
	}

	return nil
}

// containsWord reports whether word occurs in s with SQL delimiters on both
// sides, so DELETE matches but IS_DELETED does not. s must be upper case.
func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i == -1 {
			return false
		}
		start := idx + i
		end := start + len(word)

		if (start == 0 || isBoundary(s[start-1])) && (end == len(s) || isBoundary(s[end]) || isBoundary(word[len(word)-1])) {
			return true
		}
		idx = start + 1
	}
}

func isBoundary(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' ||
		b == '(' || b == ')' || b == ',' || b == '=' ||
		b == '<' || b == '>' || b == '`' || b == '.' ||
		b == '"' || b == '\'' || b == '[' || b == ']' || b == '/' || b == '*'
}
