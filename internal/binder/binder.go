package binder

import (
	"strconv"
	"strings"
)

// Dialect is the placeholder marker a driver expects in statement text.
type Dialect int

const (
	// Question emits "?" for every occurrence (MySQL, SQLite).
	Question Dialect = iota
	// Dollar emits "$n" numbered by slot (PostgreSQL).
	Dollar
)

// Placeholder is one occurrence of a parameter in the statement text.
type Placeholder struct {
	Offset int
	Length int
	Slot   int
}

// Statement is SQL text with its discovered parameter slots.
type Statement struct {
	text         string
	params       []string
	placeholders []Placeholder
}

// Parse scans sql for positional (?) and named (@name) placeholders.
// Single- and double-quoted spans are skipped; a quoted span ends at the
// next matching quote character.
//
// Positional placeholders are named p0, p1, ... in order of appearance and
// always occupy the first slots. Named placeholders follow, one slot per
// distinct name in order of first appearance.
func Parse(sql string) *Statement {
	type token struct {
		offset, length int
		name           string
	}

	var positional, named []token
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			end := strings.IndexByte(sql[i+1:], c)
			if end < 0 {
				// unterminated literal swallows the rest of the text
				i = len(sql)
				continue
			}
			i += end + 2
		case c == '?':
			positional = append(positional, token{offset: i, length: 1})
			i++
		case c == '@':
			j := i + 1
			for j < len(sql) && isIdent(sql[j]) {
				j++
			}
			if j == i+1 {
				// bare '@' or '@@' system variable prefix
				i++
				continue
			}
			if i > 0 && sql[i-1] == '@' {
				i = j
				continue
			}
			named = append(named, token{offset: i, length: j - i, name: sql[i+1 : j]})
			i = j
		default:
			i++
		}
	}

	st := &Statement{text: sql}
	for n, tok := range positional {
		st.params = append(st.params, "p"+strconv.Itoa(n))
		st.placeholders = append(st.placeholders, Placeholder{Offset: tok.offset, Length: tok.length, Slot: n})
	}

	slots := make(map[string]int)
	for _, tok := range named {
		slot, ok := slots[tok.name]
		if !ok {
			slot = len(st.params)
			slots[tok.name] = slot
			st.params = append(st.params, tok.name)
		}
		st.placeholders = append(st.placeholders, Placeholder{Offset: tok.offset, Length: tok.length, Slot: slot})
	}

	sortByOffset(st.placeholders)
	return st
}

// Text returns the statement as written by the caller.
func (s *Statement) Text() string {
	return s.text
}

// Params returns the ordered parameter names.
func (s *Statement) Params() []string {
	out := make([]string, len(s.params))
	copy(out, s.params)
	return out
}

// NumParams returns the number of parameter slots.
func (s *Statement) NumParams() int {
	return len(s.params)
}

// Placeholders returns every occurrence in text order.
func (s *Statement) Placeholders() []Placeholder {
	out := make([]Placeholder, len(s.placeholders))
	copy(out, s.placeholders)
	return out
}

// Index returns the slot of a named parameter.
func (s *Statement) Index(name string) (int, bool) {
	for i, p := range s.params {
		if p == name {
			return i, true
		}
	}
	return -1, false
}

// Rewrite replaces every placeholder occurrence with the dialect's marker.
// order[i] is the slot whose value feeds the i-th marker in the returned text.
func (s *Statement) Rewrite(d Dialect) (text string, order []int) {
	if len(s.placeholders) == 0 {
		return s.text, nil
	}

	var b strings.Builder
	b.Grow(len(s.text) + 2*len(s.placeholders))

	last := 0
	for _, p := range s.placeholders {
		b.WriteString(s.text[last:p.Offset])
		switch d {
		case Dollar:
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(p.Slot + 1))
		default:
			b.WriteByte('?')
			order = append(order, p.Slot)
		}
		last = p.Offset + p.Length
	}
	b.WriteString(s.text[last:])

	if d == Dollar {
		order = make([]int, len(s.params))
		for i := range order {
			order[i] = i
		}
	}
	return b.String(), order
}

// Expand maps slot values onto the marker order produced by Rewrite.
func Expand(values []any, order []int) []any {
	args := make([]any, len(order))
	for i, slot := range order {
		args[i] = values[slot]
	}
	return args
}

func isIdent(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func sortByOffset(ps []Placeholder) {
	// insertion sort: the two input runs are each already ordered
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].Offset < ps[j-1].Offset; j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

// Unquoted returns sql with the contents of every quoted span, quotes
// included, replaced by spaces. Offsets are preserved.
func Unquoted(sql string) string {
	b := []byte(sql)
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '\'' && c != '"' {
			continue
		}
		end := strings.IndexByte(sql[i+1:], c)
		stop := len(b)
		if end >= 0 {
			stop = i + end + 2
		}
		for k := i; k < stop; k++ {
			b[k] = ' '
		}
		i = stop - 1
	}
	return string(b)
}

// SplitStatements splits a script on semicolons outside quoted spans.
// Empty statements are dropped and the rest are trimmed.
func SplitStatements(script string) []string {
	masked := Unquoted(script)
	var out []string
	start := 0
	for i := 0; i <= len(masked); i++ {
		if i < len(masked) && masked[i] != ';' {
			continue
		}
		if stmt := strings.TrimSpace(script[start:i]); stmt != "" {
			out = append(out, stmt)
		}
		start = i + 1
	}
	return out
}
