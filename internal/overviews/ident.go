package overviews

import (
	"errors"
	"strings"
)

var reserved = map[string]bool{
	"all": true, "and": true, "as": true, "by": true, "case": true, "select": true,
	"from": true, "where": true, "table": true, "order": true, "group": true,
	"union": true, "with": true, "user": true, "limit": true, "offset": true,
}

// Quote returns ident usable as a SQL identifier, quoting when the bare
// form would be case-folded, reserved or invalid.
func Quote(ident string) string {
	if isBare(ident) && !reserved[ident] {
		return ident
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func isBare(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case i > 0 && (c >= '0' && c <= '9' || c == '$'):
		default:
			return false
		}
	}
	return true
}

// ParseIdentifier splits an optionally schema-qualified identifier. Bare
// parts fold to lower case; quoted parts keep their case with "" unescaped.
func ParseIdentifier(s string) (schema, table string, err error) {
	toks, rest := scanIdentChain(strings.TrimSpace(s), 0)
	if len(toks) == 0 || strings.TrimSpace(s[rest:]) != "" {
		return "", "", errors.New("invalid identifier: " + s)
	}
	switch len(toks) {
	case 1:
		return "", toks[0].name, nil
	case 2:
		return toks[0].name, toks[1].name, nil
	default:
		return "", "", errors.New("too many identifier parts: " + s)
	}
}

type identTok struct {
	name       string
	start, end int
}

// scanIdentChain reads ident(.ident)* starting at i, returning the parts
// and the offset after the chain.
func scanIdentChain(s string, i int) ([]identTok, int) {
	var out []identTok
	for {
		tok, next, ok := scanIdent(s, i)
		if !ok {
			return out, i
		}
		out = append(out, tok)
		i = next
		j := skipSpace(s, i)
		if j < len(s) && s[j] == '.' {
			k := skipSpace(s, j+1)
			if _, _, ok := scanIdent(s, k); ok {
				i = k
				continue
			}
		}
		return out, i
	}
}

func scanIdent(s string, i int) (identTok, int, bool) {
	if i >= len(s) {
		return identTok{}, i, false
	}
	if s[i] == '"' {
		var b strings.Builder
		for j := i + 1; j < len(s); j++ {
			if s[j] != '"' {
				b.WriteByte(s[j])
				continue
			}
			if j+1 < len(s) && s[j+1] == '"' {
				b.WriteByte('"')
				j++
				continue
			}
			return identTok{name: b.String(), start: i, end: j + 1}, j + 1, true
		}
		return identTok{}, i, false
	}
	if !isIdentStart(s[i]) {
		return identTok{}, i, false
	}
	j := i + 1
	for j < len(s) && isIdentPart(s[j]) {
		j++
	}
	return identTok{name: strings.ToLower(s[i:j]), start: i, end: j}, j, true
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '$'
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

// ReplaceTable substitutes every reference to the table named by from with
// to. A reference matches only as a whole identifier chain: table1 does not
// match table1_backup or other.table1, and "My.Table" does not match
// My.Table. String literals and comments are left alone.
func ReplaceTable(sql, from, to string) string {
	fs, ft, err := ParseIdentifier(from)
	if err != nil {
		return sql
	}

	var b strings.Builder
	b.Grow(len(sql))
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '\'':
			j := skipString(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				j = len(sql) - i
			}
			b.WriteString(sql[i : i+j])
			i += j
		case c == '"' || isIdentStart(c):
			if i > 0 && (isIdentPart(sql[i-1]) || sql[i-1] == '"') {
				b.WriteByte(c)
				i++
				continue
			}
			toks, next := scanIdentChain(sql, i)
			if len(toks) == 0 {
				b.WriteByte(c)
				i++
				continue
			}
			if matchesTable(toks, fs, ft) && !followedByParen(sql, next) && !precededByDot(sql, i) {
				b.WriteString(to)
			} else {
				b.WriteString(sql[i:next])
			}
			i = next
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func matchesTable(toks []identTok, schema, table string) bool {
	if schema == "" {
		return len(toks) == 1 && toks[0].name == table
	}
	return len(toks) == 2 && toks[0].name == schema && toks[1].name == table
}

func followedByParen(s string, i int) bool {
	j := skipSpace(s, i)
	return j < len(s) && s[j] == '('
}

func precededByDot(s string, i int) bool {
	j := i - 1
	for j >= 0 && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
		j--
	}
	return j >= 0 && s[j] == '.'
}

func skipString(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] != '\'' {
			continue
		}
		if j+1 < len(s) && s[j+1] == '\'' {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}
