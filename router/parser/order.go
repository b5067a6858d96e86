package parser

import (
	"strconv"
	"strings"

	"github.com/pgdog-io/pgdog/router/route"
)

// ParseOrderBy extracts the outermost ORDER BY clause from query
// text. Sort merging across shards needs the column list only, so
// a token scan is enough. Entries are either a column name, later
// resolved against the RowDescription, or a one-based position.
func ParseOrderBy(query string) []route.OrderColumn {
	toks := tokenize(query)

	// find ORDER BY at paren depth zero
	depth := 0
	start := -1
	for i := 0; i+1 < len(toks); i++ {
		switch toks[i] {
		case "(":
			depth++
		case ")":
			depth--
		case "ORDER":
			if depth == 0 && toks[i+1] == "BY" {
				start = i + 2
			}
		}
	}
	if start < 0 {
		return nil
	}

	var cols []route.OrderColumn
	cur := route.OrderColumn{Index: -1}
	have := false

	flush := func() {
		if have {
			cols = append(cols, cur)
			cur = route.OrderColumn{Index: -1}
			have = false
		}
	}

	depth = 0
	for i := start; i < len(toks); i++ {
		t := toks[i]
		switch t {
		case "(":
			depth++
		case ")":
			depth--
		case ",":
			if depth == 0 {
				flush()
			}
		case "ASC":
		case "DESC":
			if depth == 0 {
				cur.Desc = true
			}
		case "NULLS":
			if depth == 0 && i+1 < len(toks) {
				switch toks[i+1] {
				case "FIRST":
					cur.Nulls = route.NullsFirst
				case "LAST":
					cur.Nulls = route.NullsLast
				}
			}
		case "FIRST", "LAST":
		case "LIMIT", "OFFSET", "FOR", "FETCH":
			if depth == 0 {
				flush()
				return cols
			}
		default:
			if depth > 0 || have {
				continue
			}
			if n, err := strconv.Atoi(t); err == nil {
				cur.Index = n - 1
			} else {
				cur.Name = columnName(t)
			}
			have = true
		}
	}
	flush()
	return cols
}

// columnName lowercases an unquoted identifier and strips the
// qualifier, matching how the server reports result column names.
func columnName(tok string) string {
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		return tok[1 : len(tok)-1]
	}
	for i := len(tok) - 1; i >= 0; i-- {
		if tok[i] == '.' {
			tok = tok[i+1:]
			break
		}
	}
	return lower(tok)
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// ParseLimitOffset extracts outermost LIMIT and OFFSET clauses.
// Only literal integer counts can be captured: a bind parameter or
// an expression reports exact=false and the clause is left alone,
// untruncated. hasLimit keeps LIMIT 0 apart from no limit at all.
func ParseLimitOffset(query string) (limit int64, hasLimit bool, offset int64, exact bool) {
	toks := tokenize(query)
	exact = true

	depth := 0
	for i := 0; i < len(toks); i++ {
		switch toks[i] {
		case "(":
			depth++
		case ")":
			depth--
		case "LIMIT":
			if depth != 0 {
				continue
			}
			if i+1 >= len(toks) || toks[i+1] == "ALL" {
				continue
			}
			if n, err := strconv.ParseInt(toks[i+1], 10, 64); err == nil && n >= 0 {
				limit = n
				hasLimit = true
			} else {
				exact = false
			}
		case "OFFSET":
			if depth != 0 {
				continue
			}
			if i+1 >= len(toks) {
				continue
			}
			if n, err := strconv.ParseInt(toks[i+1], 10, 64); err == nil && n >= 0 {
				offset = n
			} else {
				exact = false
			}
		}
	}
	return limit, hasLimit, offset, exact
}

// HasGroupBy reports an outermost GROUP BY clause. The gather side
// folds aggregates per group instead of into one row.
func HasGroupBy(query string) bool {
	toks := tokenize(query)
	depth := 0
	for i := 0; i+1 < len(toks); i++ {
		switch toks[i] {
		case "(":
			depth++
		case ")":
			depth--
		case "GROUP":
			if depth == 0 && toks[i+1] == "BY" {
				return true
			}
		}
	}
	return false
}

// StripLimitOffset cuts the trailing LIMIT/OFFSET clauses off a
// scattered SELECT so every shard returns its full prefix, and puts
// a combined LIMIT back when the plan has one. Locking clauses
// (FOR UPDATE and friends) follow LIMIT and are preserved.
func StripLimitOffset(query string, limit int64, hasLimit bool, offset int64) string {
	start, end := limitClauseSpan(query)
	if start < 0 {
		return query
	}

	head := strings.TrimRight(query[:start], " \t\n\r")
	tail := strings.TrimSpace(strings.TrimRight(query[end:], " \t\n\r;"))

	out := head
	if hasLimit {
		out += " LIMIT " + strconv.FormatInt(limit+offset, 10)
	}
	if tail != "" {
		out += " " + tail
	}
	return out
}

// limitClauseSpan locates the outermost LIMIT/OFFSET clauses in the
// raw query text, byte positions of the first keyword and of the
// end of the last count. Returns -1 when there is none.
func limitClauseSpan(query string) (int, int) {
	depth := 0
	start, end := -1, -1

	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == '\'':
			j := i + 1
			for j < len(query) && query[j] != '\'' {
				j++
			}
			i = j + 1
		case c == '"':
			j := i + 1
			for j < len(query) && query[j] != '"' {
				j++
			}
			i = j + 1
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			i++
		case isIdentByte(c):
			j := i
			for j < len(query) && isIdentByte(query[j]) {
				j++
			}
			word := strings.ToUpper(query[i:j])
			if depth == 0 && (word == "LIMIT" || word == "OFFSET") {
				if start < 0 {
					start = i
				}
				// swallow the count token that follows
				k := j
				for k < len(query) && (query[k] == ' ' || query[k] == '\t' || query[k] == '\n' || query[k] == '\r') {
					k++
				}
				for k < len(query) && isIdentByte(query[k]) {
					k++
				}
				end = k
			}
			i = j
		default:
			i++
		}
	}
	if start < 0 {
		return -1, -1
	}
	return start, end
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c == '.' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}
