package parser

import (
	"strings"
)

type StmtKind int

const (
	StmtEmpty = StmtKind(iota)
	StmtSelect
	StmtInsert
	StmtUpdate
	StmtDelete
	StmtCopy
	StmtTXBegin
	StmtTXCommit
	StmtTXRollback
	StmtSet
	StmtSetLocal
	StmtReset
	StmtShow
	StmtDiscard
	StmtDeallocate
	StmtListen
	StmtNotify
	StmtDDL
	StmtOther
)

func (k StmtKind) String() string {
	switch k {
	case StmtEmpty:
		return "empty"
	case StmtSelect:
		return "select"
	case StmtInsert:
		return "insert"
	case StmtUpdate:
		return "update"
	case StmtDelete:
		return "delete"
	case StmtCopy:
		return "copy"
	case StmtTXBegin:
		return "begin"
	case StmtTXCommit:
		return "commit"
	case StmtTXRollback:
		return "rollback"
	case StmtSet:
		return "set"
	case StmtSetLocal:
		return "set local"
	case StmtReset:
		return "reset"
	case StmtShow:
		return "show"
	case StmtDiscard:
		return "discard"
	case StmtDeallocate:
		return "deallocate"
	case StmtListen:
		return "listen"
	case StmtNotify:
		return "notify"
	case StmtDDL:
		return "ddl"
	default:
		return "other"
	}
}

var ddlKeywords = map[string]struct{}{
	"CREATE":   {},
	"ALTER":    {},
	"DROP":     {},
	"TRUNCATE": {},
	"GRANT":    {},
	"REVOKE":   {},
	"VACUUM":   {},
	"ANALYZE":  {},
	"REINDEX":  {},
	"CLUSTER":  {},
	"COMMENT":  {},
}

// tokenize splits the query into upper-cased word and punctuation
// tokens, dropping comments. Only used for the statement kinds the
// full parser does not cover.
func tokenize(query string) []string {
	var toks []string
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			i += 2
			for i+1 < len(query) && !(query[i] == '*' && query[i+1] == '/') {
				i++
			}
			i += 2
		case c == '\'':
			j := i + 1
			for j < len(query) && query[j] != '\'' {
				j++
			}
			toks = append(toks, query[i:min(j+1, len(query))])
			i = j + 1
		case c == '"':
			j := i + 1
			for j < len(query) && query[j] != '"' {
				j++
			}
			toks = append(toks, query[i:min(j+1, len(query))])
			i = j + 1
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ';':
			i++
		case c == '=' || c == ',' || c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		default:
			j := i
			for j < len(query) {
				cj := query[j]
				if cj == ' ' || cj == '\t' || cj == '\n' || cj == '\r' ||
					cj == ';' || cj == '=' || cj == ',' || cj == '(' || cj == ')' ||
					cj == '\'' || cj == '"' {
					break
				}
				j++
			}
			toks = append(toks, strings.ToUpper(query[i:j]))
			i = j
		}
	}
	return toks
}

// Classify determines the statement kind from leading keywords,
// before any full parse. SET and SHOW statements also get their
// parameter name and value extracted here since they never reach
// a backend in transaction pooling mode.
func Classify(query string) (StmtKind, []string) {
	toks := tokenize(query)
	if len(toks) == 0 {
		return StmtEmpty, nil
	}

	switch toks[0] {
	case "SELECT", "WITH", "TABLE", "VALUES", "EXPLAIN":
		return StmtSelect, toks
	case "INSERT":
		return StmtInsert, toks
	case "UPDATE":
		return StmtUpdate, toks
	case "DELETE":
		return StmtDelete, toks
	case "COPY":
		return StmtCopy, toks
	case "BEGIN", "START":
		return StmtTXBegin, toks
	case "COMMIT", "END":
		return StmtTXCommit, toks
	case "ROLLBACK", "ABORT":
		return StmtTXRollback, toks
	case "SET":
		if len(toks) > 1 && toks[1] == "LOCAL" {
			return StmtSetLocal, toks
		}
		return StmtSet, toks
	case "RESET":
		return StmtReset, toks
	case "SHOW":
		return StmtShow, toks
	case "DISCARD":
		return StmtDiscard, toks
	case "DEALLOCATE":
		return StmtDeallocate, toks
	case "LISTEN", "UNLISTEN":
		return StmtListen, toks
	case "NOTIFY":
		return StmtNotify, toks
	}

	if _, ok := ddlKeywords[toks[0]]; ok {
		return StmtDDL, toks
	}
	return StmtOther, toks
}

// ParseSet extracts the parameter name and value from SET tokens.
// Handles SET [LOCAL|SESSION] name {=|TO} value and SET NAMES value.
func ParseSet(toks []string) (name string, value string, local bool, ok bool) {
	i := 1
	if i < len(toks) && toks[i] == "LOCAL" {
		local = true
		i++
	} else if i < len(toks) && toks[i] == "SESSION" {
		i++
	}
	if i >= len(toks) {
		return "", "", false, false
	}

	if toks[i] == "NAMES" {
		name = "client_encoding"
	} else {
		name = unquoteIdent(toks[i])
	}
	i++

	if i < len(toks) && (toks[i] == "=" || toks[i] == "TO") {
		i++
	}
	if i >= len(toks) {
		return "", "", false, false
	}

	value = unquoteValue(toks[i])
	return name, value, local, true
}

// ParseReset extracts the parameter name from RESET tokens.
// RESET ALL reports all=true with an empty name.
func ParseReset(toks []string) (name string, all bool, ok bool) {
	if len(toks) < 2 {
		return "", false, false
	}
	if toks[1] == "ALL" {
		return "", true, true
	}
	return unquoteIdent(toks[1]), false, true
}

// ParseShow extracts the parameter name from SHOW tokens.
func ParseShow(toks []string) (string, bool) {
	if len(toks) < 2 {
		return "", false
	}
	return unquoteIdent(toks[1]), true
}

// unquoteIdent folds an identifier to lower case unless it was
// double-quoted.
func unquoteIdent(tok string) string {
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		return tok[1 : len(tok)-1]
	}
	return strings.ToLower(tok)
}

func unquoteValue(tok string) string {
	if len(tok) >= 2 && tok[0] == '\'' && tok[len(tok)-1] == '\'' {
		return tok[1 : len(tok)-1]
	}
	return strings.ToLower(tok)
}
