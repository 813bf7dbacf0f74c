// Package safety inspects generated SQL before it is allowed anywhere near the
// query engine. Only single read-only SELECT statements pass, and every
// accepted query leaves with a row limit and an execution timeout.
package safety

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRowLimit = 10000
	DefaultTimeout  = 30 * time.Second
)

type Reason string

const (
	ReasonForbiddenStatement Reason = "forbidden-statement-kind"
	ReasonMissingRowLimit    Reason = "missing-row-limit"
	ReasonUnparsable         Reason = "unparsable-syntax"
)

// Verbs that mutate data, change engine state or reach outside the sandbox.
var forbiddenVerbs = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "CREATE": {}, "ALTER": {},
	"TRUNCATE": {}, "MERGE": {}, "UPSERT": {}, "REPLACE": {}, "GRANT": {}, "REVOKE": {},
	"ATTACH": {}, "DETACH": {}, "COPY": {}, "EXPORT": {}, "IMPORT": {}, "INSTALL": {},
	"LOAD": {}, "PRAGMA": {}, "SET": {}, "RESET": {}, "CALL": {}, "VACUUM": {},
	"CHECKPOINT": {}, "BEGIN": {}, "COMMIT": {}, "ROLLBACK": {}, "USE": {},
}

var leadingKeywords = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "FROM": {},
}

// Tokens that cannot directly follow SELECT.
var selectListTerminators = map[string]struct{}{
	"FROM": {}, "WHERE": {}, "GROUP": {}, "ORDER": {}, "LIMIT": {}, "HAVING": {}, "UNION": {},
}

type Config struct {
	// RowLimit is the ceiling every accepted query is held to.
	RowLimit int
	// Timeout is the execution budget attached to every accepted query.
	Timeout time.Duration
	// RejectMissingLimit rejects queries without a LIMIT instead of
	// injecting one.
	RejectMissingLimit bool
}

func (cfg *Config) Validate() error {
	if cfg.RowLimit == 0 {
		cfg.RowLimit = DefaultRowLimit
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RowLimit < 0 {
		return errors.New("row limit must be positive")
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

type Verdict struct {
	Accepted bool
	// SQL is the query as it should be executed, with any limit rewrite applied.
	SQL           string
	Reason        Reason
	Detail        string
	Timeout       time.Duration
	LimitInjected bool
	LimitClamped  bool
}

func (v Verdict) String() string {
	if v.Accepted {
		return "accepted"
	}
	return fmt.Sprintf("%s: %s", v.Reason, v.Detail)
}

type Validator struct {
	cfg Config
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate safety config: %w", err)
	}
	return &Validator{cfg: cfg}, nil
}

func (v *Validator) RowLimit() int {
	return v.cfg.RowLimit
}

func (v *Validator) Timeout() time.Duration {
	return v.cfg.Timeout
}

// Validate checks a single query. It never touches the query engine.
func (v *Validator) Validate(query string) Verdict {
	tokens, err := lex(query)
	if err != nil {
		return reject(ReasonUnparsable, err.Error())
	}

	// A single trailing semicolon is tolerated; anything else after one is a
	// second statement.
	for len(tokens) > 0 && tokens[len(tokens)-1].text == ";" && tokens[len(tokens)-1].kind == tokPunct {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return reject(ReasonUnparsable, "empty query")
	}
	for _, t := range tokens {
		if t.kind == tokPunct && t.text == ";" {
			return reject(ReasonForbiddenStatement, "multiple statements are not allowed")
		}
	}

	for i, t := range tokens {
		if t.kind != tokWord {
			continue
		}
		if _, ok := forbiddenVerbs[t.upper()]; !ok {
			continue
		}
		// replace(...), load(...) and friends are function calls, and a.set is a column.
		if i+1 < len(tokens) && tokens[i+1].text == "(" {
			continue
		}
		if i > 0 && tokens[i-1].text == "." {
			continue
		}
		return reject(ReasonForbiddenStatement, fmt.Sprintf("%s statements are not allowed", t.upper()))
	}

	first := firstWord(tokens)
	if first < 0 {
		return reject(ReasonUnparsable, "query does not start with a keyword")
	}
	if _, ok := leadingKeywords[tokens[first].upper()]; !ok {
		return reject(ReasonForbiddenStatement, fmt.Sprintf("only read-only SELECT queries are allowed, got %s", tokens[first].upper()))
	}

	if detail := checkShape(tokens); detail != "" {
		return reject(ReasonUnparsable, detail)
	}

	body := query[tokens[0].start:tokens[len(tokens)-1].end]
	sql, injected, clamped, ok := v.applyLimit(body, tokens)
	if !ok {
		return reject(ReasonMissingRowLimit, fmt.Sprintf("query has no LIMIT (ceiling is %d rows)", v.cfg.RowLimit))
	}

	return Verdict{
		Accepted:      true,
		SQL:           sql,
		Timeout:       v.cfg.Timeout,
		LimitInjected: injected,
		LimitClamped:  clamped,
	}
}

func (v *Validator) applyLimit(body string, tokens []token) (string, bool, bool, bool) {
	offset := tokens[0].start
	limitAt := -1
	for i, t := range tokens {
		if t.depth == 0 && t.is("LIMIT") {
			limitAt = i
		}
	}

	if limitAt < 0 {
		if v.cfg.RejectMissingLimit {
			return "", false, false, false
		}
		return fmt.Sprintf("%s\nLIMIT %d", body, v.cfg.RowLimit), true, false, true
	}

	if literalLimit(tokens, limitAt) {
		n, err := strconv.Atoi(tokens[limitAt+1].text)
		if err == nil {
			if n <= v.cfg.RowLimit {
				return body, false, false, true
			}
			t := tokens[limitAt+1]
			clamped := body[:t.start-offset] + strconv.Itoa(v.cfg.RowLimit) + body[t.end-offset:]
			return clamped, false, true, true
		}
	}

	// LIMIT ALL, parameters and expressions cannot be checked statically.
	return fmt.Sprintf("SELECT * FROM (\n%s\n) AS limited LIMIT %d", body, v.cfg.RowLimit), false, true, true
}

// literalLimit reports whether LIMIT is followed by a bare number, optionally
// trailed by OFFSET and another number, and nothing else.
func literalLimit(tokens []token, limitAt int) bool {
	rest := tokens[limitAt+1:]
	if len(rest) == 0 || rest[0].kind != tokNumber {
		return false
	}
	switch len(rest) {
	case 1:
		return true
	case 3:
		return rest[1].is("OFFSET") && rest[2].kind == tokNumber
	}
	return false
}

func checkShape(tokens []token) string {
	for i, t := range tokens {
		if t.kind == tokPunct && t.text == "," && i+1 < len(tokens) {
			next := tokens[i+1]
			if _, ok := selectListTerminators[next.upper()]; (ok && next.kind == tokWord) || next.text == ")" {
				return "dangling comma"
			}
		}
		if !t.is("SELECT") {
			continue
		}
		j := i + 1
		for j < len(tokens) && (tokens[j].is("DISTINCT") || tokens[j].is("ALL")) {
			j++
		}
		if j >= len(tokens) {
			return "SELECT without a select list"
		}
		next := tokens[j]
		if next.text == ")" || next.text == "," {
			return "SELECT without a select list"
		}
		if _, ok := selectListTerminators[next.upper()]; ok && next.kind == tokWord {
			return "SELECT without a select list"
		}
	}

	last := tokens[len(tokens)-1]
	switch {
	case last.kind == tokOperator && last.text != "*":
		return fmt.Sprintf("query ends with operator %q", last.text)
	case last.kind == tokPunct && (last.text == "," || last.text == "." || last.text == "("):
		return fmt.Sprintf("query ends with %q", last.text)
	case last.kind == tokWord:
		switch last.upper() {
		case "FROM", "WHERE", "AND", "OR", "BY", "JOIN", "ON", "SELECT", "LIMIT", "HAVING", "AS", "WITH":
			return fmt.Sprintf("query ends with keyword %s", last.upper())
		}
	}
	return ""
}

func firstWord(tokens []token) int {
	for i, t := range tokens {
		if t.kind == tokPunct && t.text == "(" {
			continue
		}
		if t.kind == tokWord {
			return i
		}
		return -1
	}
	return -1
}

func reject(reason Reason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// NormalizeWhitespace collapses runs of whitespace, which keeps logged SQL on one line.
func NormalizeWhitespace(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
