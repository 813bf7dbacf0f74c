package safety

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokQuotedIdent
	tokPunct
	tokOperator
)

type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
	depth int
}

func (t token) upper() string {
	return strings.ToUpper(t.text)
}

func (t token) is(word string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

// lex splits a SQL statement into tokens, dropping comments and whitespace.
// depth records the parenthesis nesting level the token sits at.
func lex(src string) ([]token, error) {
	var (
		tokens []token
		depth  int
	)
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++
		case c >= utf8.RuneSelf && isSpaceRune(src[i:]):
			_, size := utf8.DecodeRuneInString(src[i:])
			i += size
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += end + 4
		case c == '\'' || c == '"':
			end, err := scanQuoted(src, i, c)
			if err != nil {
				return nil, err
			}
			kind := tokString
			if c == '"' {
				kind = tokQuotedIdent
			}
			tokens = append(tokens, token{kind: kind, text: src[i:end], start: i, end: end, depth: depth})
			i = end
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				if src[i] >= utf8.RuneSelf && isSpaceRune(src[i:]) {
					break
				}
				i++
			}
			tokens = append(tokens, token{kind: tokWord, text: src[start:i], start: start, end: i, depth: depth})
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == '_' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], start: start, end: i, depth: depth})
		case c == '(':
			tokens = append(tokens, token{kind: tokPunct, text: "(", start: i, end: i + 1, depth: depth})
			depth++
			i++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced closing parenthesis at offset %d", i)
			}
			tokens = append(tokens, token{kind: tokPunct, text: ")", start: i, end: i + 1, depth: depth})
			i++
		case c == ',' || c == ';' || c == '.' || c == '[' || c == ']' || c == '{' || c == '}':
			tokens = append(tokens, token{kind: tokPunct, text: string(c), start: i, end: i + 1, depth: depth})
			i++
		default:
			start := i
			for i < len(src) && strings.IndexByte("+-*/%<>=!|&^~:?$@#", src[i]) >= 0 {
				if src[i] == '-' && i+1 < len(src) && src[i+1] == '-' {
					break
				}
				if src[i] == '/' && i+1 < len(src) && src[i+1] == '*' {
					break
				}
				i++
			}
			if i == start {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			tokens = append(tokens, token{kind: tokOperator, text: src[start:i], start: start, end: i, depth: depth})
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses: %d left open", depth)
	}
	return tokens, nil
}

// scanQuoted returns the offset just past the closing quote. A doubled quote
// character is an escaped quote.
func scanQuoted(src string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(src) {
		if src[i] == quote {
			if i+1 < len(src) && src[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	if quote == '"' {
		return 0, fmt.Errorf("unterminated quoted identifier at offset %d", start)
	}
	return 0, fmt.Errorf("unterminated string literal at offset %d", start)
}

func isSpaceRune(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
