package sqlpath

import "strings"

// TokenKind tags a lexed span of SQL text. The tokenizer is deliberately
// minimal: it only needs to tell identifiers, quoted identifiers, string
// literals, and comments apart so that table references are never matched
// inside function names or literals.
type TokenKind int

const (
	TokenOther TokenKind = iota
	TokenWhitespace
	TokenIdentifier
	TokenQuotedIdentifier
	TokenStringLiteral
	TokenComment
)

// Token is one lexed span. Text retains the original bytes, including any
// quotes, so the token stream reserializes to the input unchanged.
type Token struct {
	Kind TokenKind
	Text string
}

// Tokenize lexes a SQL statement into a tagged token stream. Unrecognized
// bytes become single-character Other tokens; concatenating all token texts
// reproduces the input exactly.
func Tokenize(sql string) []Token {
	var tokens []Token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case isSpace(c):
			j := i
			for j < len(sql) && isSpace(sql[j]) {
				j++
			}
			tokens = append(tokens, Token{Kind: TokenWhitespace, Text: sql[i:j]})
			i = j

		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j == -1 {
				j = len(sql) - i
			}
			tokens = append(tokens, Token{Kind: TokenComment, Text: sql[i : i+j]})
			i += j

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			j := strings.Index(sql[i+2:], "*/")
			end := len(sql)
			if j != -1 {
				end = i + 2 + j + 2
			}
			tokens = append(tokens, Token{Kind: TokenComment, Text: sql[i:end]})
			i = end

		case c == '\'':
			end := scanQuoted(sql, i, '\'')
			tokens = append(tokens, Token{Kind: TokenStringLiteral, Text: sql[i:end]})
			i = end

		case c == '"':
			end := scanQuoted(sql, i, '"')
			tokens = append(tokens, Token{Kind: TokenQuotedIdentifier, Text: sql[i:end]})
			i = end

		case c == '`':
			end := scanQuoted(sql, i, '`')
			tokens = append(tokens, Token{Kind: TokenQuotedIdentifier, Text: sql[i:end]})
			i = end

		case isIdentStart(c):
			j := i
			for j < len(sql) && isIdentPart(sql[j]) {
				j++
			}
			tokens = append(tokens, Token{Kind: TokenIdentifier, Text: sql[i:j]})
			i = j

		default:
			tokens = append(tokens, Token{Kind: TokenOther, Text: sql[i : i+1]})
			i++
		}
	}
	return tokens
}

// scanQuoted returns the index one past the closing quote, honoring doubled
// quote escapes. An unterminated quote runs to the end of the input.
func scanQuoted(sql string, start int, quote byte) int {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}

// unquote strips the surrounding quotes from a quoted token and collapses
// doubled quote escapes.
func unquote(text string) string {
	if len(text) < 2 {
		return text
	}
	quote := text[0]
	inner := text[1:]
	if inner[len(inner)-1] == quote {
		inner = inner[:len(inner)-1]
	}
	return strings.ReplaceAll(inner, string([]byte{quote, quote}), string(quote))
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}
