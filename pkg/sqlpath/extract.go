package sqlpath

import "strings"

// tableKeywords are the clause keywords a table reference can follow. A bare
// identifier like FROM_UNIXTIME is a single token, so it can never be
// mistaken for the FROM keyword.
var tableKeywords = map[string]bool{
	"from": true,
	"join": true,
}

// reservedWords stops alias and reference scanning; none of these can start
// or name a table reference.
var reservedWords = map[string]bool{
	"select": true, "where": true, "on": true, "using": true, "as": true,
	"group": true, "order": true, "having": true, "limit": true,
	"offset": true, "union": true, "except": true, "intersect": true,
	"join": true, "inner": true, "left": true, "right": true, "full": true,
	"cross": true, "outer": true, "natural": true, "lateral": true,
	"window": true, "qualify": true, "values": true, "with": true,
	"set": true, "returning": true,
}

// tableRef is one physical table reference found in a statement: the token
// range it spans, its dot-separated segments, and how it was quoted.
type tableRef struct {
	start, end int // token index range, end exclusive
	segments   []string
	kind       TokenKind // TokenIdentifier, TokenQuotedIdentifier, or TokenStringLiteral
	quote      byte      // closing quote byte for quoted kinds
	segQuotes  []byte    // per-segment quote bytes for dotted sequences, 0 for bare
}

func (r tableRef) path() string {
	return strings.Join(r.segments, ".")
}

// ExtractTablePaths tokenizes the statement and returns the table paths
// referenced after FROM and JOIN clauses, in order of first appearance.
// Aliases are resolved away, so the same physical reference is never
// double-counted, and identifiers inside string literals or function names
// are never matched.
func ExtractTablePaths(sql string) []string {
	refs := scanTableRefs(Tokenize(sql))
	seen := make(map[string]bool)
	var paths []string
	for _, r := range refs {
		p := r.path()
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}

// scanTableRefs walks the token stream and collects table references
// following FROM/JOIN keywords, including comma-separated FROM lists.
func scanTableRefs(tokens []Token) []tableRef {
	var refs []tableRef
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if t.Kind != TokenIdentifier || !tableKeywords[strings.ToLower(t.Text)] {
			continue
		}

		j := i + 1
		for {
			j = skipInsignificant(tokens, j)
			ref, next, ok := readTableRef(tokens, j)
			if !ok {
				break
			}
			refs = append(refs, ref)

			next = skipAlias(tokens, next)
			next = skipInsignificant(tokens, next)
			// A comma continues the FROM list with another reference.
			if next < len(tokens) && tokens[next].Kind == TokenOther && tokens[next].Text == "," {
				j = next + 1
				continue
			}
			i = next - 1
			break
		}
	}
	return refs
}

// readTableRef reads a single table reference starting at token index j. It
// returns ok=false for subqueries, table functions, and anything else that
// is not a plain table path.
func readTableRef(tokens []Token, j int) (tableRef, int, bool) {
	if j >= len(tokens) {
		return tableRef{}, j, false
	}

	switch tokens[j].Kind {
	case TokenStringLiteral:
		// DuckDB accepts single-quoted table paths. Literals that do not
		// look like dotted identifier paths (file globs, URLs) are not
		// table references.
		value := unquote(tokens[j].Text)
		if !looksLikePath(value) {
			return tableRef{}, j, false
		}
		return tableRef{
			start:    j,
			end:      j + 1,
			segments: strings.Split(value, "."),
			kind:     TokenStringLiteral,
			quote:    '\'',
		}, j + 1, true

	case TokenQuotedIdentifier:
		// A quoted identifier may hold a whole dotted path ("ds.schema.t")
		// or be the first segment of a dotted sequence.
		if strings.Contains(unquote(tokens[j].Text), ".") {
			return tableRef{
				start:    j,
				end:      j + 1,
				segments: strings.Split(unquote(tokens[j].Text), "."),
				kind:     TokenQuotedIdentifier,
				quote:    tokens[j].Text[0],
			}, j + 1, true
		}
		return readDottedRef(tokens, j)

	case TokenIdentifier:
		if reservedWords[strings.ToLower(tokens[j].Text)] {
			return tableRef{}, j, false
		}
		return readDottedRef(tokens, j)
	}

	return tableRef{}, j, false
}

// readDottedRef reads an ident(.ident)* sequence where each segment may be
// bare or quoted. A segment followed by "(" is a table function call, not a
// table reference.
func readDottedRef(tokens []Token, j int) (tableRef, int, bool) {
	segments := []string{segmentText(tokens[j])}
	segQuotes := []byte{segmentQuote(tokens[j])}
	end := j + 1
	for end+1 < len(tokens) &&
		tokens[end].Kind == TokenOther && tokens[end].Text == "." &&
		(tokens[end+1].Kind == TokenIdentifier || tokens[end+1].Kind == TokenQuotedIdentifier) {
		segments = append(segments, segmentText(tokens[end+1]))
		segQuotes = append(segQuotes, segmentQuote(tokens[end+1]))
		end += 2
	}

	next := skipInsignificant(tokens, end)
	if next < len(tokens) && tokens[next].Kind == TokenOther && tokens[next].Text == "(" {
		return tableRef{}, j, false
	}

	return tableRef{
		start:     j,
		end:       end,
		segments:  segments,
		kind:      TokenIdentifier,
		segQuotes: segQuotes,
	}, end, true
}

// skipAlias advances past an optional "AS alias" or bare alias following a
// table reference.
func skipAlias(tokens []Token, j int) int {
	k := skipInsignificant(tokens, j)
	if k >= len(tokens) {
		return j
	}
	// A quoted identifier after a reference can only be an alias.
	if tokens[k].Kind == TokenQuotedIdentifier {
		return k + 1
	}
	if tokens[k].Kind != TokenIdentifier {
		return j
	}
	word := strings.ToLower(tokens[k].Text)
	if word == "as" {
		k = skipInsignificant(tokens, k+1)
		if k < len(tokens) && (tokens[k].Kind == TokenIdentifier || tokens[k].Kind == TokenQuotedIdentifier) {
			return k + 1
		}
		return j
	}
	if reservedWords[word] || tableKeywords[word] {
		return j
	}
	return k + 1
}

func skipInsignificant(tokens []Token, j int) int {
	for j < len(tokens) && (tokens[j].Kind == TokenWhitespace || tokens[j].Kind == TokenComment) {
		j++
	}
	return j
}

func segmentText(t Token) string {
	if t.Kind == TokenQuotedIdentifier {
		return unquote(t.Text)
	}
	return t.Text
}

func segmentQuote(t Token) byte {
	if t.Kind == TokenQuotedIdentifier {
		return t.Text[0]
	}
	return 0
}

// looksLikePath reports whether a string literal's value is shaped like a
// dotted table path rather than a file path or URL.
func looksLikePath(s string) bool {
	if !strings.Contains(s, ".") {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isIdentPart(c) && c != '.' {
			return false
		}
	}
	return true
}
