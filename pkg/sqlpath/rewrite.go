package sqlpath

import "strings"

// canonicalSchema is the middle segment the engine accepts for providers it
// flattens into its default namespace. Three-part paths already carrying it
// pass through rewriting unchanged.
const canonicalSchema = "main"

// Rewrite substitutes display paths with the query paths the engine
// requires. Only three-part references whose middle segment is not the
// canonical one are candidates: each is mapped through the cache, falling
// back to the constructed canonical path when the cache has no explicit
// mapping but knows the constructed path. Substitution replaces whole
// reference tokens only and preserves the original quoting style, so
// occurrences inside string literals or longer identifiers are never
// touched. Validation runs before rewriting; Rewrite itself never fails.
func Rewrite(sql string, index PathIndex) string {
	tokens := Tokenize(sql)
	refs := scanTableRefs(tokens)

	type span struct {
		end  int
		text string
	}
	replacements := make(map[int]span)

	for _, r := range refs {
		if len(r.segments) != 3 || strings.EqualFold(r.segments[1], canonicalSchema) {
			continue
		}
		path := r.path()

		target, ok := index.QueryPathForDisplayPath(path)
		if !ok {
			candidate := r.segments[0] + "." + canonicalSchema + "." + r.segments[2]
			if !index.HasTablePath(candidate) {
				continue
			}
			target = candidate
		}
		if target == path {
			continue
		}

		replacements[r.start] = span{end: r.end, text: renderPath(target, r)}
	}

	if len(replacements) == 0 {
		return sql
	}

	var b strings.Builder
	b.Grow(len(sql))
	for i := 0; i < len(tokens); {
		if repl, ok := replacements[i]; ok {
			b.WriteString(repl.text)
			i = repl.end
			continue
		}
		b.WriteString(tokens[i].Text)
		i++
	}
	return b.String()
}

// renderPath serializes a rewritten path in the reference's original
// quoting style, per segment for dotted sequences.
func renderPath(path string, r tableRef) string {
	switch r.kind {
	case TokenStringLiteral:
		return "'" + path + "'"
	case TokenQuotedIdentifier:
		q := string(r.quote)
		return q + path + q
	default:
		parts := strings.Split(path, ".")
		if len(parts) != len(r.segQuotes) {
			return path
		}
		var b strings.Builder
		for i, part := range parts {
			if i > 0 {
				b.WriteByte('.')
			}
			if q := r.segQuotes[i]; q != 0 {
				b.WriteByte(q)
				b.WriteString(part)
				b.WriteByte(q)
			} else {
				b.WriteString(part)
			}
		}
		return b.String()
	}
}
