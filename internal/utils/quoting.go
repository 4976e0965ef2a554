package utils

import (
	"strings"
)

// QuoteIdentifier quotes an identifier for dialect, doubling any embedded
// quote character. Unknown dialects get ANSI double quotes.
func QuoteIdentifier(name, dialect string) string {
	q := `"`
	if strings.EqualFold(dialect, "mysql") {
		q = "`"
	}
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// QuoteList quotes names and joins them with ", ". A non-empty alias
// qualifies every name, e.g. NEW."id" or tr."id".
func QuoteList(names []string, alias, dialect string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = qualify(alias, QuoteIdentifier(n, dialect))
	}
	return strings.Join(parts, ", ")
}

// KeyPredicate renders "l.a = r.a AND l.b = r.b" over keys. An empty alias
// leaves that side unqualified; right == "?" yields one placeholder per key.
func KeyPredicate(keys []string, left, right, dialect string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		col := QuoteIdentifier(k, dialect)
		r := "?"
		if right != "?" {
			r = qualify(right, col)
		}
		parts[i] = qualify(left, col) + " = " + r
	}
	return strings.Join(parts, " AND ")
}

func qualify(alias, col string) string {
	if alias == "" {
		return col
	}
	return alias + "." + col
}
