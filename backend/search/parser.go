package search

import (
	"strings"
	"unicode"
)

// Operator defines the type of comparison for a filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // for date:2026-01..2026-02
)

// Filter represents a structured criteria derived from the query string.
type Filter struct {
	Key      string   // e.g., "home", "date", "status"
	Value    string   // e.g., "Hawks", "2026-01-01", "final"
	MaxValue string   // Used only for OpRange
	Operator Operator // e.g., "=", ">="
}

// Query represents the parsed search query.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// opPrefixes maps value prefixes to comparison operators. Two-char
// prefixes must come first.
var opPrefixes = []struct {
	prefix string
	op     Operator
}{
	{">=", OpGreaterOrEqual},
	{"<=", OpLessOrEqual},
	{">", OpGreater},
	{"<", OpLess},
}

// Parse parses a search query string into a structured Query object.
// It handles:
// - quoted strings (key:"value with spaces")
// - key:value pairs
// - simple operators for specific keys (mainly date)
// - flags (status:final)
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}

	for _, token := range tokenize(input) {
		if strings.Contains(token, ":") {
			if f, ok := parseFilter(token); ok {
				q.Filters = append(q.Filters, f)
			} else {
				// Ambiguous tokens are kept verbatim as free text.
				q.FreeText = append(q.FreeText, token)
			}
			continue
		}
		q.FreeText = append(q.FreeText, unquote(token))
	}

	return q
}

// parseFilter interprets one key:value token. ok is false when the
// token should be treated as free text instead.
func parseFilter(token string) (Filter, bool) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return Filter{}, false
	}
	key := strings.ToLower(strings.TrimSpace(parts[0]))
	val := strings.TrimSpace(parts[1])

	// An unquoted colon inside the value is ambiguous (e.g. time:12:00).
	if strings.Contains(val, ":") && !strings.HasPrefix(val, "\"") && !strings.HasPrefix(val, "'") {
		return Filter{}, false
	}
	if key == "" || val == "" {
		return Filter{}, false
	}

	// Range (date:2026-01..2026-03)
	if strings.Contains(val, "..") {
		rangeParts := strings.SplitN(val, "..", 2)
		return Filter{
			Key:      key,
			Value:    rangeParts[0],
			MaxValue: rangeParts[1],
			Operator: OpRange,
		}, true
	}

	for _, p := range opPrefixes {
		if strings.HasPrefix(val, p.prefix) {
			return Filter{
				Key:      key,
				Value:    unquote(strings.TrimPrefix(val, p.prefix)),
				Operator: p.op,
			}, true
		}
	}

	return Filter{Key: key, Value: unquote(val), Operator: OpEqual}, true
}

// tokenize splits the string by spaces, respecting quotes. Quote
// characters stay in the token; unquote strips them later.
func tokenize(input string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, r := range input {
		switch {
		case inQuote:
			if r == quoteChar {
				inQuote = false
			}
			current.WriteRune(r)
		case unicode.IsSpace(r):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		case r == '"' || r == '\'':
			inQuote = true
			quoteChar = r
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func unquote(s string) string {
	if len(s) >= 2 {
		first := s[0]
		last := s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
