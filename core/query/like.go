package query

import (
	"regexp"
	"strings"
)

// LikeToSQL translates a like pattern into a SQL LIKE pattern: * becomes %,
// ? becomes _, literal pattern characters are escaped with a backslash.
// Matching is case-insensitive; use it with ILIKE.
func LikeToSQL(pattern string) string {
	var sb strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteByte('%')
		case '?':
			sb.WriteByte('_')
		case '%', '_', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// LikeToRegexp translates a like pattern into an anchored case-insensitive
// regular expression with the same semantics as LikeToSQL.
func LikeToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}
