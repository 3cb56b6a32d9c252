package expr

import (
	"regexp"
	"sort"
	"strings"
)

var (
	quotedRe = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
	andRe    = regexp.MustCompile(`(?i)\bAND\b`)
	orRe     = regexp.MustCompile(`(?i)\bOR\b`)
	notRe    = regexp.MustCompile(`(?i)\bNOT\b`)
	assignRe = regexp.MustCompile(`(^|[^=!<>])=([^=]|$)`)
	trueRe   = regexp.MustCompile(`(?i)\btrue\b`)
	falseRe  = regexp.MustCompile(`(?i)\bfalse\b`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// DefaultEnums are the enumerated variables whose bare-word values are quoted
// during normalization.
func DefaultEnums() map[string][]string {
	return map[string][]string{
		"customer_risk": {"Low", "Medium", "High", "unknown"},
		"priority":      {"low", "medium", "high"},
	}
}

// enumQuoter rewrites `var == Word` into `var == "Word"` for a known enum.
type enumQuoter struct {
	re *regexp.Regexp
}

func newEnumQuoter(enums map[string][]string) *enumQuoter {
	if len(enums) == 0 {
		return nil
	}
	names := make([]string, 0, len(enums))
	seen := map[string]bool{}
	var words []string
	for name, values := range enums {
		names = append(names, regexp.QuoteMeta(name))
		for _, v := range values {
			if !seen[v] {
				seen[v] = true
				words = append(words, regexp.QuoteMeta(v))
			}
		}
	}
	if len(words) == 0 {
		return nil
	}
	sort.Strings(names)
	sort.Strings(words)
	pattern := `\b(` + strings.Join(names, "|") + `)\s*(==|!=)\s*(` + strings.Join(words, "|") + `)\b`
	return &enumQuoter{re: regexp.MustCompile(pattern)}
}

func (q *enumQuoter) quote(s string, enums map[string][]string) string {
	if q == nil {
		return s
	}
	return q.re.ReplaceAllStringFunc(s, func(m string) string {
		parts := q.re.FindStringSubmatch(m)
		name, op, word := parts[1], parts[2], parts[3]
		for _, v := range enums[name] {
			if v == word {
				return name + " " + op + ` "` + word + `"`
			}
		}
		return m
	})
}

// normalize rewrites the rule DSL into CEL syntax. Text inside quoted string
// literals is left untouched.
func normalize(source string, enums map[string][]string, quoter *enumQuoter) string {
	var b strings.Builder
	last := 0
	for _, loc := range quotedRe.FindAllStringIndex(source, -1) {
		b.WriteString(normalizeSegment(source[last:loc[0]], enums, quoter))
		b.WriteString(source[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(normalizeSegment(source[last:], enums, quoter))
	return strings.TrimSpace(groupNots(b.String()))
}

func normalizeSegment(s string, enums map[string][]string, quoter *enumQuoter) string {
	s = assignRe.ReplaceAllString(s, "${1}==${2}")
	s = quoter.quote(s, enums)
	s = andRe.ReplaceAllString(s, "&&")
	s = orRe.ReplaceAllString(s, "||")
	s = notRe.ReplaceAllString(s, notMark)
	s = trueRe.ReplaceAllString(s, "true")
	s = falseRe.ReplaceAllString(s, "false")
	return spaceRe.ReplaceAllString(s, " ")
}

// notMark stands in for NOT until groupNots knows the extent of its operand.
const notMark = "\x00"

// groupNots rewrites each NOT into CEL negation of its whole operand. NOT
// binds looser than comparisons and tighter than AND/OR, so the operand runs
// to the next && or || at the same depth, or to an unbalanced ')'.
func groupNots(s string) string {
	if !strings.Contains(s, notMark) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '"' || c == '\'':
			j := skipQuoted(s, i)
			b.WriteString(s[i:j])
			i = j
		case c == notMark[0]:
			end := operandEnd(s, i+1)
			operand := strings.TrimRight(s[i+1:end], " ")
			b.WriteString("!(")
			b.WriteString(strings.TrimSpace(groupNots(operand)))
			b.WriteString(")")
			b.WriteString(s[i+1+len(operand) : end])
			i = end
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func operandEnd(s string, start int) int {
	depth := 0
	for j := start; j < len(s); {
		switch c := s[j]; {
		case c == '"' || c == '\'':
			j = skipQuoted(s, j)
			continue
		case c == '(':
			depth++
		case c == ')':
			if depth == 0 {
				return j
			}
			depth--
		case depth == 0 && (strings.HasPrefix(s[j:], "&&") || strings.HasPrefix(s[j:], "||")):
			return j
		}
		j++
	}
	return len(s)
}

// skipQuoted returns the index just past the string literal opening at i.
func skipQuoted(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case q:
			return j + 1
		}
	}
	return len(s)
}
