// Package rewrite implements the ordered path-rewrite table applied to
// request paths before backend dispatch.
package rewrite

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxGroupCount bounds the capture groups a single rule may use; replacement
// templates may reference $1 through $16.
const MaxGroupCount = 16

// Rule pairs a compiled pattern with its replacement template. The first rule
// whose pattern matches the path wins.
type Rule struct {
	Pattern *regexp.Regexp
	Replace string
}

// Rewriter holds an ordered list of rewrite rules.
type Rewriter struct {
	rules []Rule
}

func NewRewriter() *Rewriter {
	return &Rewriter{}
}

// AddRule compiles pattern and appends a rule. Patterns with more than
// MaxGroupCount capture groups are rejected.
func (r *Rewriter) AddRule(pattern, replace string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errors.Wrapf(err, "invalid rewrite pattern %q", pattern)
	}
	if re.NumSubexp() > MaxGroupCount {
		return errors.Errorf("rewrite pattern %q has %d capture groups, limit is %d", pattern, re.NumSubexp(), MaxGroupCount)
	}
	r.rules = append(r.rules, Rule{Pattern: re, Replace: replace})
	return nil
}

// Len returns the number of installed rules.
func (r *Rewriter) Len() int {
	return len(r.rules)
}

// Rewrite applies the first matching rule to path. The match is replaced by
// the rule's template with $1..$16 expanded to the corresponding capture
// groups; text around the match is preserved. The second return reports
// whether any rule matched; when none does, the original path is returned.
func (r *Rewriter) Rewrite(path string) (string, bool) {
	for _, rule := range r.rules {
		loc := rule.Pattern.FindStringSubmatchIndex(path)
		if loc == nil {
			continue
		}
		var b strings.Builder
		b.WriteString(path[:loc[0]])
		b.Write(rule.Pattern.ExpandString(nil, templateToExpand(rule.Replace), path, loc))
		b.WriteString(path[loc[1]:])
		return b.String(), true
	}
	return path, false
}

// templateToExpand converts $1..$16 references into the ${1}..${16} form so
// that regexp.Expand cannot mis-parse a reference followed by a digit, e.g.
// "$12" stays group 12 but "$1/2" stays group 1 and a literal "/2".
func templateToExpand(replace string) string {
	var b strings.Builder
	for i := 0; i < len(replace); i++ {
		c := replace[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(replace) && replace[j] >= '0' && replace[j] <= '9' {
			j++
		}
		if j == i+1 {
			// a lone "$" or "$$": passed through untouched
			b.WriteByte(c)
			continue
		}
		b.WriteString("${")
		b.WriteString(strconv.Itoa(atoi(replace[i+1 : j])))
		b.WriteString("}")
		i = j - 1
	}
	return b.String()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
