// Package compliance screens campaign content before it is saved and again
// right before it is sent.
package compliance

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/unclebandit/cellar-dispatch/internal/model"
)

type Result struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// Checker validates a rendered message body.
type Checker interface {
	Check(ctx context.Context, body string) (Result, error)
}

type rule struct {
	violation string
	pattern   *regexp.Regexp
}

func phrases(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// Alcohol advertising codes forbid health claims, appeals to minors and
// promoting excessive drinking. Carriers filter shortened links.
var defaultRules = []rule{
	{"unsupported health claim", phrases("cure", "cures", "heals", "healthy", "health benefits", "medicinal", "good for your heart", "prevents")},
	{"content appeals to minors", phrases("kids", "children", "teens", "teenagers", "underage", "minors", "back to school")},
	{"encourages excessive consumption", phrases("get drunk", "wasted", "binge", "chug", "bottomless", "drink all you can")},
	{"free alcohol offer", phrases("free wine", "free alcohol", "free drinks", "free bottle")},
	{"shortened link", regexp.MustCompile(`(?i)\b(bit\.ly|tinyurl\.com|goo\.gl|t\.co|ow\.ly)/`)},
}

// RuleChecker applies phrase rules. It holds no state after construction.
type RuleChecker struct {
	rules []rule
}

// NewRuleChecker returns the built-in rules plus one rule per blocked phrase.
func NewRuleChecker(blocklist ...string) *RuleChecker {
	rules := append([]rule(nil), defaultRules...)
	for _, p := range blocklist {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rules = append(rules, rule{violation: fmt.Sprintf("blocked phrase %q", p), pattern: phrases(p)})
	}
	return &RuleChecker{rules: rules}
}

func (c *RuleChecker) Check(ctx context.Context, body string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(body) == "" {
		return Result{Violations: []string{"message body is empty"}}, nil
	}

	var violations []string
	for _, r := range c.rules {
		if match := r.pattern.FindString(body); match != "" {
			violations = append(violations, fmt.Sprintf("%s: %q", r.violation, match))
		}
	}
	return Result{Passed: len(violations) == 0, Violations: violations}, nil
}

// Body is the text a campaign is screened on: name, product lines and
// message.
func Body(c *model.Campaign) string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, p := range c.Products {
		b.WriteString("\n")
		b.WriteString(p.Name)
	}
	b.WriteString("\n")
	b.WriteString(c.Message)
	return b.String()
}

var _ Checker = (*RuleChecker)(nil)
