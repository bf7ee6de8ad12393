// Package format renders a campaign for one member on one channel.
package format

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/unclebandit/cellar-dispatch/internal/model"
)

const (
	// SMSMaxLength is the single-segment budget, counted in characters.
	SMSMaxLength = 160
	// OptOutSuffix is appended verbatim to every SMS.
	OptOutSuffix = "reply STOP to unsubscribe"

	ellipsis = "..."
)

// SMS renders greeting, products and body, then the opt-out notice. The
// result never exceeds SMSMaxLength and always ends with OptOutSuffix;
// when space runs out the head is cut and marked with an ellipsis.
func SMS(c *model.Campaign, m *model.Member) string {
	var parts []string
	if m != nil && m.FirstName != "" {
		parts = append(parts, fmt.Sprintf("Hi %s!", m.FirstName))
	}
	if p := productsLine(c.Products); p != "" {
		parts = append(parts, p)
	}
	if body := Personalize(c.Message, m); body != "" {
		parts = append(parts, body)
	}
	head := strings.Join(parts, " ")

	suffix := OptOutSuffix
	if head != "" {
		suffix = " " + OptOutSuffix
	}
	budget := SMSMaxLength - utf8.RuneCountInString(suffix)
	if utf8.RuneCountInString(head) > budget {
		head = truncateRunes(head, budget-utf8.RuneCountInString(ellipsis))
		head = strings.TrimRight(head, " ") + ellipsis
	}
	return head + suffix
}

func productsLine(products []model.ProductLine) string {
	items := make([]string, 0, len(products))
	for _, p := range products {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		items = append(items, fmt.Sprintf("%s %s", strings.TrimSpace(p.Name), Price(p.Price)))
	}
	if len(items) == 0 {
		return ""
	}
	return strings.Join(items, ", ") + "."
}

// Price renders cents as a dollar amount.
func Price(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
