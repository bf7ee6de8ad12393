// internal/format/placeholders.go
package format

import (
	"strings"

	"github.com/unclebandit/cellar-dispatch/internal/model"
)

// RenderTemplate replaces {key} placeholders with values from data.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// Personalize fills the member placeholders a campaign body may use.
// Unknown values render as empty text.
func Personalize(body string, m *model.Member) string {
	if m == nil {
		m = &model.Member{}
	}
	return strings.TrimSpace(RenderTemplate(body, map[string]string{
		"first_name": m.FirstName,
		"last_name":  m.LastName,
		"name":       m.DisplayName(),
		"region":     m.Region,
	}))
}
