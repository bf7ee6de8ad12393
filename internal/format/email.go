package format

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	"github.com/unclebandit/cellar-dispatch/internal/model"
)

type Email struct {
	Subject string
	HTML    string
	Text    string
}

type EmailOptions struct {
	ClubName           string
	UnsubscribeBaseURL string
}

const defaultSubject = "News from your wine club"

var emailTmpl = template.Must(template.New("campaign").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family:Georgia,serif;color:#2b1d1d;max-width:600px;margin:0 auto;">
{{if .Greeting}}<p>{{.Greeting}}</p>{{end}}
{{if .ImageURL}}<img src="{{.ImageURL}}" alt="{{.Lead}}" style="max-width:100%;">{{end}}
{{if .Products}}<ul>
{{range .Products}}<li><strong>{{.Name}}</strong> {{.Price}}</li>
{{end}}</ul>{{end}}
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}
<hr>
<p style="font-size:12px;color:#777;">You are receiving this because you joined {{.Club}}.
<a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>
</body>
</html>
`))

type emailProduct struct {
	Name  string
	Price string
}

// RenderEmail builds the HTML and plaintext bodies from the same inputs.
// html/template escapes every user-supplied value.
func RenderEmail(c *model.Campaign, m *model.Member, opts EmailOptions) (Email, error) {
	club := opts.ClubName
	if club == "" {
		club = "our wine club"
	}

	subject := defaultSubject
	lead := ""
	if p, ok := c.LeadProduct(); ok && strings.TrimSpace(p.Name) != "" {
		lead = strings.TrimSpace(p.Name)
		subject = "New from the cellar: " + lead
	}

	greeting := ""
	if m != nil && m.FirstName != "" {
		greeting = fmt.Sprintf("Hi %s,", m.FirstName)
	}

	products := make([]emailProduct, 0, len(c.Products))
	for _, p := range c.Products {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		products = append(products, emailProduct{Name: strings.TrimSpace(p.Name), Price: Price(p.Price)})
	}

	body := Personalize(c.Message, m)
	var paragraphs []string
	for _, para := range strings.Split(body, "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			paragraphs = append(paragraphs, para)
		}
	}

	unsubscribe := UnsubscribeURL(opts.UnsubscribeBaseURL, c, m)

	imageURL := ""
	if c.ImageURL != nil {
		imageURL = *c.ImageURL
	}

	var html bytes.Buffer
	err := emailTmpl.Execute(&html, map[string]any{
		"Subject":        subject,
		"Greeting":       greeting,
		"ImageURL":       imageURL,
		"Lead":           lead,
		"Products":       products,
		"Paragraphs":     paragraphs,
		"Club":           club,
		"UnsubscribeURL": unsubscribe,
	})
	if err != nil {
		return Email{}, fmt.Errorf("render email html: %w", err)
	}

	var text strings.Builder
	if greeting != "" {
		text.WriteString(greeting + "\n\n")
	}
	for _, p := range products {
		fmt.Fprintf(&text, "- %s %s\n", p.Name, p.Price)
	}
	if len(products) > 0 {
		text.WriteString("\n")
	}
	for _, para := range paragraphs {
		text.WriteString(para + "\n\n")
	}
	fmt.Fprintf(&text, "Unsubscribe: %s\n", unsubscribe)

	return Email{Subject: subject, HTML: html.String(), Text: text.String()}, nil
}

// UnsubscribeURL links a member to the unsubscribe endpoint for a campaign.
func UnsubscribeURL(base string, c *model.Campaign, m *model.Member) string {
	q := url.Values{}
	q.Set("campaign", strconv.Itoa(c.ID))
	if m != nil {
		q.Set("member", strconv.Itoa(m.ID))
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}
