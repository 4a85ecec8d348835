// Package template renders message templates for a customer.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// Rendered is the content of a message after rendering.
type Rendered struct {
	Subject string
	Body    string
}

// Data builds the values a template sees: the customer, the journey and the
// step sending the message.
func Data(customer *models.Customer, journey *models.Journey, stepID string) map[string]any {
	attributes := customer.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}

	return map[string]any{
		"customer": map[string]any{
			"id":         customer.ID,
			"email":      customer.Email,
			"phone":      customer.Phone,
			"attributes": attributes,
		},
		"attributes": attributes,
		"journey": map[string]any{
			"id":   journey.ID,
			"name": journey.Name,
		},
		"step": map[string]any{
			"id": stepID,
		},
	}
}

// RenderTemplate renders the subject and body of tpl.
func RenderTemplate(tpl *models.Template, data map[string]any) (Rendered, error) {
	subject, err := Render(tpl.Subject, data)
	if err != nil {
		return Rendered{}, fmt.Errorf("template %s subject: %w", tpl.ID, err)
	}

	body, err := Render(tpl.Body, data)
	if err != nil {
		return Rendered{}, fmt.Errorf("template %s body: %w", tpl.ID, err)
	}

	return Rendered{Subject: subject, Body: body}, nil
}

func Render(templateStr string, data any) (string, error) {
	if templateStr == "" {
		return "", nil
	}

	tmpl, err := template.
		New("message").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"default": func(fallback, value any) any {
				if value == nil || value == "" {
					return fallback
				}

				return value
			},
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
			"title": func(s string) string {
				if s == "" {
					return s
				}

				return strings.ToUpper(s[:1]) + s[1:]
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
