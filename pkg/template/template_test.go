package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/models"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"name": "John",
		"age":  30,
	}

	result, err := Render("Hi {{ .name }}, you are {{ .age }}", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi John, you are 30", result)
}

func TestRender_MissingKeysAreEmpty(t *testing.T) {
	result, err := Render("Hello {{ .customer.nickname }}!", map[string]any{"customer": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "Hello !", result)
}

func TestRender_Functions(t *testing.T) {
	data := map[string]any{"attributes": map[string]any{"city": "lisbon"}}

	result, err := Render(`{{ .attributes.name | default "friend" }} from {{ .attributes.city | title }}`, data)
	require.NoError(t, err)
	assert.Equal(t, "friend from Lisbon", result)

	result, err = Render(`{{ upper "hey" }} {{ lower "YOU" }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "HEY you", result)
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("{{ .name ", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")

	_, err = Render("{{ index .list 5 }}", map[string]any{"list": []int{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute template")
}

func TestRenderTemplate(t *testing.T) {
	customer := &models.Customer{
		ID:         "c-1",
		Email:      "ana@example.com",
		Attributes: map[string]any{"first_name": "Ana", "plan": "pro"},
	}
	journey := &models.Journey{ID: "j-1", Name: "Onboarding"}

	tpl := &models.Template{
		ID:      "welcome",
		Channel: models.ChannelEmail,
		Subject: "Welcome to {{ .journey.name }}, {{ .attributes.first_name }}",
		Body:    "Your {{ .customer.attributes.plan }} plan is ready ({{ .customer.email }}, step {{ .step.id }}).",
	}

	rendered, err := RenderTemplate(tpl, Data(customer, journey, "message-1"))
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Onboarding, Ana", rendered.Subject)
	assert.Equal(t, "Your pro plan is ready (ana@example.com, step message-1).", rendered.Body)
}

func TestRenderTemplate_ReportsWhichPartFailed(t *testing.T) {
	tpl := &models.Template{ID: "broken", Body: "{{ if }}"}

	_, err := RenderTemplate(tpl, Data(&models.Customer{}, &models.Journey{}, "s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template broken body")
}
