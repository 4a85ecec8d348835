package channels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrUnknownCallbackProvider = errors.New("unknown callback provider")

// Callback is a provider's report about a message sent earlier: delivered,
// opened, clicked, failed and so on. Provider-specific payloads are reduced
// to this shape; the caller resolves the workspace and journey from StepID.
type Callback struct {
	StepID     string
	CustomerID string
	TemplateID string
	MessageID  string
	Event      string
}

type callbackParser func(body []byte) ([]Callback, error)

var callbackParsers = map[string]callbackParser{
	"sendgrid": parseSendgrid,
	"mailgun":  parseMailgun,
	"resend":   parseResend,
	"webhook":  parseWebhook,
}

// engagementEvents maps provider event names onto delivery event kinds.
var engagementEvents = map[string]string{
	"click": "clicked",
	"open":  "opened",
}

// CallbackProviders lists the providers whose callbacks can be parsed.
func CallbackProviders() []string {
	names := make([]string, 0, len(callbackParsers))
	for name := range callbackParsers {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// ParseCallbacks decodes a provider callback body. Items missing a step,
// customer, template, message or event are dropped.
func ParseCallbacks(provider string, body []byte) ([]Callback, error) {
	parse, ok := callbackParsers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCallbackProvider, provider)
	}

	callbacks, err := parse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid %s callback: %w", provider, err)
	}

	complete := callbacks[:0]

	for _, callback := range callbacks {
		if callback.StepID == "" || callback.CustomerID == "" || callback.TemplateID == "" ||
			callback.MessageID == "" || callback.Event == "" {
			continue
		}

		if kind, ok := engagementEvents[callback.Event]; ok {
			callback.Event = kind
		}

		complete = append(complete, callback)
	}

	return complete, nil
}

func decode(body []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	return decoder.Decode(v)
}

// text turns string or numeric JSON values into a string.
func text(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case json.Number:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

type sendgridItem struct {
	StepID     string `json:"stepId"`
	CustomerID string `json:"customerId"`
	TemplateID any    `json:"templateId"`
	Event      string `json:"event"`
	MessageID  string `json:"sg_message_id"`
}

func parseSendgrid(body []byte) ([]Callback, error) {
	var items []sendgridItem
	if err := decode(body, &items); err != nil {
		return nil, err
	}

	callbacks := make([]Callback, 0, len(items))

	for _, item := range items {
		messageID, _, _ := strings.Cut(item.MessageID, ".")

		callbacks = append(callbacks, Callback{
			StepID:     item.StepID,
			CustomerID: item.CustomerID,
			TemplateID: text(item.TemplateID),
			MessageID:  messageID,
			Event:      item.Event,
		})
	}

	return callbacks, nil
}

type callbackTags struct {
	StepID     string `json:"stepId"`
	CustomerID string `json:"customerId"`
	TemplateID any    `json:"templateId"`
}

type mailgunPayload struct {
	EventData struct {
		Event   string `json:"event"`
		Message struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
		Variables callbackTags `json:"user-variables"`
	} `json:"event-data"`
}

func parseMailgun(body []byte) ([]Callback, error) {
	var payload mailgunPayload
	if err := decode(body, &payload); err != nil {
		return nil, err
	}

	data := payload.EventData

	return []Callback{{
		StepID:     data.Variables.StepID,
		CustomerID: data.Variables.CustomerID,
		TemplateID: text(data.Variables.TemplateID),
		MessageID:  data.Message.Headers.MessageID,
		Event:      data.Event,
	}}, nil
}

type resendPayload struct {
	Type string `json:"type"`
	Data struct {
		EmailID string       `json:"email_id"`
		Tags    callbackTags `json:"tags"`
	} `json:"data"`
}

func parseResend(body []byte) ([]Callback, error) {
	var payload resendPayload
	if err := decode(body, &payload); err != nil {
		return nil, err
	}

	return []Callback{{
		StepID:     payload.Data.Tags.StepID,
		CustomerID: payload.Data.Tags.CustomerID,
		TemplateID: text(payload.Data.Tags.TemplateID),
		MessageID:  payload.Data.EmailID,
		Event:      strings.TrimPrefix(payload.Type, "email."),
	}}, nil
}

type webhookCallback struct {
	StepID     string `json:"stepId"`
	CustomerID string `json:"customerId"`
	TemplateID any    `json:"templateId"`
	MessageID  string `json:"messageId"`
	Event      string `json:"event"`
}

// parseWebhook reads callbacks from the endpoint behind WebhookProvider,
// either one object or an array of them.
func parseWebhook(body []byte) ([]Callback, error) {
	var items []webhookCallback

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var item webhookCallback
		if err := decode(trimmed, &item); err != nil {
			return nil, err
		}

		items = append(items, item)
	} else if err := decode(body, &items); err != nil {
		return nil, err
	}

	callbacks := make([]Callback, 0, len(items))

	for _, item := range items {
		callbacks = append(callbacks, Callback{
			StepID:     item.StepID,
			CustomerID: item.CustomerID,
			TemplateID: text(item.TemplateID),
			MessageID:  item.MessageID,
			Event:      item.Event,
		})
	}

	return callbacks, nil
}
