// Package ingest maps inbound webhook payloads onto signals.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"mendline/internal/domain"
)

// Sources lists the providers with a dedicated mapper.
var Sources = []string{"stripe", "shopify", "zendesk", "freshdesk"}

var ErrUnknownSource = errors.New("unknown webhook source")

const maxDescription = 1000

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

// Generic is the provider-neutral payload of POST /webhooks/generic.
type Generic struct {
	ID         string          `json:"id,omitempty" validate:"omitempty,max=128"`
	Type       string          `json:"type" validate:"required,max=64"`
	Source     string          `json:"source,omitempty" validate:"omitempty,max=64"`
	MerchantID string          `json:"merchant_id,omitempty" validate:"omitempty,max=128"`
	Title      string          `json:"title,omitempty" validate:"max=512"`
	Severity   string          `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Content    json.RawMessage `json:"content,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// FromGeneric decodes and validates a generic payload.
func FromGeneric(body []byte) (domain.Signal, error) {
	var g Generic
	if err := decode(body, &g); err != nil {
		return domain.Signal{}, err
	}
	return g.Signal()
}

// Signal validates g and converts it.
func (g Generic) Signal() (domain.Signal, error) {
	if err := check(g); err != nil {
		return domain.Signal{}, err
	}
	source := g.Source
	if source == "" {
		source = "generic"
	}
	severity := domain.Severity(g.Severity)
	if severity == "" {
		severity = domain.SeverityMedium
	}
	return domain.Signal{
		ID:         g.ID,
		Source:     source,
		Type:       g.Type,
		Severity:   severity,
		MerchantID: g.MerchantID,
		Title:      g.Title,
		Content:    contentString(g.Content),
		Payload:    g.Metadata,
	}, nil
}

// FromSource maps a provider webhook. Header carries provider metadata such
// as Shopify's topic.
func FromSource(source string, body []byte, header http.Header) (domain.Signal, error) {
	switch source {
	case "stripe":
		return fromStripe(body)
	case "shopify":
		return fromShopify(body, header)
	case "zendesk":
		return fromZendesk(body)
	case "freshdesk":
		return fromFreshdesk(body)
	}
	return domain.Signal{}, fmt.Errorf("%w %q: %w", ErrUnknownSource, source, domain.ErrNotFound)
}

type stripeEvent struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required"`
	Data struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

func fromStripe(body []byte) (domain.Signal, error) {
	var ev stripeEvent
	if err := decode(body, &ev); err != nil {
		return domain.Signal{}, err
	}
	if err := check(ev); err != nil {
		return domain.Signal{}, err
	}
	severity := domain.SeverityMedium
	if strings.Contains(ev.Type, "failed") || strings.Contains(ev.Type, "dispute") {
		severity = domain.SeverityHigh
	}
	merchant := ""
	if md, ok := ev.Data.Object["metadata"].(map[string]any); ok {
		merchant, _ = md["merchant_id"].(string)
	}
	return domain.Signal{
		// Stripe retries deliveries with the same event id.
		ID:         "stripe:" + ev.ID,
		Source:     "stripe",
		Type:       "checkout_event",
		Severity:   severity,
		MerchantID: merchant,
		Title:      "Stripe: " + ev.Type,
		Content:    ev.Type,
		Payload:    map[string]any{"event_id": ev.ID, "event_type": ev.Type, "object": ev.Data.Object},
	}, nil
}

type shopifyHeaders struct {
	Topic string `validate:"required"`
	Shop  string `validate:"required"`
}

func fromShopify(body []byte, header http.Header) (domain.Signal, error) {
	h := shopifyHeaders{Topic: header.Get("X-Shopify-Topic"), Shop: header.Get("X-Shopify-Shop-Domain")}
	if err := check(h); err != nil {
		return domain.Signal{}, err
	}
	var payload map[string]any
	if err := decode(body, &payload); err != nil {
		return domain.Signal{}, err
	}
	typ, severity := "api_error", domain.SeverityMedium
	if strings.Contains(h.Topic, "checkout") {
		typ = "checkout_event"
	}
	if strings.Contains(h.Topic, "checkout") || strings.Contains(h.Topic, "order") {
		severity = domain.SeverityHigh
	}
	s := domain.Signal{
		Source:     "shopify",
		Type:       typ,
		Severity:   severity,
		MerchantID: h.Shop,
		Title:      "Shopify: " + h.Topic,
		Content:    h.Topic,
		Payload:    map[string]any{"topic": h.Topic, "shop": h.Shop, "payload": payload},
	}
	if id := header.Get("X-Shopify-Webhook-Id"); id != "" {
		s.ID = "shopify:" + id
	}
	return s, nil
}

type zendeskPayload struct {
	Ticket struct {
		ID           json.Number    `json:"id" validate:"required"`
		Subject      string         `json:"subject" validate:"required"`
		Description  string         `json:"description"`
		Priority     string         `json:"priority"`
		Tags         []string       `json:"tags"`
		CustomFields map[string]any `json:"custom_fields"`
		Requester    struct {
			Email string `json:"email"`
		} `json:"requester"`
	} `json:"ticket"`
}

var zendeskSeverity = map[string]domain.Severity{
	"urgent": domain.SeverityCritical,
	"high":   domain.SeverityHigh,
	"normal": domain.SeverityMedium,
	"low":    domain.SeverityLow,
}

func fromZendesk(body []byte) (domain.Signal, error) {
	var p zendeskPayload
	if err := decode(body, &p); err != nil {
		return domain.Signal{}, err
	}
	if err := check(p); err != nil {
		return domain.Signal{}, err
	}
	t := p.Ticket
	severity, ok := zendeskSeverity[t.Priority]
	if !ok {
		severity = domain.SeverityMedium
	}
	merchant, _ := t.CustomFields["merchant_id"].(string)
	return domain.Signal{
		Source:     "zendesk",
		Type:       "support_ticket",
		Severity:   severity,
		MerchantID: merchant,
		Title:      t.Subject,
		Content:    clip(t.Description, maxDescription),
		Payload: map[string]any{
			"ticket_id":       t.ID.String(),
			"priority":        t.Priority,
			"tags":            t.Tags,
			"requester_email": t.Requester.Email,
		},
	}, nil
}

type freshdeskTicket struct {
	TicketID       json.Number `json:"ticket_id" validate:"required"`
	Subject        string      `json:"ticket_subject" validate:"required"`
	Description    string      `json:"ticket_description"`
	Status         string      `json:"ticket_status"`
	RequesterEmail string      `json:"ticket_requester_email"`
	CompanyID      json.Number `json:"company_id"`
}

func fromFreshdesk(body []byte) (domain.Signal, error) {
	var wrapped struct {
		Ticket *freshdeskTicket `json:"freshdesk_webhook"`
	}
	if err := decode(body, &wrapped); err != nil {
		return domain.Signal{}, err
	}
	t := wrapped.Ticket
	if t == nil {
		t = &freshdeskTicket{}
		if err := decode(body, t); err != nil {
			return domain.Signal{}, err
		}
	}
	if err := check(*t); err != nil {
		return domain.Signal{}, err
	}
	merchant := t.CompanyID.String()
	return domain.Signal{
		Source:     "freshdesk",
		Type:       "support_ticket",
		Severity:   domain.SeverityMedium,
		MerchantID: merchant,
		Title:      t.Subject,
		Content:    clip(t.Description, maxDescription),
		Payload: map[string]any{
			"ticket_id":       t.TicketID.String(),
			"status":          t.Status,
			"requester_email": t.RequesterEmail,
		},
	}, nil
}

func decode(body []byte, v any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &domain.ValidationError{Fields: map[string]string{"body": "required"}}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &domain.ValidationError{Fields: map[string]string{"body": "invalid json: " + err.Error()}}
	}
	return nil
}

// check runs struct validation and reports failures per json field.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &domain.ValidationError{Fields: map[string]string{"body": err.Error()}}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields[fieldName(fe.Namespace())] = msg
	}
	return &domain.ValidationError{Fields: fields}
}

// fieldName turns "zendeskPayload.ticket.subject" into "ticket.subject".
func fieldName(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

func contentString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Known reports whether source has a dedicated mapper.
func Known(source string) bool {
	return slices.Contains(Sources, source)
}
