package ingest

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mendline/internal/domain"
)

func TestFromGeneric(t *testing.T) {
	s, err := FromGeneric([]byte(`{"type":"checkout_event","merchant_id":"m-1","title":"boom","severity":"high","content":{"code":502},"metadata":{"region":"eu"}}`))
	require.NoError(t, err)
	assert.Equal(t, "generic", s.Source)
	assert.Equal(t, "checkout_event", s.Type)
	assert.Equal(t, domain.SeverityHigh, s.Severity)
	assert.Equal(t, `{"code":502}`, s.Content)
	assert.Equal(t, "eu", s.Payload["region"])

	s, err = FromGeneric([]byte(`{"id":"sig-1","type":"api_error","source":"datadog","content":"plain text"}`))
	require.NoError(t, err)
	assert.Equal(t, "sig-1", s.ID)
	assert.Equal(t, "datadog", s.Source)
	assert.Equal(t, domain.SeverityMedium, s.Severity)
	assert.Equal(t, "plain text", s.Content)
}

func TestFromGenericRejectsMalformed(t *testing.T) {
	cases := []struct{ body, field string }{
		{``, "body"},
		{`{"type":`, "body"},
		{`{"title":"no type"}`, "type"},
		{`{"type":"x","severity":9}`, "body"},
		{`{"type":"x","severity":"apocalyptic"}`, "severity"},
		{`{"type":"` + strings.Repeat("x", 65) + `"}`, "type"},
	}
	for _, tc := range cases {
		_, err := FromGeneric([]byte(tc.body))
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr), tc.body)
		assert.Contains(t, verr.Fields, tc.field, tc.body)
	}
}

func TestFromStripe(t *testing.T) {
	s, err := FromSource("stripe", []byte(`{"id":"evt_1","type":"charge.failed","data":{"object":{"amount":100,"metadata":{"merchant_id":"acme"}}}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "stripe:evt_1", s.ID)
	assert.Equal(t, "checkout_event", s.Type)
	assert.Equal(t, domain.SeverityHigh, s.Severity)
	assert.Equal(t, "acme", s.MerchantID)

	s, err = FromSource("stripe", []byte(`{"id":"evt_2","type":"charge.succeeded","data":{"object":{}}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityMedium, s.Severity)
	assert.Empty(t, s.MerchantID)

	_, err = FromSource("stripe", []byte(`{"type":"charge.failed"}`), nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "id")
}

func TestFromShopify(t *testing.T) {
	h := http.Header{}
	h.Set("X-Shopify-Topic", "checkouts/update")
	h.Set("X-Shopify-Shop-Domain", "acme.myshopify.com")
	h.Set("X-Shopify-Webhook-Id", "wh-9")
	s, err := FromSource("shopify", []byte(`{"id":1}`), h)
	require.NoError(t, err)
	assert.Equal(t, "shopify:wh-9", s.ID)
	assert.Equal(t, "checkout_event", s.Type)
	assert.Equal(t, domain.SeverityHigh, s.Severity)
	assert.Equal(t, "acme.myshopify.com", s.MerchantID)

	h.Set("X-Shopify-Topic", "products/update")
	s, err = FromSource("shopify", []byte(`{}`), h)
	require.NoError(t, err)
	assert.Equal(t, "api_error", s.Type)
	assert.Equal(t, domain.SeverityMedium, s.Severity)

	_, err = FromSource("shopify", []byte(`{}`), http.Header{})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "topic")
}

func TestFromZendesk(t *testing.T) {
	body := `{"ticket":{"id":42,"subject":"Checkout broken","description":"` + strings.Repeat("a", 1500) + `","priority":"urgent",
"tags":["checkout"],"custom_fields":{"merchant_id":"acme"},"requester":{"email":"ops@acme.test"}}}`
	s, err := FromSource("zendesk", []byte(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "support_ticket", s.Type)
	assert.Equal(t, domain.SeverityCritical, s.Severity)
	assert.Equal(t, "acme", s.MerchantID)
	assert.Len(t, s.Content, maxDescription)
	assert.Equal(t, "42", s.Payload["ticket_id"])

	_, err = FromSource("zendesk", []byte(`{"ticket":{"id":1}}`), nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "ticket.subject")
}

func TestFromFreshdesk(t *testing.T) {
	for _, body := range []string{
		`{"freshdesk_webhook":{"ticket_id":7,"ticket_subject":"Refund stuck","company_id":99}}`,
		`{"ticket_id":7,"ticket_subject":"Refund stuck","company_id":99}`,
	} {
		s, err := FromSource("freshdesk", []byte(body), nil)
		require.NoError(t, err, body)
		assert.Equal(t, "freshdesk", s.Source)
		assert.Equal(t, "99", s.MerchantID)
		assert.Equal(t, "Refund stuck", s.Title)
	}
}

func TestUnknownSource(t *testing.T) {
	_, err := FromSource("myspace", []byte(`{}`), nil)
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, Known("myspace"))
	assert.True(t, Known("zendesk"))
}
