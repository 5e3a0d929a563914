// Package identity finds existing CRM contacts for a phone/email pair so
// registration can link instead of duplicating them.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/6ubble/bip-backend/internal/crm"
	"go.uber.org/zap"
)

type Gateway interface {
	RequestList(ctx context.Context, operation string, params url.Values, verb string, body any) ([]json.RawMessage, error)
}

type Resolver struct {
	gateway Gateway
	logger  *zap.Logger
}

func NewResolver(gateway Gateway, logger *zap.Logger) *Resolver {
	return &Resolver{gateway: gateway, logger: logger}
}

type contactRecord struct {
	ID     crm.FlexString `json:"ID"`
	Phones []valueField   `json:"PHONE"`
	Emails []valueField   `json:"EMAIL"`
}

type valueField struct {
	Value string `json:"VALUE"`
}

// Resolve returns the id of an existing CRM contact matching the email or
// normalized phone, preferring a contact that matches both. It returns "" on
// no match and on CRM unavailability: resolution failure is never fatal to
// registration.
func (r *Resolver) Resolve(ctx context.Context, email, phone string) string {
	normalized := NormalizePhone(phone)

	params := url.Values{}
	params.Set("filter[PHONE]", normalized)
	params.Set("filter[EMAIL]", email)
	params.Add("select[]", "ID")
	params.Add("select[]", "PHONE")
	params.Add("select[]", "EMAIL")

	items, err := r.gateway.RequestList(ctx, "crm.contact.list", params, http.MethodGet, nil)
	if err != nil {
		r.logger.Warn("contact resolution skipped", zap.Error(err))
		return ""
	}

	var partial string
	for _, item := range items {
		var contact contactRecord
		if err := json.Unmarshal(item, &contact); err != nil || contact.ID.IsZero() {
			continue
		}

		emailMatch := false
		for _, e := range contact.Emails {
			if strings.EqualFold(e.Value, email) {
				emailMatch = true
				break
			}
		}
		phoneMatch := false
		for _, p := range contact.Phones {
			if p.Value == normalized {
				phoneMatch = true
				break
			}
		}

		if emailMatch && phoneMatch {
			return contact.ID.String()
		}
		// Several contacts can partially match; the first one in CRM listing
		// order wins, which keeps resolution deterministic.
		if (emailMatch || phoneMatch) && partial == "" {
			partial = contact.ID.String()
		}
	}
	return partial
}
