package register

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/6ubble/bip-backend/internal/crm"
)

type ContactFields struct {
	FirstName         string
	SecondName        string
	LastName          string
	Birthdate         string
	Phone             string
	Email             string
	ExternalCompanyID string
}

type CompanyFields struct {
	Title string
	Phone string
	Email string
}

type Gateway interface {
	Request(ctx context.Context, operation string, params url.Values, verb string, body any) (json.RawMessage, error)
}

// CRMMirror writes contact, company and requisite records to the CRM.
type CRMMirror struct {
	gateway Gateway
}

func NewCRMMirror(gateway Gateway) *CRMMirror {
	return &CRMMirror{gateway: gateway}
}

func (m *CRMMirror) CreateContact(ctx context.Context, contact ContactFields) (string, error) {
	fields := map[string]any{
		"NAME":        contact.FirstName,
		"SECOND_NAME": contact.SecondName,
		"LAST_NAME":   contact.LastName,
		"PHONE":       []map[string]string{{"VALUE": contact.Phone, "VALUE_TYPE": "WORK"}},
		"EMAIL":       []map[string]string{{"VALUE": contact.Email, "VALUE_TYPE": "WORK"}},
	}
	if contact.Birthdate != "" {
		fields["BIRTHDATE"] = contact.Birthdate
	}
	if contact.ExternalCompanyID != "" {
		fields["COMPANY_ID"] = contact.ExternalCompanyID
	}
	return m.add(ctx, "crm.contact.add", fields)
}

func (m *CRMMirror) CreateCompany(ctx context.Context, company CompanyFields) (string, error) {
	fields := map[string]any{
		"TITLE": company.Title,
		"PHONE": []map[string]string{{"VALUE": company.Phone, "VALUE_TYPE": "WORK"}},
		"EMAIL": []map[string]string{{"VALUE": company.Email, "VALUE_TYPE": "WORK"}},
	}
	return m.add(ctx, "crm.company.add", fields)
}

func (m *CRMMirror) CreateRequisite(ctx context.Context, externalCompanyID, taxID, companyName string) (string, error) {
	fields := map[string]any{
		"ENTITY_TYPE_ID":       "4",
		"ENTITY_ID":            externalCompanyID,
		"PRESET_ID":            "1",
		"NAME":                 "Реквизиты " + companyName,
		"ACTIVE":               "Y",
		"RQ_INN":               taxID,
		"RQ_COMPANY_NAME":      companyName,
		"RQ_COMPANY_FULL_NAME": companyName,
	}
	return m.add(ctx, "crm.requisite.add", fields)
}

func (m *CRMMirror) add(ctx context.Context, operation string, fields map[string]any) (string, error) {
	result, err := m.gateway.Request(ctx, operation, nil, http.MethodPost, map[string]any{"fields": fields})
	if err != nil {
		return "", err
	}
	var id crm.FlexString
	if err := json.Unmarshal(result, &id); err != nil || id.IsZero() {
		return "", fmt.Errorf("%s: no id returned", operation)
	}
	return id.String(), nil
}
