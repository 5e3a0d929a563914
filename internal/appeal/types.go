// Package appeal projects read models out of the CRM's append-only appeal
// timelines and submits customer replies back into them.
package appeal

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/6ubble/bip-backend/internal/crm"
)

// Timeline entries live in a CRM smart-process entity. The CRM owns these
// field codes; they are configuration, not semantics.
const (
	fieldStatusText = "ufCrm19_1756702291"
	fieldStatusCode = "ufCrm19_1756701977"
	fieldStatusDate = "ufCrm19_1756702224"
	fieldFiles      = "ufCrm19_1757303943"
)

const (
	// statusAwaitingCustomer is the one status in which the customer may reply.
	statusAwaitingCustomer = "151"
	// statusAwaitingReview is written on every submitted reply.
	statusAwaitingReview = "152"
)

// crmOffsetSeconds fixes the UTC offset reply timestamps are rendered in.
// The CRM interprets bare timestamps in its own zone (UTC+3); this is its
// convention, not a precision guarantee.
const crmOffsetSeconds = 3 * 60 * 60

type Gateway interface {
	Request(ctx context.Context, operation string, params url.Values, verb string, body any) (json.RawMessage, error)
	RequestList(ctx context.Context, operation string, params url.Values, verb string, body any) ([]json.RawMessage, error)
}

// TimelineEntry is one status update in an appeal's history, as the CRM
// returns it. Entries are append-only and read-only from this side.
type TimelineEntry struct {
	ID         crm.FlexString  `json:"id"`
	StatusText crm.FlexString  `json:"ufCrm19_1756702291"`
	StatusCode crm.FlexString  `json:"ufCrm19_1756701977"`
	StatusDate string          `json:"ufCrm19_1756702224"`
	Files      json.RawMessage `json:"ufCrm19_1757303943"`
}

// Snapshot is the derived current state of an appeal.
type Snapshot struct {
	Status        string `json:"status"`
	StatusDate    string `json:"status_date"`
	Message       string `json:"message"`
	ReplyEligible bool   `json:"reply_eligible"`
	Files         []File `json:"files"`
}

// File is canonical attachment metadata after resolution.
type File struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ReplyFile is one uploaded file on a customer reply.
type ReplyFile struct {
	Name    string `json:"name"`
	Content string `json:"base64"`
}

func entryIDLess(a, b crm.FlexString) bool {
	ai, aerr := strconv.ParseInt(a.String(), 10, 64)
	bi, berr := strconv.ParseInt(b.String(), 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a.String() < b.String()
}
