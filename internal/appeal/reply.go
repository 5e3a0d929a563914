package appeal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const maxReplyLength = 1500

// ErrInvalidReply rejects a reply before any CRM call is issued.
type ErrInvalidReply struct{ Reason string }

func (e *ErrInvalidReply) Error() string { return "invalid reply: " + e.Reason }

var crmZone = time.FixedZone("CRM", crmOffsetSeconds)

// ValidateReply checks a reply message without touching the CRM and returns
// the trimmed form. Callers run it first so an invalid message costs no
// remote call.
func ValidateReply(message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", &ErrInvalidReply{Reason: "message is required"}
	}
	if utf8.RuneCountInString(message) > maxReplyLength {
		return "", &ErrInvalidReply{Reason: fmt.Sprintf("message exceeds %d characters", maxReplyLength)}
	}
	return message, nil
}

// SubmitReply appends one timeline entry carrying the customer's message and
// files, stamped with the awaiting-review status. Prior entries are never
// touched.
func (p *Projector) SubmitReply(ctx context.Context, appealID, message string, files []ReplyFile) (string, error) {
	message, err := ValidateReply(message)
	if err != nil {
		return "", err
	}

	fields := map[string]any{
		"parentId2":     appealID,
		fieldStatusText: message,
		fieldStatusCode: statusAwaitingReview,
		fieldStatusDate: time.Now().In(crmZone).Format("2006-01-02T15:04:05-07:00"),
	}

	if len(files) > 0 {
		uploads := make([][2]string, 0, len(files))
		for _, file := range files {
			uploads = append(uploads, [2]string{file.Name, stripContentTypePrefix(file.Content)})
		}
		fields[fieldFiles] = uploads
	}

	body := map[string]any{
		"entityTypeId": p.entityTypeID,
		"fields":       fields,
	}

	result, err := p.gateway.Request(ctx, "crm.item.add", nil, http.MethodPost, body)
	if err != nil {
		return "", fmt.Errorf("submit reply: %w", err)
	}

	var created struct {
		Item struct {
			ID json.Number `json:"id"`
		} `json:"item"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return "", fmt.Errorf("decode reply result: %w", err)
	}
	if created.Item.ID.String() == "" {
		return "", fmt.Errorf("submit reply: no entry id returned")
	}

	p.logger.Info("reply submitted",
		zap.String("appeal_id", appealID),
		zap.String("entry_id", created.Item.ID.String()),
		zap.Int("file_count", len(files)),
	)
	return created.Item.ID.String(), nil
}

// stripContentTypePrefix removes a data-URL prefix ("data:...;base64,") so
// only the raw base64 payload is transmitted.
func stripContentTypePrefix(content string) string {
	if !strings.HasPrefix(content, "data:") {
		return content
	}
	if idx := strings.Index(content, "base64,"); idx >= 0 {
		return content[idx+len("base64,"):]
	}
	return content
}
