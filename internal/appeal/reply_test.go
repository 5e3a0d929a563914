package appeal

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
)

func TestSubmitReply(t *testing.T) {
	gateway := &fakeGateway{handle: func(operation string, params url.Values, body any) (json.RawMessage, error) {
		if operation != "crm.item.add" {
			t.Errorf("unexpected operation %s", operation)
		}
		return json.RawMessage(`{"item":{"id":987}}`), nil
	}}
	projector := newTestProjector(gateway)

	entryID, err := projector.SubmitReply(context.Background(), "4001", "  Вот уточнение  ", nil)
	if err != nil {
		t.Fatalf("SubmitReply failed: %v", err)
	}
	if entryID != "987" {
		t.Errorf("expected entry id 987, got %q", entryID)
	}

	body := gateway.calls[0].body.(map[string]any)
	fields := body["fields"].(map[string]any)
	if fields[fieldStatusText] != "Вот уточнение" {
		t.Errorf("expected trimmed message, got %q", fields[fieldStatusText])
	}
	if fields[fieldStatusCode] != statusAwaitingReview {
		t.Errorf("expected status %s, got %v", statusAwaitingReview, fields[fieldStatusCode])
	}
	if fields["parentId2"] != "4001" {
		t.Errorf("expected parentId2 4001, got %v", fields["parentId2"])
	}
	if fields[fieldStatusDate] == "" {
		t.Error("expected a status date to be stamped")
	}
}

func TestSubmitReplyWithFiles(t *testing.T) {
	gateway := &fakeGateway{handle: func(operation string, params url.Values, body any) (json.RawMessage, error) {
		return json.RawMessage(`{"item":{"id":988}}`), nil
	}}
	projector := newTestProjector(gateway)

	files := []ReplyFile{{Name: "scan.pdf", Content: "data:application/pdf;base64,aGVsbG8="}}
	if _, err := projector.SubmitReply(context.Background(), "4001", "с файлом", files); err != nil {
		t.Fatalf("SubmitReply failed: %v", err)
	}

	fields := gateway.calls[0].body.(map[string]any)["fields"].(map[string]any)
	uploads := fields[fieldFiles].([][2]string)
	if len(uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(uploads))
	}
	if uploads[0][0] != "scan.pdf" || uploads[0][1] != "aGVsbG8=" {
		t.Errorf("expected data-URL prefix stripped, got %v", uploads[0])
	}
}

func TestSubmitReplyRejectsEmptyMessage(t *testing.T) {
	gateway := &fakeGateway{handle: func(operation string, params url.Values, body any) (json.RawMessage, error) {
		t.Error("validation failure must not reach the CRM")
		return nil, nil
	}}
	projector := newTestProjector(gateway)

	_, err := projector.SubmitReply(context.Background(), "4001", "   ", nil)
	var invalid *ErrInvalidReply
	if err == nil || !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidReply, got %v", err)
	}
}

func TestSubmitReplyRejectsOverlongMessage(t *testing.T) {
	gateway := &fakeGateway{handle: func(operation string, params url.Values, body any) (json.RawMessage, error) {
		t.Error("validation failure must not reach the CRM")
		return nil, nil
	}}
	projector := newTestProjector(gateway)

	// Length is counted in runes, not bytes.
	message := strings.Repeat("ы", maxReplyLength+1)
	_, err := projector.SubmitReply(context.Background(), "4001", message, nil)
	var invalid *ErrInvalidReply
	if err == nil || !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidReply, got %v", err)
	}
}

func TestSubmitReplyAcceptsMaxLengthMessage(t *testing.T) {
	gateway := &fakeGateway{handle: func(operation string, params url.Values, body any) (json.RawMessage, error) {
		return json.RawMessage(`{"item":{"id":989}}`), nil
	}}
	projector := newTestProjector(gateway)

	message := strings.Repeat("ы", maxReplyLength)
	if _, err := projector.SubmitReply(context.Background(), "4001", message, nil); err != nil {
		t.Fatalf("expected max-length message to pass, got %v", err)
	}
}

func TestSubmitReplyNoEntryID(t *testing.T) {
	gateway := &fakeGateway{handle: func(operation string, params url.Values, body any) (json.RawMessage, error) {
		return json.RawMessage(`{"item":{}}`), nil
	}}
	projector := newTestProjector(gateway)

	if _, err := projector.SubmitReply(context.Background(), "4001", "сообщение", nil); err == nil {
		t.Error("expected error when the CRM returns no entry id")
	}
}

func TestStripContentTypePrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"data:application/pdf;base64,AAAA", "AAAA"},
		{"AAAA", "AAAA"},
		{"data:text/plain,no-base64", "data:text/plain,no-base64"},
	}
	for _, tc := range cases {
		if got := stripContentTypePrefix(tc.in); got != tc.want {
			t.Errorf("stripContentTypePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
