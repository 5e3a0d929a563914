package appeal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/6ubble/bip-backend/internal/crm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AttachmentResolver normalizes the CRM's file field, which is not
// self-describing: the same field holds a JSON-encoded array, a literal
// array, a single descriptor object, or a bare file id. All shape sniffing
// lives here so call sites never touch the raw payload.
type AttachmentResolver struct {
	gateway     Gateway
	logger      *zap.Logger
	fanoutLimit int
}

func NewAttachmentResolver(gateway Gateway, logger *zap.Logger, fanoutLimit int) *AttachmentResolver {
	if fanoutLimit < 1 {
		fanoutLimit = 1
	}
	return &AttachmentResolver{gateway: gateway, logger: logger, fanoutLimit: fanoutLimit}
}

// Resolve turns a raw file field into canonical file metadata: candidates are
// sniffed out of the payload, looked up concurrently, deduplicated by id and
// returned in first-seen order. Resolution is side-effect-free; a candidate
// that yields no id is dropped silently.
func (r *AttachmentResolver) Resolve(ctx context.Context, raw json.RawMessage) []File {
	candidates := sniffCandidates(raw)
	if len(candidates) == 0 {
		return nil
	}

	resolved := make([]*File, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanoutLimit)
	for i, candidate := range candidates {
		i, candidate := i, candidate
		g.Go(func() error {
			resolved[i] = r.resolveOne(gctx, candidate)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{}, len(resolved))
	var files []File
	for _, file := range resolved {
		if file == nil {
			continue
		}
		if _, dup := seen[file.ID]; dup {
			continue
		}
		seen[file.ID] = struct{}{}
		files = append(files, *file)
	}
	return files
}

// candidate is one sniffed file descriptor with loosely-typed inline fields.
type candidate map[string]any

func sniffCandidates(raw json.RawMessage) []candidate {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` || trimmed == "[]" {
		return nil
	}

	switch trimmed[0] {
	case '[':
		return decodeCandidateList(raw)
	case '{':
		var single candidate
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil
		}
		return []candidate{single}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		// A string is either embedded JSON or a bare file id.
		if s[0] == '[' || s[0] == '{' {
			return sniffCandidates(json.RawMessage(s))
		}
		return []candidate{{"id": s}}
	default:
		// A bare numeric id.
		var id crm.FlexString
		if err := json.Unmarshal(raw, &id); err != nil || id.IsZero() {
			return nil
		}
		return []candidate{{"id": id.String()}}
	}
}

func decodeCandidateList(raw json.RawMessage) []candidate {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var candidates []candidate
	for _, item := range items {
		trimmed := strings.TrimSpace(string(item))
		if trimmed == "" || trimmed == "null" {
			continue
		}
		if trimmed[0] == '{' {
			var c candidate
			if err := json.Unmarshal(item, &c); err == nil {
				candidates = append(candidates, c)
			}
			continue
		}
		// Arrays of bare ids occur too.
		var id crm.FlexString
		if err := json.Unmarshal(item, &id); err == nil && !id.IsZero() {
			candidates = append(candidates, candidate{"id": id.String()})
		}
	}
	return candidates
}

// field picks the first present key, tolerating the CRM's mixed casing and
// numeric ids.
func (c candidate) field(keys ...string) string {
	for _, key := range keys {
		switch value := c[key].(type) {
		case string:
			if value != "" {
				return value
			}
		case float64:
			if value == float64(int64(value)) {
				return strconv.FormatInt(int64(value), 10)
			}
			return strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	return ""
}

func (r *AttachmentResolver) resolveOne(ctx context.Context, c candidate) *File {
	id := c.field("id", "ID", "fileId", "FILE_ID")
	inline := File{
		ID:          id,
		Name:        c.field("name", "NAME"),
		URL:         c.field("url", "URL", "urlDownload", "DOWNLOAD_URL"),
		ContentType: c.field("type", "TYPE", "contentType", "CONTENT_TYPE"),
	}

	if id == "" {
		// Nothing to look up and nothing to reference; drop it.
		return nil
	}

	meta, err := r.lookup(ctx, id)
	if err != nil {
		r.logger.Debug("file lookup fell back to inline fields",
			zap.String("file_id", id), zap.Error(err))
		return &inline
	}

	if meta.Name != "" {
		inline.Name = meta.Name
	}
	if meta.URL != "" {
		inline.URL = meta.URL
	}
	if meta.ContentType != "" {
		inline.ContentType = meta.ContentType
	}
	if meta.Size > 0 {
		inline.Size = meta.Size
	}
	if meta.CreatedAt != "" {
		inline.CreatedAt = meta.CreatedAt
	}
	return &inline
}

type fileMeta struct {
	Name        string
	URL         string
	ContentType string
	Size        int64
	CreatedAt   string
}

func (r *AttachmentResolver) lookup(ctx context.Context, id string) (fileMeta, error) {
	params := url.Values{}
	params.Set("id", id)
	result, err := r.gateway.Request(ctx, "disk.file.get", params, http.MethodGet, nil)
	if err != nil {
		return fileMeta{}, err
	}

	var payload struct {
		Name        string         `json:"NAME"`
		DownloadURL string         `json:"DOWNLOAD_URL"`
		ContentType string         `json:"CONTENT_TYPE"`
		Size        crm.FlexString `json:"SIZE"`
		CreateTime  string         `json:"CREATE_TIME"`
	}
	if len(result) == 0 || string(result) == "null" {
		return fileMeta{}, crm.ErrUnavailable
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return fileMeta{}, err
	}

	meta := fileMeta{
		Name:        payload.Name,
		URL:         payload.DownloadURL,
		ContentType: payload.ContentType,
		CreatedAt:   payload.CreateTime,
	}
	if size, err := strconv.ParseInt(payload.Size.String(), 10, 64); err == nil {
		meta.Size = size
	}
	return meta, nil
}
