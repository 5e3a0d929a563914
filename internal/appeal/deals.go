package appeal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/6ubble/bip-backend/internal/crm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Summary is one appeal in a listing, enriched with human-readable category
// and stage names.
type Summary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	StageID      string `json:"stage_id"`
	StageName    string `json:"stage_name"`
	Opportunity  string `json:"opportunity"`
	CreatedAt    string `json:"created_at"`
}

type dealRecord struct {
	ID          crm.FlexString `json:"ID"`
	Title       string         `json:"TITLE"`
	StageID     crm.FlexString `json:"STAGE_ID"`
	Opportunity crm.FlexString `json:"OPPORTUNITY"`
	DateCreate  string         `json:"DATE_CREATE"`
	CategoryID  crm.FlexString `json:"CATEGORY_ID"`
}

// List returns the contact's appeals, newest first. Stage and category names
// are looked up per distinct category with bounded concurrency; a failed
// lookup degrades to the raw id rather than failing the listing.
func (p *Projector) List(ctx context.Context, contactID string, onlyOpen bool) ([]Summary, error) {
	params := url.Values{}
	params.Set("filter[CONTACT_ID]", contactID)
	params.Add("select[]", "ID")
	params.Add("select[]", "TITLE")
	params.Add("select[]", "STAGE_ID")
	params.Add("select[]", "OPPORTUNITY")
	params.Add("select[]", "DATE_CREATE")
	params.Add("select[]", "CATEGORY_ID")
	params.Set("order[DATE_CREATE]", "DESC")
	if onlyOpen {
		params.Set("filter[CLOSED]", "N")
	}

	items, err := p.gateway.RequestList(ctx, "crm.deal.list", params, http.MethodGet, nil)
	if err != nil {
		return nil, fmt.Errorf("list appeals: %w", err)
	}

	deals := make([]dealRecord, 0, len(items))
	categorySet := map[string]struct{}{}
	for _, item := range items {
		var deal dealRecord
		if err := json.Unmarshal(item, &deal); err != nil {
			p.logger.Warn("skipping malformed deal", zap.Error(err))
			continue
		}
		deals = append(deals, deal)
		categorySet[deal.CategoryID.String()] = struct{}{}
	}

	categoryNames := p.categoryNames(ctx)
	stagesByCategory := p.stagesForCategories(ctx, categorySet)

	summaries := make([]Summary, 0, len(deals))
	for _, deal := range deals {
		categoryID := deal.CategoryID.String()
		stageID := deal.StageID.String()
		stageName := stageID
		if stages, ok := stagesByCategory[categoryID]; ok {
			if name, ok := stages[stageID]; ok {
				stageName = name
			}
		}
		categoryName := categoryNames[categoryID]
		if categoryName == "" {
			categoryName = categoryID
		}
		opportunity := deal.Opportunity.String()
		if opportunity == "" {
			opportunity = "0"
		}
		summaries = append(summaries, Summary{
			ID:           deal.ID.String(),
			Title:        deal.Title,
			CategoryID:   categoryID,
			CategoryName: categoryName,
			StageID:      stageID,
			StageName:    stageName,
			Opportunity:  opportunity,
			CreatedAt:    deal.DateCreate,
		})
	}
	return summaries, nil
}

// categoryNames maps category ids to display names; empty on lookup failure.
func (p *Projector) categoryNames(ctx context.Context) map[string]string {
	params := url.Values{}
	params.Set("entityTypeId", "2")
	result, err := p.gateway.Request(ctx, "crm.category.list", params, http.MethodGet, nil)
	if err != nil {
		p.logger.Warn("category lookup skipped", zap.Error(err))
		return map[string]string{}
	}

	var payload struct {
		Categories []struct {
			ID   crm.FlexString `json:"id"`
			Name string         `json:"name"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return map[string]string{}
	}
	names := make(map[string]string, len(payload.Categories))
	for _, category := range payload.Categories {
		names[category.ID.String()] = category.Name
	}
	return names
}

// stagesForCategories fans out one stage enumeration per category, capped at
// the configured concurrency so the CRM endpoint is not hammered.
func (p *Projector) stagesForCategories(ctx context.Context, categories map[string]struct{}) map[string]map[string]string {
	var mu sync.Mutex
	result := make(map[string]map[string]string, len(categories))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanoutLimit)
	for categoryID := range categories {
		categoryID := categoryID
		g.Go(func() error {
			stages, err := p.stagesForCategory(gctx, categoryID)
			if err != nil {
				p.logger.Warn("stage lookup skipped",
					zap.String("category_id", categoryID), zap.Error(err))
				return nil
			}
			mu.Lock()
			result[categoryID] = stages
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// firstStage returns the category's opening stage, relying on the CRM's
// listing order.
func (p *Projector) firstStage(ctx context.Context, categoryID string) (string, string, error) {
	params := url.Values{}
	params.Set("filter[ENTITY_ID]", "DEAL_STAGE_"+categoryID)
	items, err := p.gateway.RequestList(ctx, "crm.status.list", params, http.MethodGet, nil)
	if err != nil {
		return "", "", err
	}
	if len(items) == 0 {
		return "", "", fmt.Errorf("category %s has no stages", categoryID)
	}
	var stage struct {
		StatusID string `json:"STATUS_ID"`
		Name     string `json:"NAME"`
	}
	if err := json.Unmarshal(items[0], &stage); err != nil || stage.StatusID == "" {
		return "", "", fmt.Errorf("category %s has no usable first stage", categoryID)
	}
	return stage.StatusID, stage.Name, nil
}

func (p *Projector) stagesForCategory(ctx context.Context, categoryID string) (map[string]string, error) {
	params := url.Values{}
	params.Set("filter[ENTITY_ID]", "DEAL_STAGE_"+categoryID)
	items, err := p.gateway.RequestList(ctx, "crm.status.list", params, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}

	stages := make(map[string]string, len(items))
	for _, item := range items {
		var stage struct {
			StatusID string `json:"STATUS_ID"`
			Name     string `json:"NAME"`
		}
		if err := json.Unmarshal(item, &stage); err != nil {
			continue
		}
		stages[stage.StatusID] = stage.Name
	}
	return stages, nil
}

// CreateInput describes a new appeal.
type CreateInput struct {
	Title      string
	Comment    string
	CategoryID string
	Files      []ReplyFile
}

// Created reports the new appeal.
type Created struct {
	ID        string `json:"deal_id"`
	Title     string `json:"title"`
	StageName string `json:"stage_name"`
}

// Create opens a new appeal in the first stage of its category and attaches
// an initial activity carrying the comment, the contact's communication
// channels and any uploaded files.
func (p *Projector) Create(ctx context.Context, contactID string, input CreateInput) (Created, error) {
	firstStageID, firstStageName, err := p.firstStage(ctx, input.CategoryID)
	if err != nil {
		return Created{}, fmt.Errorf("create appeal: %w", err)
	}

	dealBody := map[string]any{
		"fields": map[string]any{
			"TITLE":       input.Title,
			"CONTACT_ID":  contactID,
			"STAGE_ID":    firstStageID,
			"CATEGORY_ID": input.CategoryID,
			"COMMENTS":    input.Comment,
			"OPPORTUNITY": "0",
			"CURRENCY_ID": "RUB",
			"OPENED":      "Y",
		},
	}
	result, err := p.gateway.Request(ctx, "crm.deal.add", nil, http.MethodPost, dealBody)
	if err != nil {
		return Created{}, fmt.Errorf("create appeal: %w", err)
	}
	var dealID crm.FlexString
	if err := json.Unmarshal(result, &dealID); err != nil || dealID.IsZero() {
		return Created{}, fmt.Errorf("create appeal: no deal id returned")
	}

	activity := map[string]any{
		"OWNER_TYPE_ID": 2,
		"OWNER_ID":      dealID.String(),
		"TYPE_ID":       4,
		"SUBJECT":       "Создано обращение",
		"DESCRIPTION":   input.Comment,
		"COMPLETED":     "Y",
		"AUTHOR_ID":     contactID,
	}
	if communications := p.contactCommunications(ctx, contactID); len(communications) > 0 {
		activity["COMMUNICATIONS"] = communications
	}
	if len(input.Files) > 0 {
		uploads := make([]map[string]any, 0, len(input.Files))
		for _, file := range input.Files {
			uploads = append(uploads, map[string]any{
				"fileData": [2]string{file.Name, stripContentTypePrefix(file.Content)},
			})
		}
		activity["FILES"] = uploads
	}
	if _, err := p.gateway.Request(ctx, "crm.activity.add", nil, http.MethodPost, map[string]any{"fields": activity}); err != nil {
		// The deal exists; a lost initial activity is logged, not fatal.
		p.logger.Warn("initial activity not recorded",
			zap.String("deal_id", dealID.String()), zap.Error(err))
	}

	return Created{ID: dealID.String(), Title: input.Title, StageName: firstStageName}, nil
}

// contactCommunications collects the contact's phone and email channels for
// activity records; empty on any failure.
func (p *Projector) contactCommunications(ctx context.Context, contactID string) []map[string]string {
	params := url.Values{}
	params.Set("ID", contactID)
	result, err := p.gateway.Request(ctx, "crm.contact.get", params, http.MethodGet, nil)
	if err != nil || len(result) == 0 || string(result) == "null" {
		return nil
	}

	var contact struct {
		Phones []struct {
			Value string `json:"VALUE"`
		} `json:"PHONE"`
		Emails []struct {
			Value string `json:"VALUE"`
		} `json:"EMAIL"`
	}
	if err := json.Unmarshal(result, &contact); err != nil {
		return nil
	}

	var communications []map[string]string
	for _, phone := range contact.Phones {
		if phone.Value != "" {
			communications = append(communications, map[string]string{"TYPE": "PHONE", "VALUE": phone.Value})
		}
	}
	for _, email := range contact.Emails {
		if email.Value != "" {
			communications = append(communications, map[string]string{"TYPE": "EMAIL", "VALUE": email.Value})
		}
	}
	return communications
}

// FileContent fetches a CRM disk file's metadata and raw bytes for download
// passthrough.
func (p *Projector) FileContent(ctx context.Context, fileID string) (File, []byte, error) {
	meta, err := p.attachments.lookup(ctx, fileID)
	if err != nil {
		return File{}, nil, fmt.Errorf("file %s: %w", fileID, err)
	}

	params := url.Values{}
	params.Set("id", fileID)
	result, err := p.gateway.Request(ctx, "disk.file.getcontent", params, http.MethodGet, nil)
	if err != nil {
		return File{}, nil, fmt.Errorf("file %s content: %w", fileID, err)
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		// Some deployments return the bytes unencoded.
		return fileFromMeta(fileID, meta), result, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return fileFromMeta(fileID, meta), decoded, nil
	}
	return fileFromMeta(fileID, meta), []byte(encoded), nil
}

func fileFromMeta(id string, meta fileMeta) File {
	return File{
		ID:          id,
		Name:        meta.Name,
		URL:         meta.URL,
		ContentType: meta.ContentType,
		Size:        meta.Size,
		CreatedAt:   meta.CreatedAt,
	}
}
