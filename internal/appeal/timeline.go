package appeal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Projector reconstructs an appeal's current state from its timeline. One
// ordering rule applies everywhere: ascending by status date, ties broken by
// entry id, "current" is the last entry.
type Projector struct {
	gateway      Gateway
	attachments  *AttachmentResolver
	logger       *zap.Logger
	entityTypeID int
	fanoutLimit  int
}

func NewProjector(gateway Gateway, attachments *AttachmentResolver, logger *zap.Logger, entityTypeID, fanoutLimit int) *Projector {
	if fanoutLimit < 1 {
		fanoutLimit = 1
	}
	return &Projector{
		gateway:      gateway,
		attachments:  attachments,
		logger:       logger,
		entityTypeID: entityTypeID,
		fanoutLimit:  fanoutLimit,
	}
}

// Entries fetches the appeal's full timeline in canonical order.
func (p *Projector) Entries(ctx context.Context, appealID string) ([]TimelineEntry, error) {
	body := map[string]any{
		"entityTypeId": p.entityTypeID,
		"filter":       map[string]any{"parentId2": appealID},
		"order":        map[string]any{"id": "ASC"},
		"select": []string{
			"id", fieldStatusText, fieldStatusCode, fieldStatusDate, fieldFiles,
		},
	}

	items, err := p.gateway.RequestList(ctx, "crm.item.list", nil, http.MethodPost, body)
	if err != nil {
		return nil, fmt.Errorf("fetch timeline: %w", err)
	}

	entries := make([]TimelineEntry, 0, len(items))
	for _, item := range items {
		var entry TimelineEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			p.logger.Warn("skipping malformed timeline entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ti, iok := parseStatusDate(entries[i].StatusDate)
		tj, jok := parseStatusDate(entries[j].StatusDate)
		switch {
		case iok && jok && !ti.Equal(tj):
			return ti.Before(tj)
		case iok != jok:
			// Dated entries sort after undated ones so a dated entry wins "current".
			return !iok
		default:
			return entryIDLess(entries[i].ID, entries[j].ID)
		}
	})
	return entries, nil
}

// Snapshot derives the appeal's current status, reply-eligibility and the
// current entry's attachments. An empty timeline yields an empty snapshot.
func (p *Projector) Snapshot(ctx context.Context, appealID string) (Snapshot, error) {
	entries, err := p.Entries(ctx, appealID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(entries) == 0 {
		return Snapshot{Files: []File{}}, nil
	}

	current := entries[len(entries)-1]
	files := p.attachments.Resolve(ctx, current.Files)
	if files == nil {
		files = []File{}
	}
	return Snapshot{
		Status:        current.StatusCode.String(),
		StatusDate:    current.StatusDate,
		Message:       current.StatusText.String(),
		ReplyEligible: current.StatusCode.String() == statusAwaitingCustomer,
		Files:         files,
	}, nil
}

// CanReply reports whether the appeal's current entry awaits the customer.
func (p *Projector) CanReply(ctx context.Context, appealID string) (bool, error) {
	snapshot, err := p.Snapshot(ctx, appealID)
	if err != nil {
		return false, err
	}
	return snapshot.ReplyEligible, nil
}

// HistoryFiles resolves attachments from every timeline entry and returns the
// union, deduplicated by file id in first-seen order.
func (p *Projector) HistoryFiles(ctx context.Context, appealID string) ([]File, error) {
	entries, err := p.Entries(ctx, appealID)
	if err != nil {
		return nil, err
	}

	perEntry := make([][]File, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanoutLimit)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			perEntry[i] = p.attachments.Resolve(gctx, entry.Files)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	files := []File{}
	for _, batch := range perEntry {
		for _, file := range batch {
			if _, dup := seen[file.ID]; dup {
				continue
			}
			seen[file.ID] = struct{}{}
			files = append(files, file)
		}
	}
	return files, nil
}

// LatestFiles resolves attachments from the current entry only.
func (p *Projector) LatestFiles(ctx context.Context, appealID string) ([]File, error) {
	snapshot, err := p.Snapshot(ctx, appealID)
	if err != nil {
		return nil, err
	}
	if snapshot.Files == nil {
		return []File{}, nil
	}
	return snapshot.Files, nil
}

var statusDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseStatusDate(raw string) (time.Time, bool) {
	for _, layout := range statusDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
