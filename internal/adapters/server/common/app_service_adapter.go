package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/changeflow/internal/app"
	"github.com/hylla/changeflow/internal/domain"
	"github.com/hylla/changeflow/internal/rules"
)

// Pinger reports whether one backing store answers.
type Pinger interface {
	Ping(context.Context) error
}

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service *app.Service
	pingers []Pinger
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
// pingers are consulted by Ready.
func NewAppServiceAdapter(service *app.Service, pingers ...Pinger) *AppServiceAdapter {
	return &AppServiceAdapter{service: service, pingers: pingers}
}

// RunStep runs one engine pass through the app service.
func (a *AppServiceAdapter) RunStep(ctx context.Context, in RunStepRequest) (RunStepResult, error) {
	if a == nil || a.service == nil {
		return RunStepResult{}, fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	req := RunStepRequest{
		WorkItemID: strings.TrimSpace(in.WorkItemID),
		TaskName:   strings.TrimSpace(in.TaskName),
	}
	if req.WorkItemID == "" || req.TaskName == "" {
		return RunStepResult{}, fmt.Errorf("work_item_id and task_name are required: %w", ErrInvalidRequest)
	}

	res, err := a.service.RunStep(ctx, req.WorkItemID, req.TaskName)
	out := RunStepResult{
		WorkItemID:   req.WorkItemID,
		TaskName:     req.TaskName,
		Outcome:      string(res.Outcome),
		MatchedRules: append([]int{}, res.MatchedRules...),
		SelfChanged:  res.SelfChanged,
		Dispatched:   append([]string(nil), res.Dispatched...),
	}
	if err != nil {
		return out, mapAppError("run step", err)
	}
	return out, nil
}

// GetWorkItem returns the view of one stored work item.
func (a *AppServiceAdapter) GetWorkItem(ctx context.Context, workItemID string) (WorkItem, error) {
	if a == nil || a.service == nil {
		return WorkItem{}, fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	item, err := a.service.GetWorkItem(ctx, workItemID)
	if err != nil {
		return WorkItem{}, mapAppError("get work item", err)
	}
	return convertWorkItem(item), nil
}

// ListJournal lists journal entries of one work item, newest first.
func (a *AppServiceAdapter) ListJournal(ctx context.Context, in ListJournalRequest) ([]JournalEntry, error) {
	if a == nil || a.service == nil {
		return nil, fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	if in.Limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0: %w", ErrInvalidRequest)
	}
	entries, err := a.service.ListJournal(ctx, in.WorkItemID, in.Limit)
	if err != nil {
		return nil, mapAppError("list journal", err)
	}
	out := make([]JournalEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, convertJournalEntry(entry))
	}
	return out, nil
}

// AddJournalEntry appends one journal entry to a work item.
func (a *AppServiceAdapter) AddJournalEntry(ctx context.Context, in AddJournalEntryRequest) (JournalEntry, error) {
	if a == nil || a.service == nil {
		return JournalEntry{}, fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	if strings.TrimSpace(in.Message) == "" {
		return JournalEntry{}, fmt.Errorf("message is required: %w", ErrInvalidRequest)
	}
	severity := in.Severity
	if strings.TrimSpace(severity) == "" {
		severity = string(domain.SeverityUser)
	}
	entry, err := a.service.AddJournalEntry(ctx, in.WorkItemID, domain.Severity(severity), in.Message, in.Source)
	if err != nil {
		return JournalEntry{}, mapAppError("add journal entry", err)
	}
	return convertJournalEntry(entry), nil
}

// Ready pings every configured backing store.
func (a *AppServiceAdapter) Ready(ctx context.Context) error {
	if a == nil || a.service == nil {
		return ErrUnavailable
	}
	for _, p := range a.pingers {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return errors.Join(ErrUnavailable, err)
		}
	}
	return nil
}

// mapAppError maps app and domain errors onto transport-facing sentinels.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, app.ErrNotFound), errors.Is(err, app.ErrTaskNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, rules.ErrNoRuleConfig):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNoRuleConfig, err))
	case errors.Is(err, app.ErrMalformedRule):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrMalformedRule, err))
	case errors.Is(err, app.ErrDocumentUnreadable):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrDocumentUnreadable, err))
	case errors.Is(err, app.ErrPersistFailed):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrPersistFailed, err))
	case errors.Is(err, app.ErrRuleCatalogMissing):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
	case errors.Is(err, app.ErrInvalidInvocation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidSeverity):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}

func convertWorkItem(item domain.WorkItem) WorkItem {
	out := WorkItem{
		ID:          item.ID,
		Title:       item.Title,
		ProjectID:   item.ProjectID,
		ProjectName: item.ProjectName,
		TemplateID:  item.TemplateID,
		IsTemplate:  item.IsTemplate,
		Tasks:       make([]Task, 0, len(item.Tasks)),
		Properties:  make([]Property, 0, len(item.Properties)),
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
	for _, t := range item.Tasks {
		out.Tasks = append(out.Tasks, Task{
			ID:           t.ID,
			Name:         t.Name,
			Position:     t.Position,
			Status:       t.Status.String(),
			Priority:     int(t.Priority),
			Groups:       append([]string(nil), t.Groups...),
			PluginName:   t.PluginName,
			AssignedUser: t.AssignedUser,
			Automatic:    t.Automatic,
			StartedAt:    t.StartedAt,
			EndedAt:      t.EndedAt,
		})
	}
	for _, p := range item.Properties {
		out.Properties = append(out.Properties, Property{Name: p.Name, Value: p.Value})
	}
	return out
}

func convertJournalEntry(entry domain.JournalEntry) JournalEntry {
	return JournalEntry{
		ID:         entry.ID,
		WorkItemID: entry.WorkItemID,
		Severity:   string(entry.Severity),
		Message:    entry.Message,
		Source:     entry.Source,
		CreatedAt:  entry.CreatedAt,
	}
}
