// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrNoRuleConfig reports that no rule block covers the requested project and task.
var ErrNoRuleConfig = errors.New("no rule configuration")

// ErrMalformedRule reports a configured rule that cannot be evaluated.
var ErrMalformedRule = errors.New("malformed rule")

// ErrDocumentUnreadable reports a metadata document that could not be read.
var ErrDocumentUnreadable = errors.New("metadata document unreadable")

// ErrPersistFailed reports that matched changes could not be saved.
var ErrPersistFailed = errors.New("persist failed")

// ErrUnavailable reports a backing service that is not configured.
var ErrUnavailable = errors.New("service unavailable")

// RunStepRequest asks the engine to evaluate the rules of one running task.
type RunStepRequest struct {
	WorkItemID string `json:"work_item_id"`
	TaskName   string `json:"task_name"`
}

// RunStepResult reports the outcome of one engine invocation.
type RunStepResult struct {
	WorkItemID   string   `json:"work_item_id"`
	TaskName     string   `json:"task_name"`
	Outcome      string   `json:"outcome"`
	MatchedRules []int    `json:"matched_rules"`
	SelfChanged  bool     `json:"self_changed"`
	Dispatched   []string `json:"dispatched,omitempty"`
}

// Task is one task row inside a work item view.
type Task struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Position     int        `json:"position"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	Groups       []string   `json:"groups,omitempty"`
	PluginName   string     `json:"plugin_name,omitempty"`
	AssignedUser string     `json:"assigned_user,omitempty"`
	Automatic    bool       `json:"automatic"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Property is one work-item property in a view.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WorkItem is the transport view of a work item and everything it owns.
type WorkItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	ProjectID   string     `json:"project_id"`
	ProjectName string     `json:"project_name"`
	TemplateID  string     `json:"template_id,omitempty"`
	IsTemplate  bool       `json:"is_template"`
	Tasks       []Task     `json:"tasks"`
	Properties  []Property `json:"properties"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JournalEntry is one journal record in a view.
type JournalEntry struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListJournalRequest selects journal entries of one work item.
type ListJournalRequest struct {
	WorkItemID string
	Limit      int
}

// AddJournalEntryRequest appends one operator-authored journal entry.
type AddJournalEntryRequest struct {
	WorkItemID string `json:"-"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Source     string `json:"source,omitempty"`
}

// WorkflowService is the application surface exposed over HTTP and MCP.
type WorkflowService interface {
	RunStep(context.Context, RunStepRequest) (RunStepResult, error)
	GetWorkItem(context.Context, string) (WorkItem, error)
	ListJournal(context.Context, ListJournalRequest) ([]JournalEntry, error)
	AddJournalEntry(context.Context, AddJournalEntryRequest) (JournalEntry, error)
}

// ReadinessChecker reports whether backing stores answer.
type ReadinessChecker interface {
	Ready(context.Context) error
}
