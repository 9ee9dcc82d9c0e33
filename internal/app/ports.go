package app

import (
	"context"
	"time"

	"github.com/hylla/changeflow/internal/domain"
)

// VariableResolver maps one symbolic variable to its current value for a work item.
// ok is false when the variable does not resolve; err is reserved for an unreadable document.
type VariableResolver interface {
	Resolve(ctx context.Context, item *domain.WorkItem, task domain.Task, variable string) (value string, ok bool, err error)
}

// DocumentReader reads one top-level metadata field from a work item's document.
type DocumentReader interface {
	MetadataField(ctx context.Context, workItemID, field string) (value string, ok bool, err error)
}

// DocumentWriter stores the metadata document of a work item.
type DocumentWriter interface {
	WriteDocument(ctx context.Context, workItemID string, fields map[string]string) error
}

// WorkItemSaver persists a work item with all of its tasks and properties.
type WorkItemSaver interface {
	SaveWorkItem(context.Context, domain.WorkItem) error
}

// TemplateFinder looks up a template work item by exact title.
type TemplateFinder interface {
	FindTemplateByName(context.Context, string) (domain.WorkItem, error)
}

// TemplateCopier replaces a work item's task graph with a copy of a template's.
type TemplateCopier interface {
	CopyTemplate(item *domain.WorkItem, template domain.WorkItem)
}

// ProjectFinder looks up a project by exact name.
type ProjectFinder interface {
	FindProjectByName(context.Context, string) (domain.Project, error)
}

// GroupFinder looks up a user group by exact name.
type GroupFinder interface {
	FindGroupByName(context.Context, string) (domain.Group, error)
}

// Journal appends entries to a work item's journal immediately.
type Journal interface {
	AppendJournal(context.Context, domain.JournalEntry) error
}

// DuplicateFinder answers the two queries behind checkDuplicates conditions.
type DuplicateFinder interface {
	WorkItemsWithMetadata(ctx context.Context, field, value string) ([]string, error)
	TaskStatuses(ctx context.Context, workItemIDs []string, taskName string) ([]domain.TaskStatus, error)
}

// Dispatcher enqueues or runs one automatic task.
type Dispatcher interface {
	Dispatch(context.Context, domain.Task) error
}

// RuleCatalog resolves the rule set configured for a project and task.
type RuleCatalog interface {
	Resolve(projectName, taskName string) (domain.RuleSet, error)
}

// RunObserver records one finished engine invocation.
type RunObserver interface {
	ObserveRun(outcome Outcome, matchedRules int, elapsed time.Duration)
}

// Repository represents the host store used by Service.
type Repository interface {
	WorkItemSaver
	TemplateFinder
	ProjectFinder
	GroupFinder
	Journal
	DuplicateFinder

	GetWorkItem(context.Context, string) (domain.WorkItem, error)
	ListWorkItems(context.Context, bool) ([]domain.WorkItem, error)
	ListJournal(context.Context, string, int) ([]domain.JournalEntry, error)
	SaveProject(context.Context, domain.Project) error
	ListProjects(context.Context) ([]domain.Project, error)
	SaveGroup(context.Context, domain.Group) error
	ListGroups(context.Context) ([]domain.Group, error)
	IndexMetadata(context.Context, string, map[string]string) error
	ListMetadata(context.Context, string) (map[string]string, error)
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time
