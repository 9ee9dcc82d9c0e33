package app

import (
	"context"
	"slices"
	"strings"

	"github.com/hylla/changeflow/internal/domain"
)

// applyTemplate switches the work item onto another template's task graph and closes
// the copy of the running task so the new workflow does not start it again.
func (e *Engine) applyTemplate(ctx context.Context, item *domain.WorkItem, running domain.Task, effects domain.Effects) {
	name := strings.TrimSpace(effects.Template)
	if name == "" {
		return
	}
	if e.deps.Templates == nil {
		e.logger.Warn("template lookup not configured", "work_item_id", item.ID, "template", name)
		return
	}
	template, err := e.deps.Templates.FindTemplateByName(ctx, name)
	if err != nil {
		e.logger.Info("template not found, switch skipped", "work_item_id", item.ID, "template", name, "err", err)
		return
	}

	e.copier.CopyTemplate(item, template)
	for i := range item.Tasks {
		task := &item.Tasks[i]
		if task.PluginName != e.pluginName || task.Name != running.Name {
			continue
		}
		task.StartedAt = copyTimePtr(running.StartedAt)
		task.AssignedUser = running.AssignedUser
		task.Finish(e.clock())
		break
	}
	e.logger.Info("template switched", "work_item_id", item.ID, "template", template.Title, "tasks", len(item.Tasks))
}

// applyProject moves the work item to the named project. Lookup failures only log.
func (e *Engine) applyProject(ctx context.Context, item *domain.WorkItem, effects domain.Effects) {
	name := strings.TrimSpace(effects.Project)
	if name == "" {
		return
	}
	if e.deps.Projects == nil {
		e.logger.Warn("project lookup not configured", "work_item_id", item.ID, "project", name)
		return
	}
	project, err := e.deps.Projects.FindProjectByName(ctx, name)
	if err != nil {
		e.logger.Error("project lookup failed", "work_item_id", item.ID, "project", name, "err", err)
		return
	}
	item.MoveToProject(project, e.clock())
}

func (e *Engine) applyLogs(ctx context.Context, item *domain.WorkItem, effects domain.Effects) {
	for _, severity := range domain.SeverityOrder {
		for _, message := range effects.Logs[severity] {
			e.journal(ctx, item.ID, severity, message)
		}
	}
}

// applyStatus sets the status of every task named in a status bucket and then applies
// group reassignment. It reports whether runningName appeared in any status bucket.
func (e *Engine) applyStatus(ctx context.Context, item *domain.WorkItem, runningName string, effects domain.Effects) bool {
	self := false
	for _, action := range domain.StatusActions {
		status, _ := action.TargetStatus()
		for _, name := range effects.Steps[action] {
			if name == runningName {
				self = true
			}
			for i := range item.Tasks {
				if item.Tasks[i].Name == name {
					item.Tasks[i].SetStatus(status)
				}
			}
		}
	}
	e.applyGroups(ctx, item, effects)
	return self
}

// applyGroups replaces the groups of each named task; unknown group names are skipped.
func (e *Engine) applyGroups(ctx context.Context, item *domain.WorkItem, effects domain.Effects) {
	if len(effects.Groups) == 0 {
		return
	}
	taskNames := make([]string, 0, len(effects.Groups))
	for name := range effects.Groups {
		taskNames = append(taskNames, name)
	}
	slices.Sort(taskNames)

	for _, taskName := range taskNames {
		ids := make([]string, 0, len(effects.Groups[taskName]))
		for _, groupName := range effects.Groups[taskName] {
			if e.deps.Groups == nil {
				break
			}
			group, err := e.deps.Groups.FindGroupByName(ctx, groupName)
			if err != nil {
				e.logger.Debug("group not found, skipped", "work_item_id", item.ID, "task", taskName, "group", groupName)
				continue
			}
			ids = append(ids, group.ID)
		}
		for i := range item.Tasks {
			if item.Tasks[i].Name == taskName {
				item.Tasks[i].ReplaceGroups(ids)
			}
		}
	}
}

// applyPriority applies the priority buckets. A wildcard bucket, first in PriorityOrder,
// sets every task and suppresses the other buckets.
func (e *Engine) applyPriority(item *domain.WorkItem, effects domain.Effects) {
	for _, priority := range domain.PriorityOrder {
		if !slices.Contains(effects.Priorities[priority], domain.WildcardTask) {
			continue
		}
		for i := range item.Tasks {
			item.Tasks[i].Priority = priority
		}
		return
	}
	for _, priority := range domain.PriorityOrder {
		for _, name := range effects.Priorities[priority] {
			for i := range item.Tasks {
				if item.Tasks[i].Name == name {
					item.Tasks[i].Priority = priority
				}
			}
		}
	}
}

func (e *Engine) applyProperties(item *domain.WorkItem, effects domain.Effects) {
	for _, effect := range effects.Properties {
		if effect.Delete {
			item.DeleteProperty(effect.Name)
			continue
		}
		item.UpsertProperty(effect.Name, effect.Value, e.idGen())
	}
}

// TaskGraphCopier copies a template's tasks onto a work item in memory.
type TaskGraphCopier struct {
	idGen IDGenerator
}

// NewTaskGraphCopier constructs a TaskGraphCopier that stamps copied tasks with ids from idGen.
func NewTaskGraphCopier(idGen IDGenerator) *TaskGraphCopier {
	return &TaskGraphCopier{idGen: idGen}
}

// CopyTemplate replaces item's tasks with fresh copies of template's tasks and points
// item at the template.
func (c *TaskGraphCopier) CopyTemplate(item *domain.WorkItem, template domain.WorkItem) {
	tasks := make([]domain.Task, 0, len(template.Tasks))
	for _, src := range template.Tasks {
		task := src.Clone()
		task.ID = c.idGen()
		task.WorkItemID = item.ID
		task.AssignedUser = ""
		task.StartedAt = nil
		task.EndedAt = nil
		tasks = append(tasks, task)
	}
	item.Tasks = tasks
	item.TemplateID = template.ID
}

func copyTimePtr[T any](in *T) *T {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
