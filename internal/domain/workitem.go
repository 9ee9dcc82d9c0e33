package domain

import (
	"strings"
	"time"
)

// WorkItem is one document-processing job together with its owned tasks and properties.
type WorkItem struct {
	ID          string
	Title       string
	ProjectID   string
	ProjectName string
	TemplateID  string
	IsTemplate  bool
	Tasks       []Task
	Properties  []Property
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Property is one named string attribute attached to a work item.
type Property struct {
	ID         string
	WorkItemID string
	Name       string
	Value      string
}

// WorkItemInput holds input values for NewWorkItem.
type WorkItemInput struct {
	ID         string
	Title      string
	ProjectID  string
	TemplateID string
	IsTemplate bool
}

// NewWorkItem constructs a work item without tasks or properties.
func NewWorkItem(in WorkItemInput, now time.Time) (WorkItem, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Title = strings.TrimSpace(in.Title)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.TemplateID = strings.TrimSpace(in.TemplateID)
	if in.ID == "" || in.ProjectID == "" {
		return WorkItem{}, ErrInvalidID
	}
	if in.Title == "" {
		return WorkItem{}, ErrInvalidTitle
	}
	return WorkItem{
		ID:         in.ID,
		Title:      in.Title,
		ProjectID:  in.ProjectID,
		TemplateID: in.TemplateID,
		IsTemplate: in.IsTemplate,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}, nil
}

// AddTask appends a task, keeping task names unique within the work item.
func (w *WorkItem) AddTask(task Task) error {
	if w.TaskByName(task.Name) != nil {
		return ErrDuplicateTask
	}
	task.WorkItemID = w.ID
	w.Tasks = append(w.Tasks, task)
	return nil
}

// TaskByName returns the first task whose name matches exactly, or nil.
func (w *WorkItem) TaskByName(name string) *Task {
	for i := range w.Tasks {
		if w.Tasks[i].Name == name {
			return &w.Tasks[i]
		}
	}
	return nil
}

// PropertyByName returns the first property whose name matches exactly, or nil.
func (w *WorkItem) PropertyByName(name string) *Property {
	for i := range w.Properties {
		if w.Properties[i].Name == name {
			return &w.Properties[i]
		}
	}
	return nil
}

// UpsertProperty overwrites the first property named name in place or appends a new one with id.
func (w *WorkItem) UpsertProperty(name, value, id string) {
	if p := w.PropertyByName(name); p != nil {
		p.Value = value
		p.WorkItemID = w.ID
		return
	}
	w.Properties = append(w.Properties, Property{
		ID:         id,
		WorkItemID: w.ID,
		Name:       name,
		Value:      value,
	})
}

// DeleteProperty removes the first property named name and reports whether one was removed.
func (w *WorkItem) DeleteProperty(name string) bool {
	for i := range w.Properties {
		if w.Properties[i].Name == name {
			w.Properties = append(w.Properties[:i], w.Properties[i+1:]...)
			return true
		}
	}
	return false
}

// MoveToProject reassigns the work item's project reference.
func (w *WorkItem) MoveToProject(project Project, now time.Time) {
	w.ProjectID = project.ID
	w.ProjectName = project.Name
	w.UpdatedAt = now.UTC()
}

// Touch stamps the update time.
func (w *WorkItem) Touch(now time.Time) {
	w.UpdatedAt = now.UTC()
}

// Clone returns a deep copy of w.
func (w WorkItem) Clone() WorkItem {
	out := w
	out.Tasks = make([]Task, 0, len(w.Tasks))
	for _, task := range w.Tasks {
		out.Tasks = append(out.Tasks, task.Clone())
	}
	out.Properties = append([]Property(nil), w.Properties...)
	return out
}
