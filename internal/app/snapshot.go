package app

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/hylla/changeflow/internal/domain"
)

// SnapshotVersion defines a package constant value.
const SnapshotVersion = "changeflow.snapshot.v1"

// Snapshot represents snapshot data used by this package.
type Snapshot struct {
	Version    string             `json:"version"`
	ExportedAt time.Time          `json:"exported_at"`
	Projects   []SnapshotProject  `json:"projects"`
	Groups     []SnapshotGroup    `json:"groups,omitempty"`
	WorkItems  []SnapshotWorkItem `json:"work_items"`
}

// SnapshotProject represents snapshot project data used by this package.
type SnapshotProject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotGroup represents one user group in a snapshot.
type SnapshotGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SnapshotWorkItem represents one work item or template with its tasks, properties and metadata.
type SnapshotWorkItem struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	ProjectID  string             `json:"project_id"`
	TemplateID string             `json:"template_id,omitempty"`
	IsTemplate bool               `json:"is_template,omitempty"`
	Tasks      []SnapshotTask     `json:"tasks"`
	Properties []SnapshotProperty `json:"properties,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// SnapshotTask represents snapshot task data used by this package.
type SnapshotTask struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Position     int             `json:"position"`
	Status       string          `json:"status"`
	Priority     domain.Priority `json:"priority"`
	Groups       []string        `json:"groups,omitempty"`
	PluginName   string          `json:"plugin_name,omitempty"`
	AssignedUser string          `json:"assigned_user,omitempty"`
	Automatic    bool            `json:"automatic,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

// SnapshotProperty represents one work-item property in a snapshot.
type SnapshotProperty struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ExportSnapshot handles export snapshot.
func (s *Service) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	groups, err := s.repo.ListGroups(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	items, err := s.repo.ListWorkItems(ctx, true)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: s.clock().UTC(),
		Projects:   make([]SnapshotProject, 0, len(projects)),
		Groups:     make([]SnapshotGroup, 0, len(groups)),
		WorkItems:  make([]SnapshotWorkItem, 0, len(items)),
	}
	for _, project := range projects {
		snap.Projects = append(snap.Projects, SnapshotProject{ID: project.ID, Name: project.Name, CreatedAt: project.CreatedAt})
	}
	for _, group := range groups {
		snap.Groups = append(snap.Groups, SnapshotGroup{ID: group.ID, Name: group.Name})
	}
	for _, item := range items {
		metadata, listErr := s.repo.ListMetadata(ctx, item.ID)
		if listErr != nil {
			return Snapshot{}, listErr
		}
		snap.WorkItems = append(snap.WorkItems, snapshotWorkItemFromDomain(item, metadata))
	}

	snap.sort()
	return snap, nil
}

// ImportSnapshot handles import snapshot.
func (s *Service) ImportSnapshot(ctx context.Context, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	snap.sort()

	for _, project := range snap.Projects {
		createdAt := project.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.clock()
		}
		dp, err := domain.NewProject(project.ID, project.Name, createdAt)
		if err != nil {
			return fmt.Errorf("%w: project %q: %w", ErrInvalidSnapshot, project.ID, err)
		}
		if err := s.repo.SaveProject(ctx, dp); err != nil {
			return err
		}
	}
	for _, group := range snap.Groups {
		dg, err := domain.NewGroup(group.ID, group.Name)
		if err != nil {
			return fmt.Errorf("%w: group %q: %w", ErrInvalidSnapshot, group.ID, err)
		}
		if err := s.repo.SaveGroup(ctx, dg); err != nil {
			return err
		}
	}
	for _, item := range snap.WorkItems {
		di, err := item.toDomain(s.clock())
		if err != nil {
			return err
		}
		if err := s.repo.SaveWorkItem(ctx, di); err != nil {
			return err
		}
		// Every imported item gets a document and a fresh index, even with no metadata,
		// so re-imports drop stale fields.
		fields := item.Metadata
		if fields == nil {
			fields = map[string]string{}
		}
		if s.documents != nil {
			if err := s.documents.WriteDocument(ctx, di.ID, fields); err != nil {
				return err
			}
		}
		if err := s.repo.IndexMetadata(ctx, di.ID, fields); err != nil {
			return err
		}
	}
	s.logger.Info("snapshot imported", "projects", len(snap.Projects), "groups", len(snap.Groups), "work_items", len(snap.WorkItems))
	return nil
}

// Validate validates the requested operation.
func (s *Snapshot) Validate() error {
	if s.Version != "" && s.Version != SnapshotVersion {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, s.Version)
	}

	projectIDs := map[string]struct{}{}
	for i, p := range s.Projects {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: projects[%d].id is required", ErrInvalidSnapshot, i)
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: projects[%d].name is required", ErrInvalidSnapshot, i)
		}
		if _, exists := projectIDs[p.ID]; exists {
			return fmt.Errorf("%w: duplicate project id %q", ErrInvalidSnapshot, p.ID)
		}
		projectIDs[p.ID] = struct{}{}
	}

	groupIDs := map[string]struct{}{}
	for i, g := range s.Groups {
		if strings.TrimSpace(g.ID) == "" || strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("%w: groups[%d] id and name are required", ErrInvalidSnapshot, i)
		}
		if _, exists := groupIDs[g.ID]; exists {
			return fmt.Errorf("%w: duplicate group id %q", ErrInvalidSnapshot, g.ID)
		}
		groupIDs[g.ID] = struct{}{}
	}

	itemIDs := map[string]struct{}{}
	for i, w := range s.WorkItems {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("%w: work_items[%d].id is required", ErrInvalidSnapshot, i)
		}
		if _, exists := itemIDs[w.ID]; exists {
			return fmt.Errorf("%w: duplicate work item id %q", ErrInvalidSnapshot, w.ID)
		}
		itemIDs[w.ID] = struct{}{}
		if _, ok := projectIDs[w.ProjectID]; !ok {
			return fmt.Errorf("%w: work_items[%d] references unknown project_id %q", ErrInvalidSnapshot, i, w.ProjectID)
		}
		taskNames := map[string]struct{}{}
		for j, t := range w.Tasks {
			if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Name) == "" {
				return fmt.Errorf("%w: work_items[%d].tasks[%d] id and name are required", ErrInvalidSnapshot, i, j)
			}
			if _, exists := taskNames[t.Name]; exists {
				return fmt.Errorf("%w: work_items[%d] has duplicate task name %q", ErrInvalidSnapshot, i, t.Name)
			}
			taskNames[t.Name] = struct{}{}
			if _, err := domain.ParseTaskStatus(t.Status); err != nil {
				return fmt.Errorf("%w: work_items[%d].tasks[%d]: %w", ErrInvalidSnapshot, i, j, err)
			}
			if !t.Priority.IsValid() {
				return fmt.Errorf("%w: work_items[%d].tasks[%d] priority %d", ErrInvalidSnapshot, i, j, t.Priority)
			}
			for _, groupID := range t.Groups {
				if _, ok := groupIDs[groupID]; !ok {
					return fmt.Errorf("%w: work_items[%d].tasks[%d] references unknown group %q", ErrInvalidSnapshot, i, j, groupID)
				}
			}
		}
	}
	for i, w := range s.WorkItems {
		if w.TemplateID == "" {
			continue
		}
		if _, ok := itemIDs[w.TemplateID]; !ok {
			return fmt.Errorf("%w: work_items[%d] references unknown template_id %q", ErrInvalidSnapshot, i, w.TemplateID)
		}
	}
	return nil
}

// sort orders templates before work items so template references resolve on import.
func (s *Snapshot) sort() {
	sort.Slice(s.Projects, func(i, j int) bool {
		return s.Projects[i].ID < s.Projects[j].ID
	})
	sort.Slice(s.Groups, func(i, j int) bool {
		return s.Groups[i].ID < s.Groups[j].ID
	})
	sort.SliceStable(s.WorkItems, func(i, j int) bool {
		a := s.WorkItems[i]
		b := s.WorkItems[j]
		if a.IsTemplate != b.IsTemplate {
			return a.IsTemplate
		}
		return a.ID < b.ID
	})
	for i := range s.WorkItems {
		sort.SliceStable(s.WorkItems[i].Tasks, func(a, b int) bool {
			return s.WorkItems[i].Tasks[a].Position < s.WorkItems[i].Tasks[b].Position
		})
	}
}

func snapshotWorkItemFromDomain(w domain.WorkItem, metadata map[string]string) SnapshotWorkItem {
	out := SnapshotWorkItem{
		ID:         w.ID,
		Title:      w.Title,
		ProjectID:  w.ProjectID,
		TemplateID: w.TemplateID,
		IsTemplate: w.IsTemplate,
		Tasks:      make([]SnapshotTask, 0, len(w.Tasks)),
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
	for _, t := range w.Tasks {
		out.Tasks = append(out.Tasks, SnapshotTask{
			ID:           t.ID,
			Name:         t.Name,
			Position:     t.Position,
			Status:       t.Status.String(),
			Priority:     t.Priority,
			Groups:       append([]string(nil), t.Groups...),
			PluginName:   t.PluginName,
			AssignedUser: t.AssignedUser,
			Automatic:    t.Automatic,
			StartedAt:    copyTimePtr(t.StartedAt),
			EndedAt:      copyTimePtr(t.EndedAt),
		})
	}
	for _, p := range w.Properties {
		out.Properties = append(out.Properties, SnapshotProperty{ID: p.ID, Name: p.Name, Value: p.Value})
	}
	if len(metadata) > 0 {
		out.Metadata = maps.Clone(metadata)
	}
	return out
}

func (w SnapshotWorkItem) toDomain(now time.Time) (domain.WorkItem, error) {
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	item, err := domain.NewWorkItem(domain.WorkItemInput{
		ID:         w.ID,
		Title:      w.Title,
		ProjectID:  w.ProjectID,
		TemplateID: w.TemplateID,
		IsTemplate: w.IsTemplate,
	}, createdAt)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("%w: work item %q: %w", ErrInvalidSnapshot, w.ID, err)
	}
	if !w.UpdatedAt.IsZero() {
		item.UpdatedAt = w.UpdatedAt.UTC()
	}
	for _, st := range w.Tasks {
		status, err := domain.ParseTaskStatus(st.Status)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("%w: task %q: %w", ErrInvalidSnapshot, st.ID, err)
		}
		task, err := domain.NewTask(domain.TaskInput{
			ID:           st.ID,
			WorkItemID:   item.ID,
			Name:         st.Name,
			Position:     st.Position,
			Status:       status,
			Priority:     st.Priority,
			Groups:       st.Groups,
			PluginName:   st.PluginName,
			AssignedUser: st.AssignedUser,
			Automatic:    st.Automatic,
		})
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("%w: task %q: %w", ErrInvalidSnapshot, st.ID, err)
		}
		task.StartedAt = copyTimePtr(st.StartedAt)
		task.EndedAt = copyTimePtr(st.EndedAt)
		if err := item.AddTask(task); err != nil {
			return domain.WorkItem{}, fmt.Errorf("%w: task %q: %w", ErrInvalidSnapshot, st.ID, err)
		}
	}
	for _, sp := range w.Properties {
		item.UpsertProperty(sp.Name, sp.Value, sp.ID)
	}
	return item, nil
}
