package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hylla/changeflow/internal/app"
	"github.com/hylla/changeflow/internal/domain"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// connPragmas are applied by the driver to every pooled connection.
const connPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// Repository stores work items, their tasks and properties, projects, groups, the journal
// and the metadata index.
type Repository struct {
	db *sql.DB
}

type scanner interface {
	Scan(dest ...any) error
}

// Open opens the requested operation.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	return openDSN(path + "?" + connPragmas)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	return openDSN("file:changeflow-" + uuid.NewString() + "?mode=memory&cache=shared&" + connPragmas)
}

func openDSN(dsn string) (*Repository, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			project_id TEXT NOT NULL,
			template_id TEXT NOT NULL DEFAULT '',
			is_template INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(project_id) REFERENCES projects(id)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			status INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			plugin_name TEXT NOT NULL DEFAULT '',
			assigned_user TEXT NOT NULL DEFAULT '',
			automatic INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			ended_at TEXT,
			UNIQUE(work_item_id, name),
			FOREIGN KEY(work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS task_groups (
			task_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			PRIMARY KEY(task_id, group_id),
			FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS properties (
			id TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			FOREIGN KEY(work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS journal (
			id TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY(work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			work_item_id TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY(work_item_id, field),
			FOREIGN KEY(work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name);`,
		`CREATE INDEX IF NOT EXISTS idx_user_groups_name ON user_groups(name);`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_template_title ON work_items(is_template, title);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_name_work_item ON tasks(name, work_item_id);`,
		`CREATE INDEX IF NOT EXISTS idx_properties_work_item_position ON properties(work_item_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_work_item_created_at ON journal(work_item_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_metadata_field_value ON metadata(field, value);`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// SaveProject inserts or renames a project.
func (r *Repository) SaveProject(ctx context.Context, p domain.Project) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects(id, name, created_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, p.ID, p.Name, ts(p.CreatedAt))
	return err
}

// ListProjects returns every project ordered by name.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_at FROM projects ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindProjectByName returns the first project with exactly name.
func (r *Repository) FindProjectByName(ctx context.Context, name string) (domain.Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE name = ? ORDER BY id ASC LIMIT 1`, name)
	return scanProject(row)
}

// SaveGroup inserts or renames a user group.
func (r *Repository) SaveGroup(ctx context.Context, g domain.Group) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_groups(id, name) VALUES(?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, g.ID, g.Name)
	return err
}

// ListGroups returns every user group ordered by name.
func (r *Repository) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM user_groups ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Group, 0)
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// FindGroupByName returns the first user group with exactly name.
func (r *Repository) FindGroupByName(ctx context.Context, name string) (domain.Group, error) {
	var g domain.Group
	err := r.db.QueryRowContext(ctx, `SELECT id, name FROM user_groups WHERE name = ? ORDER BY id ASC LIMIT 1`, name).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, app.ErrNotFound
	}
	return g, err
}

// SaveWorkItem writes a work item and replaces its tasks, task groups and properties in one transaction.
func (r *Repository) SaveWorkItem(ctx context.Context, w domain.WorkItem) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO work_items(id, title, project_id, template_id, is_template, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			project_id = excluded.project_id,
			template_id = excluded.template_id,
			is_template = excluded.is_template,
			updated_at = excluded.updated_at
	`, w.ID, w.Title, w.ProjectID, w.TemplateID, boolToInt(w.IsTemplate), ts(w.CreatedAt), ts(w.UpdatedAt)); err != nil {
		return fmt.Errorf("upsert work item %q: %w", w.ID, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM task_groups WHERE task_id IN (SELECT id FROM tasks WHERE work_item_id = ?)`, w.ID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE work_item_id = ?`, w.ID); err != nil {
		return err
	}
	for _, t := range w.Tasks {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO tasks(id, work_item_id, name, position, status, priority, plugin_name, assigned_user, automatic, started_at, ended_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, w.ID, t.Name, t.Position, int(t.Status), int(t.Priority), t.PluginName, t.AssignedUser, boolToInt(t.Automatic), nullableTS(t.StartedAt), nullableTS(t.EndedAt)); err != nil {
			return fmt.Errorf("insert task %q: %w", t.Name, err)
		}
		for _, groupID := range t.Groups {
			if _, err = tx.ExecContext(ctx, `INSERT INTO task_groups(task_id, group_id) VALUES(?, ?)`, t.ID, groupID); err != nil {
				return fmt.Errorf("insert task group %q: %w", groupID, err)
			}
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM properties WHERE work_item_id = ?`, w.ID); err != nil {
		return err
	}
	for idx, p := range w.Properties {
		id := p.ID
		if strings.TrimSpace(id) == "" {
			id = uuid.NewString()
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO properties(id, work_item_id, name, value, position) VALUES(?, ?, ?, ?, ?)
		`, id, w.ID, p.Name, p.Value, idx); err != nil {
			return fmt.Errorf("insert property %q: %w", p.Name, err)
		}
	}

	err = tx.Commit()
	return err
}

// GetWorkItem loads one work item with its project name, tasks and properties.
func (r *Repository) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT w.id, w.title, w.project_id, COALESCE(p.name, ''), w.template_id, w.is_template, w.created_at, w.updated_at
		FROM work_items w
		LEFT JOIN projects p ON p.id = w.project_id
		WHERE w.id = ?
	`, id)
	w, err := scanWorkItem(row)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if w.Tasks, err = r.loadTasks(ctx, w.ID); err != nil {
		return domain.WorkItem{}, err
	}
	if w.Properties, err = r.loadProperties(ctx, w.ID); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// ListWorkItems returns every work item, optionally including templates.
func (r *Repository) ListWorkItems(ctx context.Context, includeTemplates bool) ([]domain.WorkItem, error) {
	query := squirrel.Select("id").From("work_items").OrderBy("id ASC")
	if !includeTemplates {
		query = query.Where(squirrel.Eq{"is_template": 0})
	}
	ids, err := r.selectStrings(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkItem, 0, len(ids))
	for _, id := range ids {
		w, err := r.GetWorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// FindTemplateByName loads the first template whose title is exactly name.
func (r *Repository) FindTemplateByName(ctx context.Context, name string) (domain.WorkItem, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM work_items WHERE is_template = 1 AND title = ? ORDER BY id ASC LIMIT 1`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, app.ErrNotFound
	}
	if err != nil {
		return domain.WorkItem{}, err
	}
	return r.GetWorkItem(ctx, id)
}

// AppendJournal inserts one journal entry.
func (r *Repository) AppendJournal(ctx context.Context, entry domain.JournalEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO journal(id, work_item_id, severity, message, source, created_at) VALUES(?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.WorkItemID, string(entry.Severity), entry.Message, entry.Source, ts(entry.CreatedAt))
	return err
}

// ListJournal returns up to limit entries for a work item, newest first.
func (r *Repository) ListJournal(ctx context.Context, workItemID string, limit int) ([]domain.JournalEntry, error) {
	query := squirrel.Select("id", "work_item_id", "severity", "message", "source", "created_at").
		From("journal").
		Where(squirrel.Eq{"work_item_id": workItemID}).
		OrderBy("created_at DESC", "rowid DESC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build journal query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.JournalEntry, 0)
	for rows.Next() {
		var (
			entry      domain.JournalEntry
			severity   string
			createdRaw string
		)
		if err := rows.Scan(&entry.ID, &entry.WorkItemID, &severity, &entry.Message, &entry.Source, &createdRaw); err != nil {
			return nil, err
		}
		entry.Severity = domain.Severity(severity)
		entry.CreatedAt = parseTS(createdRaw)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// IndexMetadata replaces the indexed top-level metadata fields of one work item.
func (r *Repository) IndexMetadata(ctx context.Context, workItemID string, fields map[string]string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM metadata WHERE work_item_id = ?`, workItemID); err != nil {
		return err
	}
	for field, value := range fields {
		if _, err = tx.ExecContext(ctx, `INSERT INTO metadata(work_item_id, field, value) VALUES(?, ?, ?)`, workItemID, field, value); err != nil {
			return fmt.Errorf("index metadata %q: %w", field, err)
		}
	}
	err = tx.Commit()
	return err
}

// ListMetadata returns the indexed metadata fields of one work item.
func (r *Repository) ListMetadata(ctx context.Context, workItemID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT field, value FROM metadata WHERE work_item_id = ?`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

// WorkItemsWithMetadata returns ids of work items whose indexed field equals value.
func (r *Repository) WorkItemsWithMetadata(ctx context.Context, field, value string) ([]string, error) {
	return r.selectStrings(ctx, squirrel.Select("work_item_id").
		From("metadata").
		Where(squirrel.Eq{"field": field, "value": value}).
		OrderBy("work_item_id ASC"))
}

// TaskStatuses returns the status of taskName in each of the given work items that has it.
func (r *Repository) TaskStatuses(ctx context.Context, workItemIDs []string, taskName string) ([]domain.TaskStatus, error) {
	if len(workItemIDs) == 0 {
		return nil, nil
	}
	sqlText, args, err := squirrel.Select("status").
		From("tasks").
		Where(squirrel.Eq{"work_item_id": workItemIDs, "name": taskName}).
		OrderBy("work_item_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task status query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TaskStatus, 0, len(workItemIDs))
	for rows.Next() {
		var status int
		if err := rows.Scan(&status); err != nil {
			return nil, err
		}
		out = append(out, domain.TaskStatus(status))
	}
	return out, rows.Err()
}

func (r *Repository) loadTasks(ctx context.Context, workItemID string) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, work_item_id, name, position, status, priority, plugin_name, assigned_user, automatic, started_at, ended_at
		FROM tasks
		WHERE work_item_id = ?
		ORDER BY position ASC, id ASC
	`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	groupRows, err := r.db.QueryContext(ctx, `
		SELECT tg.task_id, tg.group_id
		FROM task_groups tg
		JOIN tasks t ON t.id = tg.task_id
		WHERE t.work_item_id = ?
		ORDER BY tg.group_id ASC
	`, workItemID)
	if err != nil {
		return nil, err
	}
	defer groupRows.Close()

	byTask := map[string][]string{}
	for groupRows.Next() {
		var taskID, groupID string
		if err := groupRows.Scan(&taskID, &groupID); err != nil {
			return nil, err
		}
		byTask[taskID] = append(byTask[taskID], groupID)
	}
	if err := groupRows.Err(); err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Groups = byTask[tasks[i].ID]
	}
	return tasks, nil
}

func (r *Repository) loadProperties(ctx context.Context, workItemID string) ([]domain.Property, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, work_item_id, name, value FROM properties WHERE work_item_id = ? ORDER BY position ASC
	`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Property, 0)
	for rows.Next() {
		var p domain.Property
		if err := rows.Scan(&p.ID, &p.WorkItemID, &p.Name, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) selectStrings(ctx context.Context, query squirrel.SelectBuilder) ([]string, error) {
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanProject(s scanner) (domain.Project, error) {
	var (
		p          domain.Project
		createdRaw string
	)
	if err := s.Scan(&p.ID, &p.Name, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Project{}, app.ErrNotFound
		}
		return domain.Project{}, err
	}
	p.CreatedAt = parseTS(createdRaw)
	return p, nil
}

func scanWorkItem(s scanner) (domain.WorkItem, error) {
	var (
		w          domain.WorkItem
		isTemplate int
		createdRaw string
		updatedRaw string
	)
	if err := s.Scan(&w.ID, &w.Title, &w.ProjectID, &w.ProjectName, &w.TemplateID, &isTemplate, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkItem{}, app.ErrNotFound
		}
		return domain.WorkItem{}, err
	}
	w.IsTemplate = isTemplate != 0
	w.CreatedAt = parseTS(createdRaw)
	w.UpdatedAt = parseTS(updatedRaw)
	return w, nil
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t          domain.Task
		status     int
		priority   int
		automatic  int
		startedRaw sql.NullString
		endedRaw   sql.NullString
	)
	if err := s.Scan(
		&t.ID,
		&t.WorkItemID,
		&t.Name,
		&t.Position,
		&status,
		&priority,
		&t.PluginName,
		&t.AssignedUser,
		&automatic,
		&startedRaw,
		&endedRaw,
	); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	t.Automatic = automatic != 0
	t.StartedAt = parseNullTS(startedRaw)
	t.EndedAt = parseNullTS(endedRaw)
	return t, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}
