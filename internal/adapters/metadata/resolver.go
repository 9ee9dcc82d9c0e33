package metadata

import (
	"context"
	"regexp"
	"strings"

	"github.com/hylla/changeflow/internal/domain"
)

// tokenPattern matches {scope.name} placeholders.
var tokenPattern = regexp.MustCompile(`\{([A-Za-z]+)\.([^{}]+)\}`)

// FieldSource supplies the top-level metadata fields of a work item.
type FieldSource interface {
	ReadDocument(ctx context.Context, workItemID string) (map[string]string, error)
}

// Resolver expands rule variables against a work item, its task and its metadata document.
type Resolver struct {
	docs FieldSource
}

// NewResolver constructs a resolver reading documents from docs.
func NewResolver(docs FieldSource) *Resolver {
	return &Resolver{docs: docs}
}

// Resolve expands every known placeholder in variable. The document is only read when a
// {meta.*} placeholder is present, and its read error is returned as is.
//
// A variable without placeholders is a property name. When nothing could be replaced the
// variable is reported unresolved.
func (r *Resolver) Resolve(ctx context.Context, item *domain.WorkItem, task domain.Task, variable string) (string, bool, error) {
	if item == nil {
		return "", false, nil
	}
	if !strings.ContainsRune(variable, '{') {
		if p := item.PropertyByName(strings.TrimSpace(variable)); p != nil {
			return p.Value, true, nil
		}
		return "", false, nil
	}

	var (
		fields  map[string]string
		readErr error
		loaded  bool
	)
	out := tokenPattern.ReplaceAllStringFunc(variable, func(token string) string {
		if readErr != nil {
			return token
		}
		parts := tokenPattern.FindStringSubmatch(token)
		scope, name := strings.ToLower(parts[1]), parts[2]
		switch scope {
		case "meta":
			if !loaded {
				if r.docs == nil {
					return token
				}
				fields, readErr = r.docs.ReadDocument(ctx, item.ID)
				loaded = true
				if readErr != nil {
					return token
				}
			}
			if value, ok := fields[name]; ok {
				return value
			}
		case "process", "property":
			switch {
			case scope == "process" && name == "Title":
				return item.Title
			case scope == "process" && name == "ID":
				return item.ID
			}
			if p := item.PropertyByName(name); p != nil {
				return p.Value
			}
		case "project":
			if name == "Name" {
				return item.ProjectName
			}
		case "task":
			if name == "Name" {
				return task.Name
			}
		}
		return token
	})
	if readErr != nil {
		return "", false, readErr
	}
	if out == variable {
		return "", false, nil
	}
	return out, true, nil
}
