package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hylla/changeflow/internal/domain"
)

// documentErrorMessage is journaled when a rule cannot read the work item's metadata.
const documentErrorMessage = "error reading metadata file"

// evaluate resolves one rule condition. It never mutates the work item.
func (e *Engine) evaluate(ctx context.Context, item *domain.WorkItem, task domain.Task, rule domain.Rule) (bool, error) {
	switch rule.Condition.Kind {
	case "", domain.ConditionProperty:
		return e.evaluateProperty(ctx, item, task, rule.Condition)
	case domain.ConditionCheckDuplicates:
		return e.evaluateDuplicates(ctx, item, task, rule.Condition)
	default:
		e.logger.Warn("unknown condition kind", "work_item_id", item.ID, "kind", rule.Condition.Kind)
		return false, nil
	}
}

func (e *Engine) evaluateProperty(ctx context.Context, item *domain.WorkItem, task domain.Task, cond domain.Condition) (bool, error) {
	variable := strings.TrimSpace(cond.Variable)
	if variable == "" {
		return false, fmt.Errorf("%w: property condition has no variable name", ErrMalformedRule)
	}
	if e.deps.Resolver == nil {
		return false, fmt.Errorf("%w: no variable resolver", ErrDocumentUnreadable)
	}

	value, resolved, err := e.deps.Resolver.Resolve(ctx, item, task, variable)
	if err != nil {
		e.journal(ctx, item.ID, domain.SeverityError, documentErrorMessage)
		return false, fmt.Errorf("resolve %q: %w", variable, err)
	}
	operator := cond.Operator
	if operator == "" {
		operator = domain.OperatorIs
	}
	matches := MatchCondition(operator, value, resolved, cond.Value)
	e.logger.Debug("property condition checked", "work_item_id", item.ID, "variable", variable, "resolved", resolved, "operator", operator, "matches", matches)
	return matches, nil
}

// MatchCondition applies one comparison operator to a resolved variable.
// Unknown operators never match.
func MatchCondition(operator domain.Operator, value string, resolved bool, want string) bool {
	value = strings.TrimSpace(value)
	want = strings.TrimSpace(want)
	switch operator {
	case domain.OperatorMissing:
		return !resolved || value == ""
	case domain.OperatorAvailable:
		return resolved && value != ""
	case domain.OperatorIs:
		return resolved && value == want
	case domain.OperatorNot:
		return !resolved || value != want
	default:
		return false
	}
}

// evaluateDuplicates reports whether another work item sharing the configured metadata
// value has already finished the running task.
func (e *Engine) evaluateDuplicates(ctx context.Context, item *domain.WorkItem, task domain.Task, cond domain.Condition) (bool, error) {
	field := strings.TrimSpace(cond.MetadataField)
	if field == "" {
		return false, fmt.Errorf("%w: checkDuplicates condition has no metadata field", ErrMalformedRule)
	}
	if e.deps.Documents == nil || e.deps.Duplicates == nil {
		return false, fmt.Errorf("%w: duplicate detection is not configured", ErrDocumentUnreadable)
	}

	value, ok, err := e.deps.Documents.MetadataField(ctx, item.ID, field)
	if err != nil {
		e.journal(ctx, item.ID, domain.SeverityError, documentErrorMessage)
		return false, fmt.Errorf("read metadata %q: %w", field, err)
	}
	if !ok || strings.TrimSpace(value) == "" {
		return false, nil
	}

	ids, err := e.deps.Duplicates.WorkItemsWithMetadata(ctx, field, value)
	if err != nil {
		return false, fmt.Errorf("query work items by metadata %q: %w", field, err)
	}
	ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == item.ID })
	if len(ids) == 0 {
		return false, nil
	}

	statuses, err := e.deps.Duplicates.TaskStatuses(ctx, ids, task.Name)
	if err != nil {
		return false, fmt.Errorf("query task statuses for %q: %w", task.Name, err)
	}
	matches := slices.Contains(statuses, domain.StatusDone)
	e.logger.Debug("duplicate condition checked", "work_item_id", item.ID, "field", field, "siblings", len(ids), "matches", matches)
	return matches, nil
}
