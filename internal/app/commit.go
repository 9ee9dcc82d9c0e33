package app

import (
	"context"
	"fmt"

	"github.com/hylla/changeflow/internal/domain"
)

// commit persists the work item once and then hands every task named in autoRun to the
// dispatcher. Dispatch failures are journaled and do not fail the commit.
func (e *Engine) commit(ctx context.Context, item *domain.WorkItem, autoRun []string) ([]string, error) {
	if e.deps.Saver == nil {
		return nil, fmt.Errorf("%w: no work item saver", ErrPersistFailed)
	}
	item.Touch(e.clock())
	if err := e.deps.Saver.SaveWorkItem(ctx, *item); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	names := dedupeNames(autoRun)
	if len(names) == 0 {
		return nil, nil
	}
	if e.deps.Dispatcher == nil {
		e.logger.Warn("dispatcher not configured, automatic tasks skipped", "work_item_id", item.ID, "tasks", names)
		return nil, nil
	}

	dispatched := make([]string, 0, len(names))
	for _, name := range names {
		for _, task := range item.Tasks {
			if task.Name != name {
				continue
			}
			if err := e.deps.Dispatcher.Dispatch(ctx, task); err != nil {
				e.logger.Error("dispatch failed", "work_item_id", item.ID, "task", name, "err", err)
				e.journal(ctx, item.ID, domain.SeverityError, fmt.Sprintf("could not dispatch automatic task %q", name))
				continue
			}
			dispatched = append(dispatched, task.Name)
		}
	}
	return dispatched, nil
}

func dedupeNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
