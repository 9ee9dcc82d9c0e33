package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/changeflow/internal/domain"
)

// ServiceOptions holds the optional collaborators of a Service.
type ServiceOptions struct {
	Resolver       VariableResolver
	Documents      DocumentReader
	DocumentWriter DocumentWriter
	Dispatcher     Dispatcher
	Observer       RunObserver
	Logger         Logger
	IDGen          IDGenerator
	Clock          Clock
	PluginName     string
}

// Service runs rule passes for stored work items and exposes read access for hosts.
type Service struct {
	repo      Repository
	catalog   RuleCatalog
	engine    *Engine
	documents DocumentWriter
	observer  RunObserver
	logger    Logger
	idGen     IDGenerator
	clock     Clock
}

// NewService constructs a Service over repo and catalog.
func NewService(repo Repository, catalog RuleCatalog, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = discardLogger{}
	}
	if opts.IDGen == nil {
		opts.IDGen = uuid.NewString
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	engine := NewEngine(EngineDeps{
		Resolver:   opts.Resolver,
		Documents:  opts.Documents,
		Saver:      repo,
		Templates:  repo,
		Projects:   repo,
		Groups:     repo,
		Journal:    repo,
		Duplicates: repo,
		Dispatcher: opts.Dispatcher,
		Logger:     opts.Logger,
		IDGen:      opts.IDGen,
		Clock:      opts.Clock,
	}, EngineConfig{PluginName: opts.PluginName})

	return &Service{
		repo:      repo,
		catalog:   catalog,
		engine:    engine,
		documents: opts.DocumentWriter,
		observer:  opts.Observer,
		logger:    opts.Logger,
		idGen:     opts.IDGen,
		clock:     opts.Clock,
	}
}

// RunStep loads a work item, resolves the rule set for its project and taskName and runs
// one engine pass as that task.
func (s *Service) RunStep(ctx context.Context, workItemID, taskName string) (Result, error) {
	workItemID = strings.TrimSpace(workItemID)
	taskName = strings.TrimSpace(taskName)
	if workItemID == "" || taskName == "" {
		return Result{Outcome: OutcomeError}, fmt.Errorf("%w: work item id and task name are required", ErrInvalidInvocation)
	}
	if s.catalog == nil {
		return Result{Outcome: OutcomeError}, ErrRuleCatalogMissing
	}

	started := s.clock()
	res, err := s.runStep(ctx, workItemID, taskName)
	if s.observer != nil {
		s.observer.ObserveRun(res.Outcome, len(res.MatchedRules), s.clock().Sub(started))
	}
	return res, err
}

func (s *Service) runStep(ctx context.Context, workItemID, taskName string) (Result, error) {
	item, err := s.repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return Result{Outcome: OutcomeError}, fmt.Errorf("load work item %q: %w", workItemID, err)
	}
	task := item.TaskByName(taskName)
	if task == nil {
		return Result{Outcome: OutcomeError}, fmt.Errorf("%w: %q in %q", ErrTaskNotFound, taskName, workItemID)
	}
	rules, err := s.catalog.Resolve(item.ProjectName, taskName)
	if err != nil {
		return Result{Outcome: OutcomeError}, fmt.Errorf("resolve rules for %q/%q: %w", item.ProjectName, taskName, err)
	}
	s.logger.Debug("running rule pass", "work_item_id", item.ID, "project", item.ProjectName, "task", taskName, "rules", len(rules))

	return s.engine.Run(ctx, Invocation{
		WorkItem: &item,
		Task:     task.Clone(),
		Rules:    rules,
	})
}

// GetWorkItem returns one stored work item.
func (s *Service) GetWorkItem(ctx context.Context, workItemID string) (domain.WorkItem, error) {
	workItemID = strings.TrimSpace(workItemID)
	if workItemID == "" {
		return domain.WorkItem{}, domain.ErrInvalidID
	}
	return s.repo.GetWorkItem(ctx, workItemID)
}

// ListJournal returns up to limit journal entries of a work item, newest first.
func (s *Service) ListJournal(ctx context.Context, workItemID string, limit int) ([]domain.JournalEntry, error) {
	workItemID = strings.TrimSpace(workItemID)
	if workItemID == "" {
		return nil, domain.ErrInvalidID
	}
	if _, err := s.repo.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListJournal(ctx, workItemID, limit)
}

// AddJournalEntry appends one user-authored journal entry.
func (s *Service) AddJournalEntry(ctx context.Context, workItemID string, severity domain.Severity, message, source string) (domain.JournalEntry, error) {
	if _, err := s.repo.GetWorkItem(ctx, strings.TrimSpace(workItemID)); err != nil {
		return domain.JournalEntry{}, err
	}
	entry, err := domain.NewJournalEntry(s.idGen(), workItemID, severity, message, source, s.clock())
	if err != nil {
		return domain.JournalEntry{}, err
	}
	if err := s.repo.AppendJournal(ctx, entry); err != nil {
		return domain.JournalEntry{}, err
	}
	return entry, nil
}

// IsNotFound reports whether err means a looked-up entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTaskNotFound)
}
