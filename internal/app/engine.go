package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/changeflow/internal/domain"
)

// Outcome is the tri-state result handed back to the host task runner.
type Outcome string

// Outcome values.
const (
	OutcomeFinish Outcome = "FINISH"
	OutcomeWait   Outcome = "WAIT"
	OutcomeError  Outcome = "ERROR"
)

// DefaultPluginName marks tasks owned by this engine in a workflow.
const DefaultPluginName = "changeflow"

// EngineDeps holds the host collaborators an Engine calls out to.
type EngineDeps struct {
	Resolver   VariableResolver
	Documents  DocumentReader
	Saver      WorkItemSaver
	Templates  TemplateFinder
	Copier     TemplateCopier
	Projects   ProjectFinder
	Groups     GroupFinder
	Journal    Journal
	Duplicates DuplicateFinder
	Dispatcher Dispatcher
	Logger     Logger
	IDGen      IDGenerator
	Clock      Clock
}

// EngineConfig holds configuration for an Engine.
type EngineConfig struct {
	// PluginName identifies tasks owned by this engine after a template switch.
	PluginName string
	// JournalSource is recorded on every journal entry the engine writes.
	JournalSource string
}

// Engine evaluates rule sets against one work item and applies matching effects.
type Engine struct {
	deps          EngineDeps
	logger        Logger
	idGen         IDGenerator
	clock         Clock
	copier        TemplateCopier
	pluginName    string
	journalSource string
}

// Invocation is one engine run for the task currently executing in a work item.
type Invocation struct {
	WorkItem *domain.WorkItem
	Task     domain.Task
	Rules    domain.RuleSet
}

// Result reports what one invocation did.
type Result struct {
	Outcome      Outcome
	MatchedRules []int
	SelfChanged  bool
	Dispatched   []string
}

// NewEngine constructs an Engine over deps.
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = discardLogger{}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = uuid.NewString
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	copier := deps.Copier
	if copier == nil {
		copier = NewTaskGraphCopier(idGen)
	}
	if cfg.PluginName == "" {
		cfg.PluginName = DefaultPluginName
	}
	if cfg.JournalSource == "" {
		cfg.JournalSource = cfg.PluginName
	}
	return &Engine{
		deps:          deps,
		logger:        logger,
		idGen:         idGen,
		clock:         clock,
		copier:        copier,
		pluginName:    cfg.PluginName,
		journalSource: cfg.JournalSource,
	}
}

// Run evaluates every rule in order, applies the effects of each matching rule to the
// in-memory work item and persists it once when at least one rule matched.
//
// An evaluation failure aborts the pass before anything is persisted. The outcome is WAIT
// when a matched rule changed the status of the running task itself.
func (e *Engine) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.WorkItem == nil {
		return Result{Outcome: OutcomeError}, fmt.Errorf("%w: work item is required", ErrInvalidInvocation)
	}
	item := inv.WorkItem
	logger := e.logger

	var (
		anyMatched  bool
		selfChanged bool
		matched     []int
		autoRun     []string
	)
	for idx, rule := range inv.Rules {
		ok, err := e.evaluate(ctx, item, inv.Task, rule)
		if err != nil {
			logger.Error("rule evaluation failed", "work_item_id", item.ID, "task", inv.Task.Name, "rule", idx, "err", err)
			return Result{Outcome: OutcomeError, MatchedRules: matched}, fmt.Errorf("evaluate rule %d: %w", idx, err)
		}
		logger.Debug("rule evaluated", "work_item_id", item.ID, "rule", idx, "kind", rule.Condition.Kind, "matched", ok)
		if !ok {
			continue
		}
		anyMatched = true
		matched = append(matched, idx)

		autoRun = append(autoRun, rule.Effects.Steps[domain.StepRun]...)
		e.applyTemplate(ctx, item, inv.Task, rule.Effects)
		e.applyProject(ctx, item, rule.Effects)
		e.applyLogs(ctx, item, rule.Effects)
		if e.applyStatus(ctx, item, inv.Task.Name, rule.Effects) {
			selfChanged = true
		}
		e.applyPriority(item, rule.Effects)
		e.applyProperties(item, rule.Effects)
	}

	res := Result{
		Outcome:      OutcomeFinish,
		MatchedRules: matched,
		SelfChanged:  selfChanged,
	}
	if anyMatched {
		dispatched, err := e.commit(ctx, item, autoRun)
		if err != nil {
			logger.Error("work item commit failed", "work_item_id", item.ID, "err", err)
			res.Outcome = OutcomeError
			return res, err
		}
		res.Dispatched = dispatched
	}
	if selfChanged {
		res.Outcome = OutcomeWait
	}
	logger.Info("rule pass complete", "work_item_id", item.ID, "task", inv.Task.Name, "matched", len(matched), "outcome", res.Outcome)
	return res, nil
}

// journal appends one engine-authored entry; failures are logged and otherwise ignored.
func (e *Engine) journal(ctx context.Context, workItemID string, severity domain.Severity, message string) {
	if e.deps.Journal == nil {
		e.logger.Warn("journal not configured, entry dropped", "work_item_id", workItemID, "severity", severity, "message", message)
		return
	}
	entry, err := domain.NewJournalEntry(e.idGen(), workItemID, severity, message, e.journalSource, e.clock())
	if err != nil {
		e.logger.Warn("journal entry rejected", "work_item_id", workItemID, "err", err)
		return
	}
	if err := e.deps.Journal.AppendJournal(ctx, entry); err != nil {
		e.logger.Warn("journal append failed", "work_item_id", workItemID, "severity", severity, "err", err)
	}
}
