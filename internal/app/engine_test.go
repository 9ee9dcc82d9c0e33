package app

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/hylla/changeflow/internal/domain"
)

type engineFixture struct {
	repo       *fakeRepo
	resolver   *fakeResolver
	documents  *fakeDocuments
	dispatcher *fakeDispatcher
	engine     *Engine
	now        time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := &engineFixture{
		repo:       newFakeRepo(),
		resolver:   &fakeResolver{values: map[string]string{}},
		documents:  &fakeDocuments{fields: map[string]map[string]string{}},
		dispatcher: &fakeDispatcher{},
		now:        now,
	}
	seq := 0
	f.engine = NewEngine(EngineDeps{
		Resolver:   f.resolver,
		Documents:  f.documents,
		Saver:      f.repo,
		Templates:  f.repo,
		Projects:   f.repo,
		Groups:     f.repo,
		Journal:    f.repo,
		Duplicates: f.repo,
		Dispatcher: f.dispatcher,
		IDGen: func() string {
			seq++
			return "id-" + strconv.Itoa(seq)
		},
		Clock: func() time.Time { return now },
	}, EngineConfig{})
	return f
}

func (f *engineFixture) run(t *testing.T, item *domain.WorkItem, taskName string, rules ...domain.Rule) Result {
	t.Helper()
	task := item.TaskByName(taskName)
	if task == nil {
		t.Fatalf("task %q missing from fixture", taskName)
	}
	res, err := f.engine.Run(context.Background(), Invocation{WorkItem: item, Task: task.Clone(), Rules: rules})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func propertyRule(variable string, operator domain.Operator, value string, effects domain.Effects) domain.Rule {
	return domain.Rule{
		Condition: domain.Condition{Kind: domain.ConditionProperty, Variable: variable, Operator: operator, Value: value},
		Effects:   effects,
	}
}

func alwaysRule(effects domain.Effects) domain.Rule {
	return propertyRule("Unset", domain.OperatorMissing, "", effects)
}

func TestMatchCondition(t *testing.T) {
	cases := []struct {
		name     string
		operator domain.Operator
		value    string
		resolved bool
		want     string
		expect   bool
	}{
		{name: "is equal after trim", operator: domain.OperatorIs, value: " yes ", resolved: true, want: "yes", expect: true},
		{name: "is different", operator: domain.OperatorIs, value: "no", resolved: true, want: "yes", expect: false},
		{name: "is unresolved", operator: domain.OperatorIs, value: "", resolved: false, want: "", expect: false},
		{name: "is is case sensitive", operator: domain.OperatorIs, value: "Yes", resolved: true, want: "yes", expect: false},
		{name: "not different", operator: domain.OperatorNot, value: "no", resolved: true, want: "yes", expect: true},
		{name: "not equal", operator: domain.OperatorNot, value: "yes ", resolved: true, want: "yes", expect: false},
		{name: "not unresolved", operator: domain.OperatorNot, value: "", resolved: false, want: "", expect: true},
		{name: "missing unresolved", operator: domain.OperatorMissing, resolved: false, expect: true},
		{name: "missing blank", operator: domain.OperatorMissing, value: "  ", resolved: true, expect: true},
		{name: "missing set", operator: domain.OperatorMissing, value: "x", resolved: true, expect: false},
		{name: "available set", operator: domain.OperatorAvailable, value: "x", resolved: true, expect: true},
		{name: "available blank", operator: domain.OperatorAvailable, value: " ", resolved: true, expect: false},
		{name: "available unresolved", operator: domain.OperatorAvailable, resolved: false, expect: false},
		{name: "unknown operator", operator: "xyz", value: "x", resolved: true, want: "x", expect: false},
		{name: "unknown operator unresolved", operator: "xyz", resolved: false, expect: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchCondition(tc.operator, tc.value, tc.resolved, tc.want); got != tc.expect {
				t.Fatalf("MatchCondition(%q, %q, %v, %q) = %v, want %v", tc.operator, tc.value, tc.resolved, tc.want, got, tc.expect)
			}
		})
	}
}

func TestRunClosesTaskWhenPropertyMissing(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Review")

	res := f.run(t, &item, "Check", propertyRule("ReviewDone", domain.OperatorMissing, "", domain.Effects{
		Steps: map[domain.StepAction][]string{domain.StepClose: {"Review"}},
	}))
	if res.Outcome != OutcomeFinish {
		t.Fatalf("expected FINISH, got %s", res.Outcome)
	}
	if got := item.TaskByName("Review").Status; got != domain.StatusDone {
		t.Fatalf("expected Review DONE, got %s", got)
	}
	if f.repo.saves != 1 {
		t.Fatalf("expected exactly one save, got %d", f.repo.saves)
	}
}

func TestRunLaterRuleWinsPriority(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "X")

	res := f.run(t, &item, "Check",
		alwaysRule(domain.Effects{Priorities: map[domain.Priority][]string{domain.PriorityHigh: {"X"}}}),
		alwaysRule(domain.Effects{Priorities: map[domain.Priority][]string{domain.PriorityHighest: {"X"}}}),
	)
	if got := item.TaskByName("X").Priority; got != domain.PriorityHighest {
		t.Fatalf("expected priority 3, got %d", got)
	}
	if !slices.Equal(res.MatchedRules, []int{0, 1}) {
		t.Fatalf("unexpected matched rules %#v", res.MatchedRules)
	}
	if f.repo.saves != 1 {
		t.Fatalf("expected one save for two matched rules, got %d", f.repo.saves)
	}
}

func TestRunPriorityWildcardDominates(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "A", "B")

	f.run(t, &item, "Check", alwaysRule(domain.Effects{Priorities: map[domain.Priority][]string{
		domain.PriorityStandard:   {"A"},
		domain.PriorityHigher:     {"*"},
		domain.PriorityCorrection: {"*", "B"},
	}}))
	for _, task := range item.Tasks {
		if task.Priority != domain.PriorityHigher {
			t.Fatalf("expected every task at priority 2, %q has %d", task.Name, task.Priority)
		}
	}
}

func TestRunDetectsDuplicates(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Scan", "Export")
	f.documents.fields["w1"] = map[string]string{"barcode": "123"}
	f.repo.metadata["w1"] = map[string]string{"barcode": "123"}

	for _, sibling := range []struct {
		id     string
		status domain.TaskStatus
	}{{"w2", domain.StatusOpen}, {"w3", domain.StatusDone}} {
		w, _ := domain.NewWorkItem(domain.WorkItemInput{ID: sibling.id, Title: sibling.id, ProjectID: "p1"}, f.now)
		task, _ := domain.NewTask(domain.TaskInput{ID: sibling.id + "-scan", WorkItemID: sibling.id, Name: "Scan", Status: sibling.status})
		_ = w.AddTask(task)
		f.repo.items[w.ID] = w
		f.repo.metadata[w.ID] = map[string]string{"barcode": "123"}
	}

	rule := domain.Rule{
		Condition: domain.Condition{Kind: domain.ConditionCheckDuplicates, MetadataField: "barcode"},
		Effects:   domain.Effects{Steps: map[domain.StepAction][]string{domain.StepDeactivate: {"Export"}}},
	}
	res := f.run(t, &item, "Scan", rule)
	if len(res.MatchedRules) != 1 {
		t.Fatalf("expected duplicate rule to match, got %#v", res.MatchedRules)
	}
	if got := item.TaskByName("Export").Status; got != domain.StatusDeactivated {
		t.Fatalf("expected Export DEACTIVATED, got %s", got)
	}

	w3 := f.repo.items["w3"]
	w3.TaskByName("Scan").SetStatus(domain.StatusOpen)
	f.repo.items["w3"] = w3
	res = f.run(t, &item, "Scan", rule)
	if len(res.MatchedRules) != 0 {
		t.Fatalf("expected no match without a finished sibling, got %#v", res.MatchedRules)
	}

	f.documents.fields["w1"] = map[string]string{}
	res = f.run(t, &item, "Scan", rule)
	if len(res.MatchedRules) != 0 {
		t.Fatalf("expected no match without a barcode, got %#v", res.MatchedRules)
	}
}

func TestRunDocumentFailureAbortsWithoutSaving(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Review")
	f.resolver.err = ErrDocumentUnreadable

	res, err := f.engine.Run(context.Background(), Invocation{
		WorkItem: &item,
		Task:     item.TaskByName("Check").Clone(),
		Rules: domain.RuleSet{
			propertyRule("Anything", domain.OperatorIs, "x", domain.Effects{
				Steps: map[domain.StepAction][]string{domain.StepClose: {"Review"}},
			}),
		},
	})
	if !errors.Is(err, ErrDocumentUnreadable) {
		t.Fatalf("expected ErrDocumentUnreadable, got %v", err)
	}
	if res.Outcome != OutcomeError {
		t.Fatalf("expected ERROR, got %s", res.Outcome)
	}
	if f.repo.saves != 0 {
		t.Fatalf("expected no save, got %d", f.repo.saves)
	}
	if len(f.repo.journal) != 1 || f.repo.journal[0].Severity != domain.SeverityError {
		t.Fatalf("expected one error journal entry, got %#v", f.repo.journal)
	}
}

func TestRunDuplicateDocumentFailureIsFatal(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Scan")
	f.documents.err = errors.New("disk gone")

	_, err := f.engine.Run(context.Background(), Invocation{
		WorkItem: &item,
		Task:     item.TaskByName("Scan").Clone(),
		Rules:    domain.RuleSet{{Condition: domain.Condition{Kind: domain.ConditionCheckDuplicates, MetadataField: "barcode"}}},
	})
	if err == nil {
		t.Fatal("expected document failure to abort the run")
	}
	if len(f.repo.journal) != 1 {
		t.Fatalf("expected one journal entry, got %d", len(f.repo.journal))
	}
}

func TestRunUnknownOperatorNeverMatches(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Review")
	f.resolver.values["Color"] = "xyz"

	res := f.run(t, &item, "Check", propertyRule("Color", "xyz", "xyz", domain.Effects{
		Steps: map[domain.StepAction][]string{domain.StepLock: {"Review"}},
	}))
	if len(res.MatchedRules) != 0 || f.repo.saves != 0 {
		t.Fatalf("expected no match and no save, got %#v saves=%d", res.MatchedRules, f.repo.saves)
	}
	if got := item.TaskByName("Review").Status; got != domain.StatusOpen {
		t.Fatalf("expected Review untouched, got %s", got)
	}
}

func TestRunMalformedRuleIsFatal(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check")

	_, err := f.engine.Run(context.Background(), Invocation{
		WorkItem: &item,
		Task:     item.TaskByName("Check").Clone(),
		Rules: domain.RuleSet{
			alwaysRule(domain.Effects{}),
			propertyRule("  ", domain.OperatorIs, "x", domain.Effects{}),
		},
	})
	if !errors.Is(err, ErrMalformedRule) {
		t.Fatalf("expected ErrMalformedRule, got %v", err)
	}
	if f.repo.saves != 0 {
		t.Fatalf("expected earlier matches to stay unsaved, got %d saves", f.repo.saves)
	}
}

func TestRunSelfTransitionWaits(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Review")

	res := f.run(t, &item, "Check",
		alwaysRule(domain.Effects{Steps: map[domain.StepAction][]string{domain.StepLock: {"Check"}}}),
		alwaysRule(domain.Effects{Steps: map[domain.StepAction][]string{domain.StepOpen: {"Review"}}}),
	)
	if res.Outcome != OutcomeWait || !res.SelfChanged {
		t.Fatalf("expected WAIT after locking the running task, got %s", res.Outcome)
	}
	if got := item.TaskByName("Check").Status; got != domain.StatusLocked {
		t.Fatalf("expected Check LOCKED, got %s", got)
	}
}

func TestRunNoMatchDoesNotPersist(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check")
	f.resolver.values["Reviewed"] = "yes"

	res := f.run(t, &item, "Check", propertyRule("Reviewed", domain.OperatorIs, "no", domain.Effects{
		Steps: map[domain.StepAction][]string{domain.StepRun: {"Check"}},
	}))
	if res.Outcome != OutcomeFinish || f.repo.saves != 0 || len(f.dispatcher.tasks) != 0 {
		t.Fatalf("unexpected result %#v saves=%d dispatched=%v", res, f.repo.saves, f.dispatcher.tasks)
	}
}

func TestRunPersistFailureReportsError(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Export")
	f.repo.saveErr = errors.New("locked")

	res, err := f.engine.Run(context.Background(), Invocation{
		WorkItem: &item,
		Task:     item.TaskByName("Check").Clone(),
		Rules:    domain.RuleSet{alwaysRule(domain.Effects{Steps: map[domain.StepAction][]string{domain.StepRun: {"Export"}}})},
	})
	if !errors.Is(err, ErrPersistFailed) || res.Outcome != OutcomeError {
		t.Fatalf("expected persist failure, got %s %v", res.Outcome, err)
	}
	if len(f.dispatcher.tasks) != 0 {
		t.Fatalf("expected no dispatch after failed save, got %v", f.dispatcher.tasks)
	}
}

func TestRunReplacesGroups(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Scan", "Review")
	f.repo.groups["g1"] = domain.Group{ID: "g1", Name: "Scanners"}
	item.TaskByName("Scan").ReplaceGroups([]string{"old"})
	item.TaskByName("Review").ReplaceGroups([]string{"old"})

	f.run(t, &item, "Check", alwaysRule(domain.Effects{Groups: map[string][]string{
		"Scan":   {"Scanners", "Ghosts"},
		"Review": {},
	}}))
	if got := item.TaskByName("Scan").Groups; !slices.Equal(got, []string{"g1"}) {
		t.Fatalf("expected Scan groups [g1], got %v", got)
	}
	if got := item.TaskByName("Review").Groups; len(got) != 0 {
		t.Fatalf("expected Review groups cleared, got %v", got)
	}
}

func TestRunUpsertsAndDeletesProperties(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check")
	item.UpsertProperty("Obsolete", "1", "prop-old")

	effects := domain.Effects{Properties: []domain.PropertyEffect{
		{Name: "Reviewed", Value: "yes"},
		{Name: "Obsolete", Delete: true},
		{Name: "Absent", Delete: true},
	}}
	f.run(t, &item, "Check", alwaysRule(effects), alwaysRule(effects))

	if len(item.Properties) != 1 {
		t.Fatalf("expected one property, got %#v", item.Properties)
	}
	if p := item.PropertyByName("Reviewed"); p == nil || p.Value != "yes" {
		t.Fatalf("unexpected Reviewed property %#v", p)
	}
	stored := f.repo.items["w1"]
	if len(stored.Properties) != 1 {
		t.Fatalf("expected saved properties to match, got %#v", stored.Properties)
	}
}

func TestRunSwitchesTemplate(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Old")
	started := f.now.Add(-time.Hour)
	check := item.TaskByName("Check")
	check.StartedAt = &started
	check.AssignedUser = "ada"
	check.SetStatus(domain.StatusInWork)

	template, _ := domain.NewWorkItem(domain.WorkItemInput{ID: "tpl", Title: "Template B", ProjectID: "p1", IsTemplate: true}, f.now)
	for idx, name := range []string{"Import", "Check", "Publish"} {
		task, _ := domain.NewTask(domain.TaskInput{ID: "tpl-" + name, WorkItemID: "tpl", Name: name, Position: idx, Status: domain.StatusLocked, PluginName: pluginFor(name)})
		_ = template.AddTask(task)
	}
	f.repo.items[template.ID] = template

	f.run(t, &item, "Check", alwaysRule(domain.Effects{Template: "Template B"}))
	if item.TemplateID != "tpl" || len(item.Tasks) != 3 || item.TaskByName("Old") != nil {
		t.Fatalf("expected template task graph, got %#v", item.Tasks)
	}
	copied := item.TaskByName("Check")
	if copied.Status != domain.StatusDone || copied.AssignedUser != "ada" {
		t.Fatalf("expected copied Check DONE for ada, got %s %q", copied.Status, copied.AssignedUser)
	}
	if copied.StartedAt == nil || !copied.StartedAt.Equal(started) || copied.EndedAt == nil || !copied.EndedAt.Equal(f.now) {
		t.Fatalf("unexpected copied timestamps %v %v", copied.StartedAt, copied.EndedAt)
	}
	if copied.ID == "tpl-Check" || copied.WorkItemID != "w1" {
		t.Fatalf("expected fresh task identity, got %q/%q", copied.ID, copied.WorkItemID)
	}
	if got := item.TaskByName("Publish").Status; got != domain.StatusLocked {
		t.Fatalf("expected Publish untouched, got %s", got)
	}

	before := len(item.Tasks)
	f.run(t, &item, "Check", alwaysRule(domain.Effects{Template: "Unknown"}))
	if len(item.Tasks) != before || item.TemplateID != "tpl" {
		t.Fatal("expected unknown template to be a no-op")
	}
}

func pluginFor(name string) string {
	if name == "Check" {
		return DefaultPluginName
	}
	return ""
}

func TestRunMovesProjectAndToleratesUnknownProject(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check")
	f.repo.projects["p2"] = domain.Project{ID: "p2", Name: "Maps"}

	res := f.run(t, &item, "Check", alwaysRule(domain.Effects{Project: "Nowhere"}))
	if res.Outcome != OutcomeFinish || item.ProjectID != "p1" {
		t.Fatalf("expected unknown project to be ignored, got %s %q", res.Outcome, item.ProjectID)
	}
	f.run(t, &item, "Check", alwaysRule(domain.Effects{Project: "Maps"}))
	if item.ProjectID != "p2" || item.ProjectName != "Maps" {
		t.Fatalf("expected project Maps, got %q/%q", item.ProjectID, item.ProjectName)
	}
}

func TestRunWritesLogEntriesInSeverityOrder(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check")

	f.run(t, &item, "Check", alwaysRule(domain.Effects{Logs: map[domain.Severity][]string{
		domain.SeverityDebug: {"d"},
		domain.SeverityInfo:  {"i1", "i2"},
		domain.SeverityError: {"e"},
	}}))
	got := make([]string, 0, len(f.repo.journal))
	for _, entry := range f.repo.journal {
		got = append(got, entry.Message)
		if entry.Source != DefaultPluginName {
			t.Fatalf("unexpected journal source %q", entry.Source)
		}
	}
	if !slices.Equal(got, []string{"e", "i1", "i2", "d"}) {
		t.Fatalf("unexpected journal order %v", got)
	}
}

func TestRunDispatchesAutomaticTasksOnce(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Export", "Notify")

	res := f.run(t, &item, "Check",
		alwaysRule(domain.Effects{Steps: map[domain.StepAction][]string{domain.StepRun: {"Export", "Ghost"}}}),
		alwaysRule(domain.Effects{Steps: map[domain.StepAction][]string{domain.StepRun: {"Notify", "Export"}}}),
	)
	if !slices.Equal(f.dispatcher.tasks, []string{"Export", "Notify"}) {
		t.Fatalf("unexpected dispatched tasks %v", f.dispatcher.tasks)
	}
	if !slices.Equal(res.Dispatched, []string{"Export", "Notify"}) {
		t.Fatalf("unexpected reported dispatch %v", res.Dispatched)
	}
}

func TestRunDispatchFailureDoesNotFail(t *testing.T) {
	f := newEngineFixture(t)
	item := seedWorkItem(t, f.repo, f.now, "Check", "Export")
	f.dispatcher.err = errors.New("queue down")

	res := f.run(t, &item, "Check", alwaysRule(domain.Effects{Steps: map[domain.StepAction][]string{domain.StepRun: {"Export"}}}))
	if res.Outcome != OutcomeFinish || f.repo.saves != 1 {
		t.Fatalf("expected FINISH with one save, got %s saves=%d", res.Outcome, f.repo.saves)
	}
	if len(f.repo.journal) != 1 || f.repo.journal[0].Severity != domain.SeverityError {
		t.Fatalf("expected one dispatch error journal entry, got %#v", f.repo.journal)
	}
}

func TestRunRejectsNilWorkItem(t *testing.T) {
	f := newEngineFixture(t)
	res, err := f.engine.Run(context.Background(), Invocation{})
	if !errors.Is(err, ErrInvalidInvocation) || res.Outcome != OutcomeError {
		t.Fatalf("expected invalid invocation, got %s %v", res.Outcome, err)
	}
}
