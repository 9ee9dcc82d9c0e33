package domain

// ConditionKind selects how a rule decides whether it fires.
type ConditionKind string

const (
	ConditionProperty        ConditionKind = "property"
	ConditionCheckDuplicates ConditionKind = "checkDuplicates"
)

// Operator compares a resolved variable against a configured value.
type Operator string

// Unknown operators are kept as-is and never match.
const (
	OperatorIs        Operator = "is"
	OperatorNot       Operator = "not"
	OperatorMissing   Operator = "missing"
	OperatorAvailable Operator = "available"
)

// StepAction names one steps bucket of a rule.
type StepAction string

const (
	StepOpen       StepAction = "open"
	StepDeactivate StepAction = "deactivate"
	StepClose      StepAction = "close"
	StepLock       StepAction = "lock"
	StepRun        StepAction = "run"
)

// StatusActions lists the status-changing buckets in application order.
var StatusActions = []StepAction{StepOpen, StepDeactivate, StepClose, StepLock}

// TargetStatus returns the task status a status bucket assigns.
func (a StepAction) TargetStatus() (TaskStatus, bool) {
	switch a {
	case StepOpen:
		return StatusOpen, true
	case StepDeactivate:
		return StatusDeactivated, true
	case StepClose:
		return StatusDone, true
	case StepLock:
		return StatusLocked, true
	default:
		return 0, false
	}
}

// WildcardTask in a priority bucket addresses every task of the work item.
const WildcardTask = "*"

// Condition holds the parameters a rule is evaluated with.
type Condition struct {
	Kind          ConditionKind
	Variable      string
	Operator      Operator
	Value         string
	MetadataField string
}

// PropertyEffect upserts or deletes one work-item property.
type PropertyEffect struct {
	Name   string
	Value  string
	Delete bool
}

// Effects is the bundle of mutations applied when a rule fires.
type Effects struct {
	Steps      map[StepAction][]string
	Priorities map[Priority][]string
	Groups     map[string][]string
	Template   string
	Project    string
	Properties []PropertyEffect
	Logs       map[Severity][]string
}

// Rule is one configured change block.
type Rule struct {
	Condition Condition
	Effects   Effects
}

// RuleSet is the ordered list of rules loaded for one invocation.
type RuleSet []Rule
