// Package rules loads rule catalogs and resolves the rule set configured for a project and task.
package rules

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/hylla/changeflow/internal/domain"
)

// ErrNoRuleConfig and related errors describe catalog lookup and load failures.
var (
	ErrNoRuleConfig   = errors.New("no rule configuration for project and task")
	ErrInvalidCatalog = errors.New("invalid rule catalog")
)

// Wildcard matches any project or task name in a catalog block.
const Wildcard = "*"

type catalogFile struct {
	Config []configBlock `toml:"config"`
}

type configBlock struct {
	Project string        `toml:"project"`
	Task    string        `toml:"task"`
	Change  []changeBlock `toml:"change"`
}

type changeBlock struct {
	Type              string              `toml:"type"`
	PropertyName      string              `toml:"property_name"`
	PropertyValue     string              `toml:"property_value"`
	PropertyCondition string              `toml:"property_condition"`
	Metadata          string              `toml:"metadata"`
	Open              []string            `toml:"open"`
	Deactivate        []string            `toml:"deactivate"`
	Close             []string            `toml:"close"`
	Lock              []string            `toml:"lock"`
	Run               []string            `toml:"run"`
	Workflow          string              `toml:"workflow"`
	Project           string              `toml:"project"`
	Priority          map[string][]string `toml:"priority"`
	UserGroups        map[string][]string `toml:"usergroups"`
	Log               map[string][]string `toml:"log"`
	Properties        []propertyBlock     `toml:"properties"`
}

type propertyBlock struct {
	Name   string `toml:"name"`
	Value  string `toml:"value"`
	Delete bool   `toml:"delete"`
}

type catalogKey struct {
	project string
	task    string
}

// Catalog holds parsed rule sets keyed by project and task name. It is read-only after load.
type Catalog struct {
	sets map[catalogKey]domain.RuleSet
}

// Load reads a TOML catalog from path. A missing file yields an empty catalog.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &Catalog{sets: map[catalogKey]domain.RuleSet{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Catalog{sets: map[catalogKey]domain.RuleSet{}}, nil
		}
		return nil, fmt.Errorf("read rule catalog: %w", err)
	}
	return Parse(content)
}

// Parse decodes one TOML catalog document.
func Parse(content []byte) (*Catalog, error) {
	var file catalogFile
	if err := toml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("%w: decode toml: %w", ErrInvalidCatalog, err)
	}

	catalog := &Catalog{sets: make(map[catalogKey]domain.RuleSet, len(file.Config))}
	for idx, block := range file.Config {
		key := catalogKey{project: normalizeKey(block.Project), task: normalizeKey(block.Task)}
		if _, exists := catalog.sets[key]; exists {
			return nil, fmt.Errorf("%w: config[%d] duplicates project %q task %q", ErrInvalidCatalog, idx, key.project, key.task)
		}
		set := make(domain.RuleSet, 0, len(block.Change))
		for changeIdx, change := range block.Change {
			rule, err := change.toRule()
			if err != nil {
				return nil, fmt.Errorf("%w: config[%d].change[%d]: %w", ErrInvalidCatalog, idx, changeIdx, err)
			}
			set = append(set, rule)
		}
		catalog.sets[key] = set
	}
	return catalog, nil
}

// Resolve returns the rule set for projectName and taskName. Lookup falls back from the
// exact pair to wildcard task, wildcard project and finally the catch-all block.
func (c *Catalog) Resolve(projectName, taskName string) (domain.RuleSet, error) {
	projectName = strings.TrimSpace(projectName)
	taskName = strings.TrimSpace(taskName)
	for _, key := range []catalogKey{
		{project: projectName, task: taskName},
		{project: Wildcard, task: taskName},
		{project: projectName, task: Wildcard},
		{project: Wildcard, task: Wildcard},
	} {
		if set, ok := c.sets[key]; ok {
			return slices.Clone(set), nil
		}
	}
	return nil, fmt.Errorf("%w: project %q task %q", ErrNoRuleConfig, projectName, taskName)
}

// Len reports how many project/task blocks are loaded.
func (c *Catalog) Len() int {
	return len(c.sets)
}

func normalizeKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Wildcard
	}
	return raw
}

func (b changeBlock) toRule() (domain.Rule, error) {
	kind := domain.ConditionKind(strings.TrimSpace(b.Type))
	if kind == "" {
		kind = domain.ConditionProperty
	}
	operator := domain.Operator(strings.TrimSpace(b.PropertyCondition))
	if operator == "" {
		operator = domain.OperatorIs
	}
	rule := domain.Rule{
		Condition: domain.Condition{
			Kind:          kind,
			Variable:      b.PropertyName,
			Operator:      operator,
			Value:         b.PropertyValue,
			MetadataField: strings.TrimSpace(b.Metadata),
		},
		Effects: domain.Effects{
			Steps:    map[domain.StepAction][]string{},
			Template: strings.TrimSpace(b.Workflow),
			Project:  strings.TrimSpace(b.Project),
		},
	}

	for action, names := range map[domain.StepAction][]string{
		domain.StepOpen:       b.Open,
		domain.StepDeactivate: b.Deactivate,
		domain.StepClose:      b.Close,
		domain.StepLock:       b.Lock,
		domain.StepRun:        b.Run,
	} {
		if len(names) > 0 {
			rule.Effects.Steps[action] = append([]string(nil), names...)
		}
	}

	if len(b.Priority) > 0 {
		rule.Effects.Priorities = make(map[domain.Priority][]string, len(b.Priority))
		for raw, names := range b.Priority {
			priority, err := domain.ParsePriority(raw)
			if err != nil {
				return domain.Rule{}, err
			}
			if _, dup := rule.Effects.Priorities[priority]; dup {
				return domain.Rule{}, fmt.Errorf("priority %q repeats bucket %d", raw, priority)
			}
			rule.Effects.Priorities[priority] = append([]string(nil), names...)
		}
	}

	if len(b.UserGroups) > 0 {
		rule.Effects.Groups = make(map[string][]string, len(b.UserGroups))
		for task, groups := range b.UserGroups {
			rule.Effects.Groups[task] = append([]string{}, groups...)
		}
	}

	if len(b.Log) > 0 {
		rule.Effects.Logs = make(map[domain.Severity][]string, len(b.Log))
		for raw, messages := range b.Log {
			severity, err := domain.ParseSeverity(raw)
			if err != nil {
				return domain.Rule{}, fmt.Errorf("log %q: %w", raw, err)
			}
			if _, dup := rule.Effects.Logs[severity]; dup {
				return domain.Rule{}, fmt.Errorf("log %q repeats severity %q", raw, severity)
			}
			rule.Effects.Logs[severity] = append([]string(nil), messages...)
		}
	}

	for idx, p := range b.Properties {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return domain.Rule{}, fmt.Errorf("properties[%d].name is required", idx)
		}
		rule.Effects.Properties = append(rule.Effects.Properties, domain.PropertyEffect{
			Name:   name,
			Value:  p.Value,
			Delete: p.Delete,
		})
	}
	return rule, nil
}
