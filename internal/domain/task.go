package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TaskStatus is the persisted processing status of one task.
type TaskStatus int

// Values match the host's stored status codes.
const (
	StatusLocked      TaskStatus = 0
	StatusOpen        TaskStatus = 1
	StatusInWork      TaskStatus = 2
	StatusDone        TaskStatus = 3
	StatusError       TaskStatus = 4
	StatusDeactivated TaskStatus = 5
)

var statusNames = map[TaskStatus]string{
	StatusLocked:      "LOCKED",
	StatusOpen:        "OPEN",
	StatusInWork:      "INWORK",
	StatusDone:        "DONE",
	StatusError:       "ERROR",
	StatusDeactivated: "DEACTIVATED",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "TaskStatus(" + strconv.Itoa(int(s)) + ")"
}

// IsValid reports whether s is a known status code.
func (s TaskStatus) IsValid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseTaskStatus accepts either a status name or its numeric code.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	raw = strings.TrimSpace(raw)
	if code, err := strconv.Atoi(raw); err == nil {
		status := TaskStatus(code)
		if !status.IsValid() {
			return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, code)
		}
		return status, nil
	}
	upper := strings.ToUpper(raw)
	for status, name := range statusNames {
		if name == upper {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Priority is the scheduling priority of one task.
type Priority int

const (
	PriorityStandard   Priority = 0
	PriorityHigh       Priority = 1
	PriorityHigher     Priority = 2
	PriorityHighest    Priority = 3
	PriorityCorrection Priority = 10
)

// PriorityOrder lists recognized priorities in the order rule buckets are scanned.
var PriorityOrder = []Priority{PriorityStandard, PriorityHigh, PriorityHigher, PriorityHighest, PriorityCorrection}

// IsValid reports whether p is one of the recognized priority values.
func (p Priority) IsValid() bool {
	return slices.Contains(PriorityOrder, p)
}

// ParsePriority parses one priority bucket key such as "10".
func ParsePriority(raw string) (Priority, error) {
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, raw)
	}
	p := Priority(code)
	if !p.IsValid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, code)
	}
	return p, nil
}

type Task struct {
	ID           string
	WorkItemID   string
	Name         string
	Position     int
	Status       TaskStatus
	Priority     Priority
	Groups       []string
	PluginName   string
	AssignedUser string
	Automatic    bool
	StartedAt    *time.Time
	EndedAt      *time.Time
}

type TaskInput struct {
	ID           string
	WorkItemID   string
	Name         string
	Position     int
	Status       TaskStatus
	Priority     Priority
	Groups       []string
	PluginName   string
	AssignedUser string
	Automatic    bool
}

func NewTask(in TaskInput) (Task, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.WorkItemID = strings.TrimSpace(in.WorkItemID)
	in.Name = strings.TrimSpace(in.Name)
	in.PluginName = strings.TrimSpace(in.PluginName)
	in.AssignedUser = strings.TrimSpace(in.AssignedUser)

	if in.ID == "" || in.WorkItemID == "" {
		return Task{}, ErrInvalidID
	}
	if in.Name == "" {
		return Task{}, ErrInvalidName
	}
	if in.Position < 0 {
		return Task{}, ErrInvalidPosition
	}
	if !in.Status.IsValid() {
		return Task{}, ErrInvalidStatus
	}
	if !in.Priority.IsValid() {
		return Task{}, ErrInvalidPriority
	}

	return Task{
		ID:           in.ID,
		WorkItemID:   in.WorkItemID,
		Name:         in.Name,
		Position:     in.Position,
		Status:       in.Status,
		Priority:     in.Priority,
		Groups:       normalizeGroups(in.Groups),
		PluginName:   in.PluginName,
		AssignedUser: in.AssignedUser,
		Automatic:    in.Automatic,
	}, nil
}

// SetStatus moves the task to status without touching its timestamps.
func (t *Task) SetStatus(status TaskStatus) {
	t.Status = status
}

// Finish marks the task DONE and stamps its end time.
func (t *Task) Finish(now time.Time) {
	ts := now.UTC()
	t.Status = StatusDone
	t.EndedAt = &ts
}

// ReplaceGroups clears every assigned group and assigns groupIDs instead.
func (t *Task) ReplaceGroups(groupIDs []string) {
	t.Groups = normalizeGroups(groupIDs)
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	out := t
	out.Groups = append([]string(nil), t.Groups...)
	out.StartedAt = copyTime(t.StartedAt)
	out.EndedAt = copyTime(t.EndedAt)
	return out
}

func normalizeGroups(groups []string) []string {
	out := make([]string, 0, len(groups))
	seen := map[string]struct{}{}
	for _, raw := range groups {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func copyTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	ts := *in
	return &ts
}
