package domain

import (
	"strings"
	"time"
)

// Severity classifies one journal entry.
type Severity string

// Severity values in the order rule log effects are written.
const (
	SeverityError Severity = "error"
	SeverityInfo  Severity = "info"
	SeverityUser  Severity = "user"
	SeverityDebug Severity = "debug"
)

// SeverityOrder lists severities in the order log effects are appended.
var SeverityOrder = []Severity{SeverityError, SeverityInfo, SeverityUser, SeverityDebug}

// ParseSeverity canonicalizes one severity name.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.TrimSpace(strings.ToLower(raw))) {
	case SeverityError:
		return SeverityError, nil
	case SeverityInfo:
		return SeverityInfo, nil
	case SeverityUser:
		return SeverityUser, nil
	case SeverityDebug:
		return SeverityDebug, nil
	default:
		return "", ErrInvalidSeverity
	}
}

// JournalEntry represents a single journal record for a work item.
type JournalEntry struct {
	ID         string
	WorkItemID string
	Severity   Severity
	Message    string
	Source     string
	CreatedAt  time.Time
}

// NewJournalEntry constructs a journal entry stamped at now.
func NewJournalEntry(id, workItemID string, severity Severity, message, source string, now time.Time) (JournalEntry, error) {
	id = strings.TrimSpace(id)
	workItemID = strings.TrimSpace(workItemID)
	if id == "" || workItemID == "" {
		return JournalEntry{}, ErrInvalidID
	}
	severity, err := ParseSeverity(string(severity))
	if err != nil {
		return JournalEntry{}, err
	}
	return JournalEntry{
		ID:         id,
		WorkItemID: workItemID,
		Severity:   severity,
		Message:    message,
		Source:     strings.TrimSpace(source),
		CreatedAt:  now.UTC(),
	}, nil
}
