package domain

import (
	"strings"
	"time"
)

// Project represents project data used by this package.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Group is one user group that can be assigned to tasks.
type Group struct {
	ID   string
	Name string
}

// NewProject constructs a new value for this package.
func NewProject(id, name string, now time.Time) (Project, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return Project{}, ErrInvalidID
	}
	if name == "" {
		return Project{}, ErrInvalidName
	}
	return Project{
		ID:        id,
		Name:      name,
		CreatedAt: now.UTC(),
	}, nil
}

// NewGroup constructs a new group value.
func NewGroup(id, name string) (Group, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return Group{}, ErrInvalidID
	}
	if name == "" {
		return Group{}, ErrInvalidName
	}
	return Group{ID: id, Name: name}, nil
}
