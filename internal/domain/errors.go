package domain

import "errors"

var (
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidTitle     = errors.New("invalid title")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrInvalidPosition  = errors.New("invalid position")
	ErrInvalidStatus    = errors.New("invalid task status")
	ErrInvalidSeverity  = errors.New("invalid journal severity")
	ErrInvalidCondition = errors.New("invalid rule condition")
	ErrDuplicateTask    = errors.New("duplicate task name")
)
