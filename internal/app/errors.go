package app

import "errors"

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound           = errors.New("not found")
	ErrTaskNotFound       = errors.New("task not found in work item")
	ErrMalformedRule      = errors.New("malformed rule")
	ErrDocumentUnreadable = errors.New("metadata document is not readable")
	ErrPersistFailed      = errors.New("persist work item")
	ErrInvalidInvocation  = errors.New("invalid invocation")
	ErrRuleCatalogMissing = errors.New("rule catalog is not configured")
	ErrInvalidSnapshot    = errors.New("invalid snapshot")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)
