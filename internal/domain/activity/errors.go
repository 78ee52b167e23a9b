package activity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates a caller contract violation.
	ErrInvalidInput = errors.New("invalid activity input")
	// ErrInvalidAction indicates an action outside create, update and delete.
	ErrInvalidAction = fmt.Errorf("%w: action must be create, update or delete", ErrInvalidInput)
	// ErrMissingEntityType indicates an empty entity type.
	ErrMissingEntityType = fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	// ErrMissingRecordID indicates an empty record id.
	ErrMissingRecordID = fmt.Errorf("%w: record id is required", ErrInvalidInput)
)
