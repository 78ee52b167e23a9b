package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/activitylog/internal/domain/activity"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.RecoveryHint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps domain errors to MCP error codes. Unknown errors map to nil.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, activity.ErrInvalidAction):
		return &APIError{Code: "INVALID_ACTION", Message: err.Error(), RecoveryHint: "Use create, update or delete"}
	case errors.Is(err, activity.ErrMissingEntityType):
		return &APIError{Code: "MISSING_ENTITY_TYPE", Message: "entity_type is required"}
	case errors.Is(err, activity.ErrMissingRecordID):
		return &APIError{Code: "MISSING_RECORD_ID", Message: "record_id is required"}
	case errors.Is(err, activity.ErrInvalidInput):
		return &APIError{Code: "INVALID_INPUT", Message: err.Error()}
	default:
		return nil
	}
}

func toolError(err error) error {
	if apiErr := MapError(err); apiErr != nil {
		return apiErr
	}
	return err
}
