package activity

import (
	"fmt"
	"strings"
)

// SortDirection orders entries by creation time.
type SortDirection string

const (
	SortDesc SortDirection = "desc"
	SortAsc  SortDirection = "asc"
)

const (
	// DefaultListLimit is applied when ListOptions.Limit is zero.
	DefaultListLimit = 30
	// MaxListLimit caps a single page.
	MaxListLimit = 1000
)

// ListOptions provides filtering options for listing activity.
type ListOptions struct {
	EntityType   string
	RecordID     string
	ActorID      string
	Action       Action
	Limit        int
	Skip         int
	Sort         SortDirection
	IncludeActor bool
}

// Normalize applies defaults and validates the options.
func (o ListOptions) Normalize() (ListOptions, error) {
	o.EntityType = strings.TrimSpace(o.EntityType)
	o.RecordID = strings.TrimSpace(o.RecordID)
	o.ActorID = strings.TrimSpace(o.ActorID)

	if o.Action != "" && !o.Action.Valid() {
		return ListOptions{}, ErrInvalidAction
	}
	switch o.Sort {
	case "":
		o.Sort = SortDesc
	case SortAsc, SortDesc:
	default:
		return ListOptions{}, fmt.Errorf("%w: sort must be asc or desc", ErrInvalidInput)
	}
	if o.Limit < 0 || o.Skip < 0 {
		return ListOptions{}, fmt.Errorf("%w: limit and skip must not be negative", ErrInvalidInput)
	}
	if o.Limit == 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	return o, nil
}
