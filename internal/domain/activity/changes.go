package activity

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// InternalFieldPrefix marks convention-reserved metadata fields that are never diffed.
const InternalFieldPrefix = "_"

// ChangeSet is a shallow before/after diff between two snapshots.
// Before and After always share the same key set.
type ChangeSet struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	// Added lists keys absent from the original snapshot. Their Before value is nil.
	Added []string `json:"added,omitempty"`
	// Removed lists keys present only in the original snapshot. Values are not carried.
	Removed []string `json:"removed,omitempty"`
}

// IsEmpty reports whether the diff found no changes.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Before) == 0 && len(c.After) == 0 && len(c.Removed) == 0
}

// Payload converts the change set to the stored changes payload.
func (c ChangeSet) Payload() Changes {
	before := c.Before
	if before == nil {
		before = map[string]any{}
	}
	after := c.After
	if after == nil {
		after = map[string]any{}
	}
	payload := Changes{"before": before, "after": after}
	if len(c.Added) > 0 {
		payload["added"] = c.Added
	}
	if len(c.Removed) > 0 {
		payload["removed"] = c.Removed
	}
	return payload
}

// DeletedPayload wraps a full pre-deletion snapshot.
func DeletedPayload(snapshot Snapshot) Changes {
	if snapshot == nil {
		return Changes{}
	}
	return Changes{"deleted": map[string]any(snapshot)}
}

// Diff computes the shallow changes from original to updated.
//
// Only keys of updated produce before/after values. Keys that exist solely in original
// are reported by name in Removed. Excluded keys, internal keys and callable values are
// skipped on both sides. A nil snapshot on either side yields an empty change set.
func Diff(original, updated Snapshot, excludeFields ...string) ChangeSet {
	cs := ChangeSet{Before: map[string]any{}, After: map[string]any{}}
	if original == nil || updated == nil {
		return cs
	}

	excluded := make(map[string]struct{}, len(excludeFields))
	for _, f := range excludeFields {
		excluded[f] = struct{}{}
	}
	skip := func(key string, value any) bool {
		if _, ok := excluded[key]; ok {
			return true
		}
		if strings.HasPrefix(key, InternalFieldPrefix) {
			return true
		}
		return !serializable(value)
	}

	for _, key := range sortedKeys(updated) {
		value := updated[key]
		if skip(key, value) {
			continue
		}
		prev, existed := original[key]
		if existed && equal(prev, value) {
			continue
		}
		cs.Before[key] = prev
		cs.After[key] = value
		if !existed {
			cs.Added = append(cs.Added, key)
		}
	}

	for _, key := range sortedKeys(original) {
		if _, ok := updated[key]; ok {
			continue
		}
		if skip(key, original[key]) {
			continue
		}
		cs.Removed = append(cs.Removed, key)
	}

	return cs
}

func sortedKeys(s Snapshot) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func serializable(v any) bool {
	if v == nil {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	}
	return true
}

// equal compares by canonical JSON encoding and falls back to identity when a value
// cannot be encoded.
func equal(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = identical(a, b)
		}
	}()
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return identical(a, b)
	}
	return bytes.Equal(ja, jb)
}

func identical(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	if va.Type().Comparable() {
		return a == b
	}
	return false
}
