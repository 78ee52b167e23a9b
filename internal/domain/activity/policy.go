package activity

import (
	"sort"
	"strings"
)

// Policy decides which entity types are audited.
type Policy struct {
	models map[string]struct{}
}

// NewPolicy creates a policy that tracks exactly the given entity types.
func NewPolicy(models []string) *Policy {
	p := &Policy{models: make(map[string]struct{}, len(models))}
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		p.models[m] = struct{}{}
	}
	return p
}

// ShouldTrack reports whether mutations on entityType are audited.
func (p *Policy) ShouldTrack(entityType string) bool {
	if p == nil || entityType == "" {
		return false
	}
	_, ok := p.models[entityType]
	return ok
}

// Models returns the sorted allow-list.
func (p *Policy) Models() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.models))
	for m := range p.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
