// Package hierarchy describes which tag types may nest under which, how many
// tags of a type may be active at once, and which types require voting.
// Rules are immutable after construction and safe for concurrent use.
package hierarchy

import (
	"fmt"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
)

// Rules is the validated tag-type table.
type Rules struct {
	types map[string]*domain.TagType
	order []string // topological: parents before children
	rank  map[string]int
}

// New validates the definitions and builds the rule set.
// Missing cardinality defaults to single-active; missing thresholds on
// privileged types default to domain.DefaultVoteThreshold.
func New(defs []domain.TagType) (*Rules, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no tag types defined")
	}

	types := make(map[string]*domain.TagType, len(defs))
	declared := make([]string, 0, len(defs))
	for i := range defs {
		def := defs[i]
		if def.ID == "" {
			return nil, fmt.Errorf("tag type at index %d has no id", i)
		}
		if _, exists := types[def.ID]; exists {
			return nil, fmt.Errorf("duplicate tag type %q", def.ID)
		}
		if def.Name == "" {
			def.Name = def.ID
		}
		switch def.Cardinality {
		case "":
			def.Cardinality = domain.SingleActive
		case domain.SingleActive, domain.MultiActive:
		default:
			return nil, fmt.Errorf("tag type %q: invalid cardinality %q", def.ID, def.Cardinality)
		}
		if def.Privileged {
			if def.DefaultThreshold == 0 {
				def.DefaultThreshold = domain.DefaultVoteThreshold
			}
			if def.DefaultThreshold < 1 {
				return nil, fmt.Errorf("tag type %q: threshold must be positive", def.ID)
			}
		} else {
			def.DefaultThreshold = 0
		}
		if def.MaxLength <= 0 {
			def.MaxLength = domain.DefaultMaxValueLength
		}
		if def.AllowedValues != nil {
			def.AllowedValues = append([]string(nil), def.AllowedValues...)
		}
		types[def.ID] = &def
		declared = append(declared, def.ID)
	}

	for _, id := range declared {
		t := types[id]
		if t.ParentType == "" {
			continue
		}
		if _, ok := types[t.ParentType]; !ok {
			return nil, fmt.Errorf("tag type %q: unknown parent type %q", id, t.ParentType)
		}
	}

	order, err := topoOrder(types, declared)
	if err != nil {
		return nil, err
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	return &Rules{types: types, order: order, rank: rank}, nil
}

// topoOrder walks each type up to its root, rejecting cycles, and emits
// types so that a parent always precedes its children. Declaration order
// breaks ties.
func topoOrder(types map[string]*domain.TagType, declared []string) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(types))
	order := make([]string, 0, len(types))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("tag type %q is its own ancestor", id)
		}
		state[id] = visiting
		if parent := types[id].ParentType; parent != "" {
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range declared {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (r *Rules) lookup(id string) (*domain.TagType, error) {
	t, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTagType, id)
	}
	return t, nil
}

// Type returns a copy of the definition for id.
func (r *Rules) Type(id string) (domain.TagType, error) {
	t, err := r.lookup(id)
	if err != nil {
		return domain.TagType{}, err
	}
	return *t, nil
}

// Types returns all definitions, parents before children.
func (r *Rules) Types() []domain.TagType {
	out := make([]domain.TagType, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.types[id])
	}
	return out
}

// Roots returns the ids of types without a parent type.
func (r *Rules) Roots() []string {
	var roots []string
	for _, id := range r.order {
		if r.types[id].IsRoot() {
			roots = append(roots, id)
		}
	}
	return roots
}

// CanBeChildOf reports whether a tag of childType may hang under a tag of parentType.
func (r *Rules) CanBeChildOf(childType, parentType string) (bool, error) {
	child, err := r.lookup(childType)
	if err != nil {
		return false, err
	}
	if _, err := r.lookup(parentType); err != nil {
		return false, err
	}
	return child.ParentType == parentType, nil
}

// Cardinality returns the active-tag policy of a type.
func (r *Rules) Cardinality(id string) (domain.Cardinality, error) {
	t, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return t.Cardinality, nil
}

// RequiresVoting reports whether changes to the type go through a change request.
func (r *Rules) RequiresVoting(id string) (bool, error) {
	t, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	return t.Privileged, nil
}

// DefaultThreshold returns the ballot count that resolves a request for the type.
func (r *Rules) DefaultThreshold(id string) (int, error) {
	t, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return t.DefaultThreshold, nil
}

// Rank orders types for presentation; unknown types sort last.
func (r *Rules) Rank(id string) int {
	if rank, ok := r.rank[id]; ok {
		return rank
	}
	return len(r.order)
}
