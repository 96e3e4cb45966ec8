// Package tagstore is the single authority for which tags are active on a
// fight. Every method takes the storage handle to run against, normally a
// transaction owned by the caller, so that a swap or cascade is never
// observable half-done.
package tagstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/hierarchy"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/google/uuid"
)

// Store applies hierarchy rules to tag mutations.
type Store struct {
	rules *hierarchy.Rules
	now   func() time.Time
}

// New creates a tag store over the given rules.
func New(rules *hierarchy.Rules) *Store {
	return &Store{
		rules: rules,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewTag describes a tag to activate.
type NewTag struct {
	FightID         string
	TagType         string
	Value           string
	ParentTagID     *string
	CreatedBy       string
	ChangeRequestID *string
}

// Change is the result of a tag mutation: the tag that became active and
// every tag deactivated on the way, in deactivation order.
type Change struct {
	Tag         *domain.Tag
	Deactivated []string
}

// AddTag validates the parent link and activates a new tag. For
// single-active types every other active tag of the type on the fight is
// cascaded away first.
func (s *Store) AddTag(ctx context.Context, db storage.Storage, in NewTag) (*Change, error) {
	tt, err := s.rules.Type(in.TagType)
	if err != nil {
		return nil, err
	}
	value, err := s.rules.ValidateValue(in.TagType, in.Value)
	if err != nil {
		return nil, err
	}
	if err := s.checkParent(ctx, db, in.FightID, tt, in.ParentTagID); err != nil {
		return nil, err
	}

	change := &Change{}
	if tt.Cardinality == domain.SingleActive {
		current, err := db.ListActiveTagsByType(ctx, in.FightID, in.TagType)
		if err != nil {
			return nil, fmt.Errorf("listing active %s tags: %w", in.TagType, err)
		}
		for _, old := range current {
			ids, err := s.CascadeInvalidate(ctx, db, old.ID)
			if err != nil {
				return nil, err
			}
			change.Deactivated = append(change.Deactivated, ids...)
		}
	}

	tag := &domain.Tag{
		ID:              uuid.NewString(),
		FightID:         in.FightID,
		TagType:         in.TagType,
		ParentTagID:     in.ParentTagID,
		Value:           value,
		Active:          true,
		ChangeRequestID: in.ChangeRequestID,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       s.now(),
	}
	if err := db.CreateTag(ctx, tag); err != nil {
		return nil, fmt.Errorf("creating tag: %w", err)
	}
	change.Tag = tag
	return change, nil
}

// checkParent enforces that a non-root tag hangs under the active instance
// of its designated parent type on the same fight, and that a root tag has
// no parent.
func (s *Store) checkParent(ctx context.Context, db storage.Storage, fightID string, tt domain.TagType, parentID *string) error {
	if tt.IsRoot() {
		if parentID != nil {
			return fmt.Errorf("%w: %s is a root type and takes no parent", domain.ErrOrphanTag, tt.ID)
		}
		return nil
	}
	if parentID == nil {
		return fmt.Errorf("%w: %s requires an active %s parent", domain.ErrOrphanTag, tt.ID, tt.ParentType)
	}

	parent, err := db.GetTag(ctx, *parentID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: parent tag %s does not exist", domain.ErrOrphanTag, *parentID)
	}
	if err != nil {
		return fmt.Errorf("loading parent tag: %w", err)
	}
	switch {
	case parent.FightID != fightID:
		return fmt.Errorf("%w: parent tag %s belongs to another fight", domain.ErrOrphanTag, parent.ID)
	case !parent.Active:
		return fmt.Errorf("%w: parent tag %s is not active", domain.ErrOrphanTag, parent.ID)
	}
	ok, err := s.rules.CanBeChildOf(tt.ID, parent.TagType)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOrphanTag, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot be a child of %s", domain.ErrOrphanTag, tt.ID, parent.TagType)
	}
	return nil
}

// CascadeInvalidate deactivates the tag and every active tag below it,
// following the parent links actually stored. It returns the ids that went
// from active to inactive, parents before children.
func (s *Store) CascadeInvalidate(ctx context.Context, db storage.Storage, tagID string) ([]string, error) {
	at := s.now()
	var deactivated []string

	stack := []string{tagID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		changed, err := db.DeactivateTag(ctx, id, at)
		if err != nil {
			return nil, fmt.Errorf("deactivating tag %s: %w", id, err)
		}
		if changed {
			deactivated = append(deactivated, id)
		}

		children, err := db.ListActiveChildTags(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("listing children of %s: %w", id, err)
		}
		// Push in reverse so children are visited in creation order.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i].ID)
		}
	}
	return deactivated, nil
}

// ReplaceTag cascades the old tag away and activates the new value in the
// same parent slot. A nil in.ParentTagID inherits the old tag's parent.
func (s *Store) ReplaceTag(ctx context.Context, db storage.Storage, oldTagID string, in NewTag) (*Change, error) {
	old, err := db.GetTag(ctx, oldTagID)
	if err != nil {
		return nil, fmt.Errorf("loading tag %s: %w", oldTagID, err)
	}
	if !old.Active {
		return nil, fmt.Errorf("%w: tag %s is no longer active", domain.ErrNotFound, oldTagID)
	}
	if in.TagType == "" {
		in.TagType = old.TagType
	}
	in.FightID = old.FightID
	if in.ParentTagID == nil {
		in.ParentTagID = old.ParentTagID
	}

	ids, err := s.CascadeInvalidate(ctx, db, oldTagID)
	if err != nil {
		return nil, err
	}
	change, err := s.AddTag(ctx, db, in)
	if err != nil {
		return nil, err
	}
	change.Deactivated = append(ids, change.Deactivated...)
	return change, nil
}

// ActiveTree returns the fight's active tags as a forest rooted at tags
// without a parent. Siblings are ordered by type rank, then value.
func (s *Store) ActiveTree(ctx context.Context, db storage.Storage, fightID string) ([]*domain.TagNode, error) {
	tags, err := db.ListActiveTags(ctx, fightID)
	if err != nil {
		return nil, fmt.Errorf("listing active tags: %w", err)
	}

	nodes := make(map[string]*domain.TagNode, len(tags))
	for _, tag := range tags {
		nodes[tag.ID] = &domain.TagNode{Tag: tag, Children: []*domain.TagNode{}}
	}

	roots := []*domain.TagNode{}
	for _, tag := range tags {
		node := nodes[tag.ID]
		if tag.ParentTagID != nil {
			if parent, ok := nodes[*tag.ParentTagID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	s.sortNodes(roots)
	return roots, nil
}

func (s *Store) sortNodes(nodes []*domain.TagNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Tag, nodes[j].Tag
		if ra, rb := s.rules.Rank(a.TagType), s.rules.Rank(b.TagType); ra != rb {
			return ra < rb
		}
		return strings.ToLower(a.Value) < strings.ToLower(b.Value)
	})
	for _, n := range nodes {
		s.sortNodes(n.Children)
	}
}

// History returns every tag ever attached to the fight, oldest first.
func (s *Store) History(ctx context.Context, db storage.Storage, fightID string) ([]*domain.Tag, error) {
	tags, err := db.ListTags(ctx, fightID)
	if err != nil {
		return nil, fmt.Errorf("listing tag history: %w", err)
	}
	return tags, nil
}

// ActiveInSlot returns the active tag of a single-active type on the fight,
// or nil when the slot is empty.
func (s *Store) ActiveInSlot(ctx context.Context, db storage.Storage, fightID, tagType string) (*domain.Tag, error) {
	tags, err := db.ListActiveTagsByType(ctx, fightID, tagType)
	if err != nil {
		return nil, fmt.Errorf("listing active %s tags: %w", tagType, err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags[len(tags)-1], nil
}
