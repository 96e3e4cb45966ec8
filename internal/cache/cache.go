// Package cache keeps rendered active-tag trees per fight.
//
// Every fight has a generation that Invalidate advances. A reader takes the
// generation before loading the tree from storage and hands it to Set, which
// stores the tree only if the generation is unchanged. A tree loaded before
// a concurrent change is therefore never cached after that change was
// invalidated.
package cache

import (
	"context"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
)

// TreeCache caches the active tag tree of a fight.
type TreeCache interface {
	// Get returns the cached tree and whether there was one.
	Get(ctx context.Context, fightID string) ([]*domain.TagNode, bool, error)
	// Generation returns the fight's current generation.
	Generation(ctx context.Context, fightID string) (uint64, error)
	// Set stores the tree if the fight is still at generation gen, and
	// silently drops it otherwise.
	Set(ctx context.Context, fightID string, gen uint64, tree []*domain.TagNode) error
	// Invalidate advances the generation and drops the cached tree.
	Invalidate(ctx context.Context, fightID string) error
	Close() error
}

// Nop is a TreeCache that never holds anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]*domain.TagNode, bool, error) { return nil, false, nil }
func (Nop) Generation(context.Context, string) (uint64, error)           { return 0, nil }
func (Nop) Set(context.Context, string, uint64, []*domain.TagNode) error { return nil }
func (Nop) Invalidate(context.Context, string) error                     { return nil }
func (Nop) Close() error                                                 { return nil }
