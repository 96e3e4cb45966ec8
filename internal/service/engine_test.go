package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bcnelson/fight-tag-manager/internal/cache"
	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/hierarchy"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/bcnelson/fight-tag-manager/internal/storage/memory"
	sqlstore "github.com/bcnelson/fight-tag-manager/internal/storage/sql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	proposer  = domain.AnonymousActor("proposer-session")
	member    = domain.Actor{ID: "key:member", Role: domain.RoleMember}
	moderator = domain.Actor{ID: "key:moderator", Role: domain.RoleModerator}
)

type fixture struct {
	ctx    context.Context
	store  storage.Storage
	engine *Engine
}

func newEngine(t *testing.T, store storage.Storage, treeCache cache.TreeCache, log *zap.Logger) *fixture {
	t.Helper()
	rules, err := hierarchy.Default(domain.DefaultVoteThreshold)
	require.NoError(t, err)
	return &fixture{ctx: context.Background(), store: store, engine: NewEngine(store, rules, treeCache, log)}
}

func newMemoryFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	store.AddFight("f1")
	return newEngine(t, store, nil, nil)
}

func (f *fixture) propose(t *testing.T, tagType, value string) *domain.ChangeRequest {
	t.Helper()
	res, err := f.engine.ProposeTagChange(f.ctx, ProposeInput{FightID: "f1", TagType: tagType, Value: value, Actor: proposer})
	require.NoError(t, err)
	require.NotNil(t, res.ChangeRequest)
	return res.ChangeRequest
}

// votes casts nFor then nAgainst ballots from fresh sessions and returns the
// last result.
func (f *fixture) votes(t *testing.T, requestID string, nFor, nAgainst int) *domain.VoteResult {
	t.Helper()
	var last *domain.VoteResult
	for i := 0; i < nFor+nAgainst; i++ {
		dir := domain.DirectionFor
		if i >= nFor {
			dir = domain.DirectionAgainst
		}
		res, err := f.engine.CastVote(f.ctx, requestID, fmt.Sprintf("%s-voter-%03d", requestID[:8], i), dir)
		require.NoError(t, err)
		last = res
	}
	return last
}

func (f *fixture) accept(t *testing.T, tagType, value string) {
	t.Helper()
	res := f.votes(t, f.propose(t, tagType, value).ID, domain.DefaultVoteThreshold, 0)
	require.Equal(t, domain.StatusAccepted, res.Status)
}

// tree flattens the active tree into type=value pairs, depth first.
func (f *fixture) tree(t *testing.T) []string {
	t.Helper()
	nodes, err := f.engine.GetActiveTags(f.ctx, "f1")
	require.NoError(t, err)
	out := []string{}
	var walk func([]*domain.TagNode)
	walk = func(nodes []*domain.TagNode) {
		for _, n := range nodes {
			out = append(out, n.Tag.TagType+"="+n.Tag.Value)
			walk(n.Children)
		}
	}
	walk(nodes)
	return out
}

func TestScenarioAcceptAndCascade(t *testing.T) {
	f := newMemoryFixture(t)

	f.accept(t, "category", "Duel")
	f.accept(t, "weapon", "Longsword")
	f.accept(t, "ruleset", "HEMA Alliance")
	assert.Equal(t, []string{"category=Duel", "weapon=Longsword", "ruleset=HEMA Alliance"}, f.tree(t))

	req := f.propose(t, "category", "Melee")
	require.NotNil(t, req.ReplacesTagID)
	res := f.votes(t, req.ID, 6, 4)
	assert.True(t, res.Resolved)
	assert.Equal(t, domain.StatusAccepted, res.Status)
	assert.Equal(t, []string{"category=Melee"}, f.tree(t))

	history, err := f.engine.TagHistory(f.ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestScenarioRejectKeepsTree(t *testing.T) {
	f := newMemoryFixture(t)
	f.accept(t, "gender", "Open")

	res := f.votes(t, f.propose(t, "gender", "Women").ID, 5, 5)
	assert.Equal(t, domain.StatusRejected, res.Status)
	assert.Equal(t, []string{"gender=Open"}, f.tree(t))
}

func TestCustomTagsAreImmediate(t *testing.T) {
	f := newMemoryFixture(t)

	res, err := f.engine.ProposeTagChange(f.ctx, ProposeInput{FightID: "f1", TagType: "custom", Value: "double hit", Actor: proposer})
	require.NoError(t, err)
	assert.Nil(t, res.ChangeRequest)
	require.NotNil(t, res.Tag)
	assert.Equal(t, []string{"custom=double hit"}, f.tree(t))
}

func TestProposeErrors(t *testing.T) {
	f := newMemoryFixture(t)
	f.propose(t, "category", "Duel")

	tests := []struct {
		name string
		in   ProposeInput
		want error
	}{
		{"unknown fight", ProposeInput{FightID: "nope", TagType: "category", Value: "Duel", Actor: proposer}, domain.ErrFightNotFound},
		{"unknown type", ProposeInput{FightID: "f1", TagType: "venue", Value: "x", Actor: proposer}, domain.ErrUnknownTagType},
		{"duplicate pending", ProposeInput{FightID: "f1", TagType: "category", Value: "Melee", Actor: proposer}, domain.ErrDuplicatePendingRequest},
		{"orphan", ProposeInput{FightID: "f1", TagType: "weapon", Value: "Sabre", Actor: proposer}, domain.ErrOrphanTag},
		{"bad value", ProposeInput{FightID: "f1", TagType: "gender", Value: "Robots", Actor: proposer}, domain.ErrInvalidProposedValue},
		{"no role", ProposeInput{FightID: "f1", TagType: "gender", Value: "Open"}, domain.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ProposeTagChange(f.ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProposeThresholdRequiresModerator(t *testing.T) {
	f := newMemoryFixture(t)
	one := 1

	_, err := f.engine.ProposeTagChange(f.ctx, ProposeInput{FightID: "f1", TagType: "category", Value: "Duel", Threshold: &one, Actor: proposer})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.engine.ProposeTagChange(f.ctx, ProposeInput{FightID: "f1", TagType: "category", Value: "Duel", Threshold: &one, Actor: member})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	pending, err := f.engine.GetPendingRequest(f.ctx, "f1", "category")
	require.NoError(t, err)
	assert.Nil(t, pending)

	res, err := f.engine.ProposeTagChange(f.ctx, ProposeInput{FightID: "f1", TagType: "category", Value: "Duel", Threshold: &one, Actor: moderator})
	require.NoError(t, err)
	require.NotNil(t, res.ChangeRequest)
	assert.Equal(t, 1, res.ChangeRequest.Threshold)
}

func TestGetPendingRequest(t *testing.T) {
	f := newMemoryFixture(t)

	req, err := f.engine.GetPendingRequest(f.ctx, "f1", "category")
	require.NoError(t, err)
	assert.Nil(t, req)

	opened := f.propose(t, "category", "Duel")
	req, err = f.engine.GetPendingRequest(f.ctx, "f1", "category")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, opened.ID, req.ID)

	_, err = f.engine.GetPendingRequest(f.ctx, "f1", "venue")
	assert.ErrorIs(t, err, domain.ErrUnknownTagType)
	_, err = f.engine.GetPendingRequest(f.ctx, "missing", "category")
	assert.ErrorIs(t, err, domain.ErrFightNotFound)
}

func TestCancelRequest(t *testing.T) {
	f := newMemoryFixture(t)
	req := f.propose(t, "category", "Duel")

	_, err := f.engine.CancelRequest(f.ctx, req.ID, member)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	stale := func(*domain.ChangeRequest) error { return domain.ErrPreconditionFailed }
	_, err = f.engine.CancelRequest(f.ctx, req.ID, proposer, stale)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	cancelled, err := f.engine.CancelRequest(f.ctx, req.ID, proposer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = f.engine.CancelRequest(f.ctx, req.ID, moderator)
	assert.ErrorIs(t, err, domain.ErrRequestAlreadyResolved)
	_, err = f.engine.CastVote(f.ctx, req.ID, "late-voter-01", domain.DirectionFor)
	assert.ErrorIs(t, err, domain.ErrRequestAlreadyResolved)

	// The slot is free again.
	f.propose(t, "category", "Melee")
}

func TestAdminOverrideResolve(t *testing.T) {
	f := newMemoryFixture(t)
	f.accept(t, "category", "Duel")
	f.accept(t, "weapon", "Sabre")

	req := f.propose(t, "category", "Cutting")
	f.votes(t, req.ID, 0, 3)

	_, err := f.engine.AdminOverrideResolve(f.ctx, req.ID, member, domain.StatusAccepted)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.engine.AdminOverrideResolve(f.ctx, req.ID, moderator, domain.StatusCancelled)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	resolved, err := f.engine.AdminOverrideResolve(f.ctx, req.ID, moderator, domain.StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, domain.ResolutionOverride, *resolved.Resolution)
	assert.Equal(t, []string{"category=Cutting"}, f.tree(t))

	_, err = f.engine.AdminOverrideResolve(f.ctx, req.ID, moderator, domain.StatusRejected)
	assert.ErrorIs(t, err, domain.ErrRequestAlreadyResolved)
}

func TestPendingChildOrphanedByParentChange(t *testing.T) {
	f := newMemoryFixture(t)
	f.accept(t, "category", "Duel")

	weapon := f.propose(t, "weapon", "Longsword")
	f.accept(t, "category", "Melee")

	res := f.votes(t, weapon.ID, domain.DefaultVoteThreshold, 0)
	assert.Equal(t, domain.StatusRejected, res.Status)

	stored, err := f.engine.GetChangeRequest(f.ctx, weapon.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Resolution)
	assert.Equal(t, domain.ResolutionOrphaned, *stored.Resolution)
	assert.Equal(t, []string{"category=Melee"}, f.tree(t))
}

func TestBallotsAndTally(t *testing.T) {
	f := newMemoryFixture(t)
	req := f.propose(t, "gender", "Mixed")
	f.votes(t, req.ID, 3, 2)

	ballots, err := f.engine.ListBallots(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, ballots, 5)

	tally, err := f.engine.Tally(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Tallies{For: 3, Against: 2}, tally)

	_, err = f.engine.ListBallots(f.ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	reqs, err := f.engine.ListChangeRequests(f.ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestRegisterFight(t *testing.T) {
	f := newMemoryFixture(t)

	fight, err := f.engine.RegisterFight(f.ctx, " f2 ")
	require.NoError(t, err)
	assert.Equal(t, "f2", fight.ID)

	ok, err := f.engine.FightExists(f.ctx, "f2")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.engine.RegisterFight(f.ctx, "f2")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = f.engine.RegisterFight(f.ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.NotEmpty(t, f.engine.TagTypes())
}

func TestTreeCacheIsInvalidatedOnResolution(t *testing.T) {
	mr := miniredis.RunT(t)
	treeCache, err := cache.NewRedisCache("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { treeCache.Close() })

	store := memory.New()
	store.AddFight("f1")
	f := newEngine(t, store, treeCache, nil)

	assert.Empty(t, f.tree(t))
	_, cached, err := treeCache.Get(f.ctx, "f1")
	require.NoError(t, err)
	assert.True(t, cached)

	f.accept(t, "category", "Duel")
	_, cached, err = treeCache.Get(f.ctx, "f1")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []string{"category=Duel"}, f.tree(t))

	// A failing cache degrades to direct reads.
	mr.Close()
	assert.Equal(t, []string{"category=Duel"}, f.tree(t))
}

// resolvingCache runs hook once inside Set, after the engine loaded the tree
// and before the write reaches the cache.
type resolvingCache struct {
	cache.TreeCache
	once sync.Once
	hook func()
}

func (c *resolvingCache) Set(ctx context.Context, fightID string, gen uint64, tree []*domain.TagNode) error {
	c.once.Do(c.hook)
	return c.TreeCache.Set(ctx, fightID, gen, tree)
}

func TestTreeLoadedBeforeResolutionIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { redisCache.Close() })

	store := memory.New()
	store.AddFight("f1")
	treeCache := &resolvingCache{TreeCache: redisCache}
	f := newEngine(t, store, treeCache, nil)

	req := f.propose(t, "category", "Duel")
	f.votes(t, req.ID, domain.DefaultVoteThreshold-1, 0)
	treeCache.hook = func() {
		res, err := f.engine.CastVote(f.ctx, req.ID, "final-voter", domain.DirectionFor)
		require.NoError(t, err)
		require.Equal(t, domain.StatusAccepted, res.Status)
	}

	// This read loaded the tree before the final ballot landed.
	assert.Empty(t, f.tree(t))
	_, cached, err := redisCache.Get(f.ctx, "f1")
	require.NoError(t, err)
	assert.False(t, cached, "tree loaded before the resolution must not be cached")

	assert.Equal(t, []string{"category=Duel"}, f.tree(t))
	tree, cached, err := redisCache.Get(f.ctx, "f1")
	require.NoError(t, err)
	require.True(t, cached)
	require.Len(t, tree, 1)
	assert.Equal(t, "Duel", tree[0].Tag.Value)
}

func TestResolutionIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := memory.New()
	store.AddFight("f1")
	f := newEngine(t, store, nil, zap.New(core))

	f.accept(t, "gender", "Open")

	entries := logs.FilterMessage("change request resolved").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "accepted", entries[0].ContextMap()["status"])
	assert.Equal(t, "threshold", entries[0].ContextMap()["resolution"])
}

func TestSQLiteConcurrentThresholdResolvesOnce(t *testing.T) {
	store, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := newEngine(t, store, nil, nil)
	_, err = f.engine.RegisterFight(f.ctx, "f1")
	require.NoError(t, err)
	req := f.propose(t, "category", "Duel")

	const voters = 25
	var wg sync.WaitGroup
	results := make(chan *domain.VoteResult, voters)
	errs := make(chan error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.CastVote(f.ctx, req.ID, fmt.Sprintf("sqlite-voter-%03d", i), domain.DirectionFor)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	resolved := 0
	for res := range results {
		if res.Resolved {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)
	for err := range errs {
		assert.ErrorIs(t, err, domain.ErrRequestAlreadyResolved)
	}

	stored, err := f.engine.GetChangeRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, stored.Status)
	assert.Equal(t, domain.DefaultVoteThreshold, stored.VotesFor)
	assert.Equal(t, []string{"category=Duel"}, f.tree(t))
}
