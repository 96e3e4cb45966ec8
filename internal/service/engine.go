// Package service exposes the tag engine: proposals, ballots, cancellation,
// overrides and the read views over a fight's tags. Every mutation runs in
// one storage transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/authz"
	"github.com/bcnelson/fight-tag-manager/internal/cache"
	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/hierarchy"
	"github.com/bcnelson/fight-tag-manager/internal/lifecycle"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/bcnelson/fight-tag-manager/internal/tagstore"
	"github.com/bcnelson/fight-tag-manager/internal/voting"
	"go.uber.org/zap"
)

// Engine is the entry point for every tag operation.
type Engine struct {
	store     storage.Storage
	rules     *hierarchy.Rules
	tags      *tagstore.Store
	lifecycle *lifecycle.Manager
	voting    *voting.Engine
	cache     cache.TreeCache
	log       *zap.Logger
}

// NewEngine creates a new Engine. A nil cache disables tree caching and a
// nil logger discards log output.
func NewEngine(store storage.Storage, rules *hierarchy.Rules, treeCache cache.TreeCache, log *zap.Logger) *Engine {
	if treeCache == nil {
		treeCache = cache.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	tags := tagstore.New(rules)
	life := lifecycle.New(rules, tags, authz.New())
	return &Engine{
		store:     store,
		rules:     rules,
		tags:      tags,
		lifecycle: life,
		voting:    voting.New(life),
		cache:     treeCache,
		log:       log.Named("engine"),
	}
}

// ProposeInput is a proposal from an actor.
type ProposeInput struct {
	FightID     string
	TagType     string
	Value       string
	ParentTagID *string
	Threshold   *int
	Actor       domain.Actor
}

// Guard is checked against the current request inside the transaction,
// before it is changed.
type Guard func(req *domain.ChangeRequest) error

// ProposeTagChange opens a change request, or for tag types that need no
// vote, adds the tag right away.
func (e *Engine) ProposeTagChange(ctx context.Context, in ProposeInput) (*domain.ProposeTagResponse, error) {
	if !authz.Can(in.Actor.Role, authz.ActionPropose) {
		return nil, fmt.Errorf("%w: %s may not propose tags", domain.ErrUnauthorized, in.Actor.Role)
	}
	if in.Threshold != nil && !authz.Can(in.Actor.Role, authz.ActionSetThreshold) {
		return nil, fmt.Errorf("%w: %s may not set a vote threshold", domain.ErrUnauthorized, in.Actor.Role)
	}

	var res *lifecycle.Result
	err := storage.WithTx(ctx, e.store, func(tx storage.Transaction) error {
		if err := tx.LockFight(ctx, in.FightID); err != nil {
			return err
		}
		var err error
		res, err = e.lifecycle.Propose(ctx, tx, lifecycle.Proposal{
			FightID:     in.FightID,
			TagType:     in.TagType,
			Value:       in.Value,
			ParentTagID: in.ParentTagID,
			Threshold:   in.Threshold,
			Actor:       in.Actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Tag != nil {
		e.invalidate(ctx, in.FightID)
		e.log.Info("tag added",
			zap.String("fight_id", in.FightID),
			zap.String("tag_type", res.Tag.TagType),
			zap.String("tag_id", res.Tag.ID),
			zap.String("actor", in.Actor.ID),
		)
	}
	if res.Request != nil {
		e.log.Info("change request opened",
			zap.String("fight_id", in.FightID),
			zap.String("request_id", res.Request.ID),
			zap.String("tag_type", res.Request.TagType),
			zap.Int("threshold", res.Request.Threshold),
			zap.String("actor", in.Actor.ID),
		)
	}
	return &domain.ProposeTagResponse{ChangeRequest: res.Request, Tag: res.Tag}, nil
}

// CastVote records an anonymous ballot. The ballot that reaches the
// threshold also resolves the request.
func (e *Engine) CastVote(ctx context.Context, requestID, voterSession string, direction domain.Direction) (*domain.VoteResult, error) {
	var res *voting.Result
	err := storage.WithTx(ctx, e.store, func(tx storage.Transaction) error {
		var err error
		res, err = e.voting.CastBallot(ctx, tx, requestID, voterSession, direction)
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Resolution != nil {
		e.resolved(ctx, res.FightID, res.Resolution)
	}
	return &res.Vote, nil
}

// CancelRequest withdraws a pending request. Only its requester or a
// moderator may cancel.
func (e *Engine) CancelRequest(ctx context.Context, requestID string, actor domain.Actor, guards ...Guard) (*domain.ChangeRequest, error) {
	var cancelled *domain.ChangeRequest
	err := e.withRequest(ctx, requestID, guards, func(tx storage.Transaction) error {
		var err error
		cancelled, err = e.lifecycle.Cancel(ctx, tx, requestID, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("change request cancelled",
		zap.String("request_id", requestID),
		zap.String("actor", actor.ID),
	)
	return cancelled, nil
}

// AdminOverrideResolve forces a pending request to accepted or rejected
// regardless of its tally.
func (e *Engine) AdminOverrideResolve(ctx context.Context, requestID string, actor domain.Actor, outcome domain.RequestStatus, guards ...Guard) (*domain.ChangeRequest, error) {
	var res *lifecycle.Result
	err := e.withRequest(ctx, requestID, guards, func(tx storage.Transaction) error {
		var err error
		res, err = e.lifecycle.ForceResolve(ctx, tx, requestID, outcome, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.resolved(ctx, res.Request.FightID, res)
	return res.Request, nil
}

// withRequest locks the request's fight, runs the guards on the request as
// it is under the lock, then fn.
func (e *Engine) withRequest(ctx context.Context, requestID string, guards []Guard, fn func(tx storage.Transaction) error) error {
	return storage.WithTx(ctx, e.store, func(tx storage.Transaction) error {
		req, err := tx.GetChangeRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := tx.LockFight(ctx, req.FightID); err != nil {
			return err
		}
		if len(guards) > 0 {
			// Re-read under the fight lock so guards see the latest tallies.
			if req, err = tx.GetChangeRequest(ctx, requestID); err != nil {
				return err
			}
			for _, guard := range guards {
				if err := guard(req); err != nil {
					return err
				}
			}
		}
		return fn(tx)
	})
}

func (e *Engine) resolved(ctx context.Context, fightID string, res *lifecycle.Result) {
	fields := []zap.Field{
		zap.String("fight_id", fightID),
		zap.String("request_id", res.Request.ID),
		zap.String("status", string(res.Request.Status)),
		zap.Int("votes_for", res.Request.VotesFor),
		zap.Int("votes_against", res.Request.VotesAgainst),
	}
	if res.Request.Resolution != nil {
		fields = append(fields, zap.String("resolution", string(*res.Request.Resolution)))
	}
	if len(res.Deactivated) > 0 {
		fields = append(fields, zap.Strings("deactivated", res.Deactivated))
	}
	e.log.Info("change request resolved", fields...)

	if res.Tag != nil || len(res.Deactivated) > 0 {
		e.invalidate(ctx, fightID)
	}
}

// invalidate advances the fight's cache generation and drops the cached
// tree. It runs after the change has committed. A failure only delays
// freshness until the entry expires, so it is logged and not returned.
func (e *Engine) invalidate(ctx context.Context, fightID string) {
	if err := e.cache.Invalidate(ctx, fightID); err != nil {
		e.log.Warn("tree cache invalidation failed", zap.String("fight_id", fightID), zap.Error(err))
	}
}

// GetActiveTags returns the fight's active tag tree.
func (e *Engine) GetActiveTags(ctx context.Context, fightID string) ([]*domain.TagNode, error) {
	if err := e.requireFight(ctx, fightID); err != nil {
		return nil, err
	}

	tree, ok, err := e.cache.Get(ctx, fightID)
	if err != nil {
		e.log.Warn("tree cache read failed", zap.String("fight_id", fightID), zap.Error(err))
	}
	if ok {
		return tree, nil
	}

	// The generation is read before the tree so that a change committed
	// while the tree loads keeps this copy out of the cache.
	gen, genErr := e.cache.Generation(ctx, fightID)
	if genErr != nil {
		e.log.Warn("tree cache read failed", zap.String("fight_id", fightID), zap.Error(genErr))
	}

	tree, err = e.tags.ActiveTree(ctx, e.store, fightID)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		if err := e.cache.Set(ctx, fightID, gen, tree); err != nil {
			e.log.Warn("tree cache write failed", zap.String("fight_id", fightID), zap.Error(err))
		}
	}
	return tree, nil
}

// GetPendingRequest returns the pending request for the slot, or nil when
// there is none.
func (e *Engine) GetPendingRequest(ctx context.Context, fightID, tagType string) (*domain.ChangeRequest, error) {
	if _, err := e.rules.Type(tagType); err != nil {
		return nil, err
	}
	if err := e.requireFight(ctx, fightID); err != nil {
		return nil, err
	}
	req, err := e.store.GetPendingChangeRequest(ctx, fightID, tagType)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return req, err
}

// GetChangeRequest returns a change request by id.
func (e *Engine) GetChangeRequest(ctx context.Context, requestID string) (*domain.ChangeRequest, error) {
	return e.store.GetChangeRequest(ctx, requestID)
}

// ListChangeRequests returns every change request on the fight, oldest first.
func (e *Engine) ListChangeRequests(ctx context.Context, fightID string) ([]*domain.ChangeRequest, error) {
	if err := e.requireFight(ctx, fightID); err != nil {
		return nil, err
	}
	return e.store.ListChangeRequests(ctx, fightID)
}

// ListBallots returns the ballots cast on a request.
func (e *Engine) ListBallots(ctx context.Context, requestID string) ([]*domain.Ballot, error) {
	if _, err := e.store.GetChangeRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.store.ListBallots(ctx, requestID)
}

// Tally recounts a request's ballots.
func (e *Engine) Tally(ctx context.Context, requestID string) (domain.Tallies, error) {
	if _, err := e.store.GetChangeRequest(ctx, requestID); err != nil {
		return domain.Tallies{}, err
	}
	return voting.Tally(ctx, e.store, requestID)
}

// TagHistory returns every tag the fight ever had, active or not.
func (e *Engine) TagHistory(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	if err := e.requireFight(ctx, fightID); err != nil {
		return nil, err
	}
	return e.tags.History(ctx, e.store, fightID)
}

// TagTypes returns the tag-type table, parents before children.
func (e *Engine) TagTypes() []domain.TagType {
	return e.rules.Types()
}

// RegisterFight makes a fight known to the engine.
func (e *Engine) RegisterFight(ctx context.Context, fightID string) (*domain.Fight, error) {
	fightID = strings.TrimSpace(fightID)
	if fightID == "" || len(fightID) > 128 {
		return nil, fmt.Errorf("%w: fight id must be 1-128 characters", domain.ErrInvalidInput)
	}
	fight := &domain.Fight{ID: fightID, CreatedAt: time.Now().UTC()}
	if err := e.store.CreateFight(ctx, fight); err != nil {
		return nil, err
	}
	e.log.Info("fight registered", zap.String("fight_id", fightID))
	return fight, nil
}

// FightExists reports whether the fight is known.
func (e *Engine) FightExists(ctx context.Context, fightID string) (bool, error) {
	return e.store.FightExists(ctx, fightID)
}

func (e *Engine) requireFight(ctx context.Context, fightID string) error {
	ok, err := e.store.FightExists(ctx, fightID)
	if err != nil {
		return fmt.Errorf("checking fight: %w", err)
	}
	if !ok {
		return domain.ErrFightNotFound
	}
	return nil
}
