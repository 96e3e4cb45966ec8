// Package voting records anonymous ballots on change requests and resolves
// a request once enough ballots are in.
package voting

import (
	"context"
	"fmt"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/lifecycle"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/bcnelson/fight-tag-manager/internal/validation"
	"github.com/google/uuid"
)

// Resolver ends a pending change request.
type Resolver interface {
	Resolve(ctx context.Context, db storage.Storage, requestID string, outcome domain.RequestStatus, resolvedBy string, resolution domain.Resolution) (*lifecycle.Result, error)
}

// Engine casts ballots.
type Engine struct {
	resolver Resolver
	now      func() time.Time
}

// New creates a voting engine that hands threshold outcomes to resolver.
func New(resolver Resolver) *Engine {
	return &Engine{
		resolver: resolver,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Result is the state of a request after a ballot. Resolution is set when
// the ballot crossed the threshold.
type Result struct {
	Vote       domain.VoteResult
	FightID    string
	Resolution *lifecycle.Result
}

// Decide returns the outcome of a request whose threshold was reached.
// Ties keep the status quo.
func Decide(votesFor, votesAgainst int) domain.RequestStatus {
	if votesFor > votesAgainst {
		return domain.StatusAccepted
	}
	return domain.StatusRejected
}

// CastBallot records one ballot and, when the total reaches the threshold,
// resolves the request in the same unit of work. db must be a transaction:
// a duplicate ballot fails after the tally was incremented and relies on
// the rollback to undo it.
func (e *Engine) CastBallot(ctx context.Context, db storage.Storage, requestID, voterSession string, direction domain.Direction) (*Result, error) {
	if err := validation.ValidateVoterSession(voterSession); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validation.ValidateDirection(direction); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	req, err := db.GetChangeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, domain.ErrRequestAlreadyResolved
	}
	// Fight before request row, the same order every writer uses.
	if err := db.LockFight(ctx, req.FightID); err != nil {
		return nil, err
	}

	req, err = db.IncrementTally(ctx, requestID, direction)
	if err != nil {
		return nil, err
	}
	if err := db.CreateBallot(ctx, &domain.Ballot{
		ID:              uuid.NewString(),
		ChangeRequestID: requestID,
		VoterSession:    voterSession,
		Direction:       direction,
		CastAt:          e.now(),
	}); err != nil {
		return nil, err
	}

	result := &Result{
		FightID: req.FightID,
		Vote: domain.VoteResult{
			RequestID: req.ID,
			Tallies:   req.Tallies(),
			Threshold: req.Threshold,
			Status:    req.Status,
		},
	}
	if req.TotalVotes() < req.Threshold {
		return result, nil
	}

	resolved, err := e.resolver.Resolve(ctx, db, requestID, Decide(req.VotesFor, req.VotesAgainst), domain.ResolvedByVote, domain.ResolutionThreshold)
	if err != nil {
		return nil, fmt.Errorf("resolving request %s: %w", requestID, err)
	}
	result.Resolution = resolved
	result.Vote.Status = resolved.Request.Status
	result.Vote.Resolved = true
	return result, nil
}

// Tally recounts a request's ballots from storage.
func Tally(ctx context.Context, db storage.Storage, requestID string) (domain.Tallies, error) {
	ballots, err := db.ListBallots(ctx, requestID)
	if err != nil {
		return domain.Tallies{}, err
	}
	var t domain.Tallies
	for _, b := range ballots {
		switch b.Direction {
		case domain.DirectionFor:
			t.For++
		case domain.DirectionAgainst:
			t.Against++
		}
	}
	return t, nil
}
