package storage

import (
	"context"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Fights are owned elsewhere. CreateFight mirrors an id from the fight
	// directory; the engine itself only checks existence.
	CreateFight(ctx context.Context, fight *domain.Fight) error
	FightExists(ctx context.Context, fightID string) (bool, error)
	// LockFight serializes tag mutations on one fight for the rest of the
	// transaction. It returns domain.ErrFightNotFound for unknown fights.
	LockFight(ctx context.Context, fightID string) error

	TagRepository
	ChangeRequestRepository
	BallotRepository

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// TagRepository persists tag instances.
type TagRepository interface {
	CreateTag(ctx context.Context, tag *domain.Tag) error
	GetTag(ctx context.Context, id string) (*domain.Tag, error)
	// ListActiveTags returns the fight's active tags ordered by creation.
	ListActiveTags(ctx context.Context, fightID string) ([]*domain.Tag, error)
	ListActiveTagsByType(ctx context.Context, fightID, tagType string) ([]*domain.Tag, error)
	// ListActiveChildTags returns active tags whose parent is parentID.
	ListActiveChildTags(ctx context.Context, parentID string) ([]*domain.Tag, error)
	// ListTags returns every tag on the fight, active or not.
	ListTags(ctx context.Context, fightID string) ([]*domain.Tag, error)
	// DeactivateTag marks an active tag inactive. It reports false when the
	// tag was already inactive.
	DeactivateTag(ctx context.Context, id string, at time.Time) (bool, error)
}

// ChangeRequestRepository persists change requests. Status changes only go
// through the conditional methods so a terminal request is never rewritten.
type ChangeRequestRepository interface {
	// CreateChangeRequest fails with domain.ErrDuplicatePendingRequest when
	// the slot already has a pending request.
	CreateChangeRequest(ctx context.Context, req *domain.ChangeRequest) error
	GetChangeRequest(ctx context.Context, id string) (*domain.ChangeRequest, error)
	// GetPendingChangeRequest returns domain.ErrNotFound when the slot is free.
	GetPendingChangeRequest(ctx context.Context, fightID, tagType string) (*domain.ChangeRequest, error)
	ListChangeRequests(ctx context.Context, fightID string) ([]*domain.ChangeRequest, error)
	// IncrementTally adds one vote in the given direction if the request is
	// still pending and returns the updated request. A terminal request
	// yields domain.ErrRequestAlreadyResolved.
	IncrementTally(ctx context.Context, id string, direction domain.Direction) (*domain.ChangeRequest, error)
	// TransitionChangeRequest moves a pending request to a terminal status.
	// It is a compare-and-set on status: a request that is no longer pending
	// yields domain.ErrRequestAlreadyResolved and nothing is written.
	TransitionChangeRequest(ctx context.Context, id string, t Transition) (*domain.ChangeRequest, error)
}

// Transition describes a terminal status change.
type Transition struct {
	Status     domain.RequestStatus
	Resolution domain.Resolution
	ResolvedBy string
	At         time.Time
}

// BallotRepository persists ballots.
type BallotRepository interface {
	// CreateBallot fails with domain.ErrDuplicateVote when the voter session
	// already has a ballot on the request.
	CreateBallot(ctx context.Context, ballot *domain.Ballot) error
	ListBallots(ctx context.Context, changeRequestID string) ([]*domain.Ballot, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Storage
	Commit() error
	Rollback() error
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func WithTx(ctx context.Context, store Storage, fn func(tx Transaction) error) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
