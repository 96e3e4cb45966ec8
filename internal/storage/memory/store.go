// Package memory is an in-memory implementation of storage.Storage used by
// tests and single-process deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
)

var errTxDone = errors.New("transaction has already been committed or rolled back")

// Store is an in-memory implementation of the storage interface.
//
// The committed state is an immutable snapshot behind an atomic pointer, so
// reads never wait on writers. Writers are serialized by mu: a transaction
// holds it for its whole lifetime and works on a private copy of the
// snapshot, which is published on Commit. A rolled back transaction leaves
// no trace.
type Store struct {
	mu sync.Mutex
	st atomic.Pointer[state]
}

// New creates a new in-memory store.
func New() *Store {
	s := &Store{}
	s.st.Store(newState())
	return s
}

// AddFight registers a fight id so FightExists reports it.
func (s *Store) AddFight(id string) {
	_ = s.exec(func(st *state) error {
		st.fights[id] = &domain.Fight{ID: id, CreatedAt: time.Now().UTC()}
		return nil
	})
}

func (s *Store) Close() error { return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &Tx{store: s, st: s.st.Load().clone()}, nil
}

func read[T any](s *Store, fn func(st *state) (T, error)) (T, error) {
	return fn(s.st.Load())
}

// write applies fn to a copy of the snapshot and publishes the copy only
// when fn succeeds.
func write[T any](s *Store, fn func(st *state) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.st.Load().clone()
	v, err := fn(next)
	if err != nil {
		return v, err
	}
	s.st.Store(next)
	return v, nil
}

func (s *Store) exec(fn func(st *state) error) error {
	_, err := write(s, func(st *state) (struct{}, error) { return struct{}{}, fn(st) })
	return err
}

// Tx is a transaction over a private copy of the store state. A Tx must not
// be shared between goroutines.
type Tx struct {
	store *Store
	st    *state
}

func (t *Tx) Commit() error {
	if t.st == nil {
		return errTxDone
	}
	t.store.st.Store(t.st)
	t.st = nil
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Rollback() error {
	if t.st == nil {
		return errTxDone
	}
	t.st = nil
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Close() error { return nil }

func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, errors.New("nested transactions not supported")
}

func inTx[T any](t *Tx, fn func(st *state) (T, error)) (T, error) {
	if t.st == nil {
		var zero T
		return zero, errTxDone
	}
	return fn(t.st)
}

func (t *Tx) exec(fn func(st *state) error) error {
	if t.st == nil {
		return errTxDone
	}
	return fn(t.st)
}

// ============================================
// State
// ============================================

type state struct {
	apiKeys  map[string]*domain.APIKey
	fights   map[string]*domain.Fight
	tags     map[string]*domain.Tag
	requests map[string]*domain.ChangeRequest
	ballots  map[string]*domain.Ballot
	voted    map[ballotKey]string // ballot id
}

type ballotKey struct {
	requestID string
	session   string
}

func newState() *state {
	return &state{
		apiKeys:  make(map[string]*domain.APIKey),
		fights:   make(map[string]*domain.Fight),
		tags:     make(map[string]*domain.Tag),
		requests: make(map[string]*domain.ChangeRequest),
		ballots:  make(map[string]*domain.Ballot),
		voted:    make(map[ballotKey]string),
	}
}

// clone copies every record so a transaction can mutate freely.
func (st *state) clone() *state {
	c := &state{
		apiKeys:  make(map[string]*domain.APIKey, len(st.apiKeys)),
		fights:   make(map[string]*domain.Fight, len(st.fights)),
		tags:     make(map[string]*domain.Tag, len(st.tags)),
		requests: make(map[string]*domain.ChangeRequest, len(st.requests)),
		ballots:  make(map[string]*domain.Ballot, len(st.ballots)),
		voted:    make(map[ballotKey]string, len(st.voted)),
	}
	for k, v := range st.apiKeys {
		cp := *v
		c.apiKeys[k] = &cp
	}
	for k, v := range st.fights {
		cp := *v
		c.fights[k] = &cp
	}
	for k, v := range st.tags {
		c.tags[k] = copyTag(v)
	}
	for k, v := range st.requests {
		c.requests[k] = copyRequest(v)
	}
	// Ballots are immutable.
	for k, v := range st.ballots {
		c.ballots[k] = v
	}
	for k, v := range st.voted {
		c.voted[k] = v
	}
	return c
}

func copyTag(t *domain.Tag) *domain.Tag {
	cp := *t
	return &cp
}

func copyRequest(r *domain.ChangeRequest) *domain.ChangeRequest {
	cp := *r
	return &cp
}

func copyBallot(b *domain.Ballot) *domain.Ballot {
	cp := *b
	return &cp
}

// ============================================
// API Keys
// ============================================

func (st *state) createAPIKey(key *domain.APIKey) error {
	if _, exists := st.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range st.apiKeys {
		if existing.KeyHash == key.KeyHash {
			return domain.ErrAlreadyExists
		}
	}
	cp := *key
	st.apiKeys[key.ID] = &cp
	return nil
}

func (st *state) getAPIKeyByHash(keyHash string) (*domain.APIKey, error) {
	for _, key := range st.apiKeys {
		if key.KeyHash == keyHash {
			cp := *key
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (st *state) listAPIKeys() ([]*domain.APIKey, error) {
	keys := make([]*domain.APIKey, 0, len(st.apiKeys))
	for _, key := range st.apiKeys {
		cp := *key
		keys = append(keys, &cp)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (st *state) deleteAPIKey(id string) error {
	if _, exists := st.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(st.apiKeys, id)
	return nil
}

func (st *state) updateAPIKeyLastUsed(id string) error {
	key, exists := st.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return s.exec(func(st *state) error { return st.createAPIKey(key) })
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return read(s, func(st *state) (*domain.APIKey, error) { return st.getAPIKeyByHash(keyHash) })
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return read(s, (*state).listAPIKeys)
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	return s.exec(func(st *state) error { return st.deleteAPIKey(id) })
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return s.exec(func(st *state) error { return st.updateAPIKeyLastUsed(id) })
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	return read(s, func(st *state) (int, error) { return len(st.apiKeys), nil })
}

func (t *Tx) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return t.exec(func(st *state) error { return st.createAPIKey(key) })
}

func (t *Tx) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return inTx(t, func(st *state) (*domain.APIKey, error) { return st.getAPIKeyByHash(keyHash) })
}

func (t *Tx) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return inTx(t, (*state).listAPIKeys)
}

func (t *Tx) DeleteAPIKey(ctx context.Context, id string) error {
	return t.exec(func(st *state) error { return st.deleteAPIKey(id) })
}

func (t *Tx) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return t.exec(func(st *state) error { return st.updateAPIKeyLastUsed(id) })
}

func (t *Tx) CountAPIKeys(ctx context.Context) (int, error) {
	return inTx(t, func(st *state) (int, error) { return len(st.apiKeys), nil })
}

// ============================================
// Fights
// ============================================

func (st *state) createFight(fight *domain.Fight) error {
	if _, exists := st.fights[fight.ID]; exists {
		return domain.ErrAlreadyExists
	}
	cp := *fight
	st.fights[fight.ID] = &cp
	return nil
}

func (s *Store) CreateFight(ctx context.Context, fight *domain.Fight) error {
	return s.exec(func(st *state) error { return st.createFight(fight) })
}

func (s *Store) FightExists(ctx context.Context, fightID string) (bool, error) {
	return read(s, func(st *state) (bool, error) {
		_, ok := st.fights[fightID]
		return ok, nil
	})
}

func (st *state) lockFight(fightID string) error {
	if _, ok := st.fights[fightID]; !ok {
		return domain.ErrFightNotFound
	}
	return nil
}

// LockFight only checks existence; holding a transaction is already exclusive.
func (s *Store) LockFight(ctx context.Context, fightID string) error {
	_, err := read(s, func(st *state) (struct{}, error) { return struct{}{}, st.lockFight(fightID) })
	return err
}

func (t *Tx) LockFight(ctx context.Context, fightID string) error {
	return t.exec(func(st *state) error { return st.lockFight(fightID) })
}

func (t *Tx) CreateFight(ctx context.Context, fight *domain.Fight) error {
	return t.exec(func(st *state) error { return st.createFight(fight) })
}

func (t *Tx) FightExists(ctx context.Context, fightID string) (bool, error) {
	return inTx(t, func(st *state) (bool, error) {
		_, ok := st.fights[fightID]
		return ok, nil
	})
}

// ============================================
// Tags
// ============================================

func sortTags(tags []*domain.Tag) {
	sort.Slice(tags, func(i, j int) bool {
		if !tags[i].CreatedAt.Equal(tags[j].CreatedAt) {
			return tags[i].CreatedAt.Before(tags[j].CreatedAt)
		}
		return tags[i].ID < tags[j].ID
	})
}

func (st *state) filterTags(keep func(*domain.Tag) bool) []*domain.Tag {
	tags := make([]*domain.Tag, 0)
	for _, tag := range st.tags {
		if keep(tag) {
			tags = append(tags, copyTag(tag))
		}
	}
	sortTags(tags)
	return tags
}

func (st *state) createTag(tag *domain.Tag) error {
	if _, exists := st.tags[tag.ID]; exists {
		return domain.ErrAlreadyExists
	}
	st.tags[tag.ID] = copyTag(tag)
	return nil
}

func (st *state) getTag(id string) (*domain.Tag, error) {
	tag, exists := st.tags[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return copyTag(tag), nil
}

func (st *state) listActiveTags(fightID string) ([]*domain.Tag, error) {
	return st.filterTags(func(t *domain.Tag) bool {
		return t.Active && t.FightID == fightID
	}), nil
}

func (st *state) listActiveTagsByType(fightID, tagType string) ([]*domain.Tag, error) {
	return st.filterTags(func(t *domain.Tag) bool {
		return t.Active && t.FightID == fightID && t.TagType == tagType
	}), nil
}

func (st *state) listActiveChildTags(parentID string) ([]*domain.Tag, error) {
	return st.filterTags(func(t *domain.Tag) bool {
		return t.Active && t.ParentTagID != nil && *t.ParentTagID == parentID
	}), nil
}

func (st *state) listTags(fightID string) ([]*domain.Tag, error) {
	return st.filterTags(func(t *domain.Tag) bool { return t.FightID == fightID }), nil
}

func (st *state) deactivateTag(id string, at time.Time) (bool, error) {
	tag, exists := st.tags[id]
	if !exists {
		return false, domain.ErrNotFound
	}
	if !tag.Active {
		return false, nil
	}
	tag.Active = false
	tag.DeactivatedAt = &at
	return true, nil
}

func (s *Store) CreateTag(ctx context.Context, tag *domain.Tag) error {
	return s.exec(func(st *state) error { return st.createTag(tag) })
}

func (s *Store) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	return read(s, func(st *state) (*domain.Tag, error) { return st.getTag(id) })
}

func (s *Store) ListActiveTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return read(s, func(st *state) ([]*domain.Tag, error) { return st.listActiveTags(fightID) })
}

func (s *Store) ListActiveTagsByType(ctx context.Context, fightID, tagType string) ([]*domain.Tag, error) {
	return read(s, func(st *state) ([]*domain.Tag, error) { return st.listActiveTagsByType(fightID, tagType) })
}

func (s *Store) ListActiveChildTags(ctx context.Context, parentID string) ([]*domain.Tag, error) {
	return read(s, func(st *state) ([]*domain.Tag, error) { return st.listActiveChildTags(parentID) })
}

func (s *Store) ListTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return read(s, func(st *state) ([]*domain.Tag, error) { return st.listTags(fightID) })
}

func (s *Store) DeactivateTag(ctx context.Context, id string, at time.Time) (bool, error) {
	return write(s, func(st *state) (bool, error) { return st.deactivateTag(id, at) })
}

func (t *Tx) CreateTag(ctx context.Context, tag *domain.Tag) error {
	return t.exec(func(st *state) error { return st.createTag(tag) })
}

func (t *Tx) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	return inTx(t, func(st *state) (*domain.Tag, error) { return st.getTag(id) })
}

func (t *Tx) ListActiveTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return inTx(t, func(st *state) ([]*domain.Tag, error) { return st.listActiveTags(fightID) })
}

func (t *Tx) ListActiveTagsByType(ctx context.Context, fightID, tagType string) ([]*domain.Tag, error) {
	return inTx(t, func(st *state) ([]*domain.Tag, error) { return st.listActiveTagsByType(fightID, tagType) })
}

func (t *Tx) ListActiveChildTags(ctx context.Context, parentID string) ([]*domain.Tag, error) {
	return inTx(t, func(st *state) ([]*domain.Tag, error) { return st.listActiveChildTags(parentID) })
}

func (t *Tx) ListTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return inTx(t, func(st *state) ([]*domain.Tag, error) { return st.listTags(fightID) })
}

func (t *Tx) DeactivateTag(ctx context.Context, id string, at time.Time) (bool, error) {
	return inTx(t, func(st *state) (bool, error) { return st.deactivateTag(id, at) })
}

// ============================================
// Change Requests
// ============================================

func (st *state) createChangeRequest(req *domain.ChangeRequest) error {
	if _, exists := st.requests[req.ID]; exists {
		return domain.ErrAlreadyExists
	}
	if req.Status == domain.StatusPending {
		for _, existing := range st.requests {
			if existing.Status == domain.StatusPending &&
				existing.FightID == req.FightID && existing.TagType == req.TagType {
				return domain.ErrDuplicatePendingRequest
			}
		}
	}
	st.requests[req.ID] = copyRequest(req)
	return nil
}

func (st *state) getChangeRequest(id string) (*domain.ChangeRequest, error) {
	req, exists := st.requests[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return copyRequest(req), nil
}

func (st *state) getPendingChangeRequest(fightID, tagType string) (*domain.ChangeRequest, error) {
	for _, req := range st.requests {
		if req.Status == domain.StatusPending && req.FightID == fightID && req.TagType == tagType {
			return copyRequest(req), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (st *state) listChangeRequests(fightID string) ([]*domain.ChangeRequest, error) {
	reqs := make([]*domain.ChangeRequest, 0)
	for _, req := range st.requests {
		if req.FightID == fightID {
			reqs = append(reqs, copyRequest(req))
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
	return reqs, nil
}

func (st *state) pending(id string) (*domain.ChangeRequest, error) {
	req, exists := st.requests[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	if req.Status != domain.StatusPending {
		return nil, domain.ErrRequestAlreadyResolved
	}
	return req, nil
}

func (st *state) incrementTally(id string, direction domain.Direction) (*domain.ChangeRequest, error) {
	req, err := st.pending(id)
	if err != nil {
		return nil, err
	}
	switch direction {
	case domain.DirectionFor:
		req.VotesFor++
	case domain.DirectionAgainst:
		req.VotesAgainst++
	default:
		return nil, domain.ErrInvalidInput
	}
	return copyRequest(req), nil
}

func (st *state) transitionChangeRequest(id string, tr storage.Transition) (*domain.ChangeRequest, error) {
	if !tr.Status.IsTerminal() {
		return nil, domain.ErrInvalidInput
	}
	req, err := st.pending(id)
	if err != nil {
		return nil, err
	}
	at := tr.At
	resolvedBy := tr.ResolvedBy
	resolution := tr.Resolution
	req.Status = tr.Status
	req.ResolvedAt = &at
	req.ResolvedBy = &resolvedBy
	req.Resolution = &resolution
	return copyRequest(req), nil
}

func (s *Store) CreateChangeRequest(ctx context.Context, req *domain.ChangeRequest) error {
	return s.exec(func(st *state) error { return st.createChangeRequest(req) })
}

func (s *Store) GetChangeRequest(ctx context.Context, id string) (*domain.ChangeRequest, error) {
	return read(s, func(st *state) (*domain.ChangeRequest, error) { return st.getChangeRequest(id) })
}

func (s *Store) GetPendingChangeRequest(ctx context.Context, fightID, tagType string) (*domain.ChangeRequest, error) {
	return read(s, func(st *state) (*domain.ChangeRequest, error) {
		return st.getPendingChangeRequest(fightID, tagType)
	})
}

func (s *Store) ListChangeRequests(ctx context.Context, fightID string) ([]*domain.ChangeRequest, error) {
	return read(s, func(st *state) ([]*domain.ChangeRequest, error) { return st.listChangeRequests(fightID) })
}

func (s *Store) IncrementTally(ctx context.Context, id string, direction domain.Direction) (*domain.ChangeRequest, error) {
	return write(s, func(st *state) (*domain.ChangeRequest, error) { return st.incrementTally(id, direction) })
}

func (s *Store) TransitionChangeRequest(ctx context.Context, id string, tr storage.Transition) (*domain.ChangeRequest, error) {
	return write(s, func(st *state) (*domain.ChangeRequest, error) { return st.transitionChangeRequest(id, tr) })
}

func (t *Tx) CreateChangeRequest(ctx context.Context, req *domain.ChangeRequest) error {
	return t.exec(func(st *state) error { return st.createChangeRequest(req) })
}

func (t *Tx) GetChangeRequest(ctx context.Context, id string) (*domain.ChangeRequest, error) {
	return inTx(t, func(st *state) (*domain.ChangeRequest, error) { return st.getChangeRequest(id) })
}

func (t *Tx) GetPendingChangeRequest(ctx context.Context, fightID, tagType string) (*domain.ChangeRequest, error) {
	return inTx(t, func(st *state) (*domain.ChangeRequest, error) {
		return st.getPendingChangeRequest(fightID, tagType)
	})
}

func (t *Tx) ListChangeRequests(ctx context.Context, fightID string) ([]*domain.ChangeRequest, error) {
	return inTx(t, func(st *state) ([]*domain.ChangeRequest, error) { return st.listChangeRequests(fightID) })
}

func (t *Tx) IncrementTally(ctx context.Context, id string, direction domain.Direction) (*domain.ChangeRequest, error) {
	return inTx(t, func(st *state) (*domain.ChangeRequest, error) { return st.incrementTally(id, direction) })
}

func (t *Tx) TransitionChangeRequest(ctx context.Context, id string, tr storage.Transition) (*domain.ChangeRequest, error) {
	return inTx(t, func(st *state) (*domain.ChangeRequest, error) { return st.transitionChangeRequest(id, tr) })
}

// ============================================
// Ballots
// ============================================

func (st *state) createBallot(ballot *domain.Ballot) error {
	if _, exists := st.requests[ballot.ChangeRequestID]; !exists {
		return domain.ErrNotFound
	}
	key := ballotKey{requestID: ballot.ChangeRequestID, session: ballot.VoterSession}
	if _, voted := st.voted[key]; voted {
		return domain.ErrDuplicateVote
	}
	if _, exists := st.ballots[ballot.ID]; exists {
		return domain.ErrAlreadyExists
	}
	st.ballots[ballot.ID] = copyBallot(ballot)
	st.voted[key] = ballot.ID
	return nil
}

func (st *state) listBallots(changeRequestID string) ([]*domain.Ballot, error) {
	ballots := make([]*domain.Ballot, 0)
	for _, b := range st.ballots {
		if b.ChangeRequestID == changeRequestID {
			ballots = append(ballots, copyBallot(b))
		}
	}
	sort.Slice(ballots, func(i, j int) bool {
		if !ballots[i].CastAt.Equal(ballots[j].CastAt) {
			return ballots[i].CastAt.Before(ballots[j].CastAt)
		}
		return ballots[i].ID < ballots[j].ID
	})
	return ballots, nil
}

func (s *Store) CreateBallot(ctx context.Context, ballot *domain.Ballot) error {
	return s.exec(func(st *state) error { return st.createBallot(ballot) })
}

func (s *Store) ListBallots(ctx context.Context, changeRequestID string) ([]*domain.Ballot, error) {
	return read(s, func(st *state) ([]*domain.Ballot, error) { return st.listBallots(changeRequestID) })
}

func (t *Tx) CreateBallot(ctx context.Context, ballot *domain.Ballot) error {
	return t.exec(func(st *state) error { return st.createBallot(ballot) })
}

func (t *Tx) ListBallots(ctx context.Context, changeRequestID string) ([]*domain.Ballot, error) {
	return inTx(t, func(st *state) ([]*domain.Ballot, error) { return st.listBallots(changeRequestID) })
}

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.Transaction = (*Tx)(nil)
)
