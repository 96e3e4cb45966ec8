// Package lifecycle runs change requests through pending, accepted,
// rejected and cancelled. It is the only caller of the tag store for
// privileged tag types.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/hierarchy"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/bcnelson/fight-tag-manager/internal/tagstore"
	"github.com/bcnelson/fight-tag-manager/internal/validation"
	"github.com/google/uuid"
)

// Authorizer answers the permission questions the lifecycle enforces.
type Authorizer interface {
	CanOverride(actor domain.Actor) bool
	CanCancel(actor domain.Actor, req *domain.ChangeRequest) bool
}

// Manager implements the change request state machine.
type Manager struct {
	rules *hierarchy.Rules
	tags  *tagstore.Store
	authz Authorizer
	now   func() time.Time
}

// New creates a lifecycle manager.
func New(rules *hierarchy.Rules, tags *tagstore.Store, authz Authorizer) *Manager {
	return &Manager{
		rules: rules,
		tags:  tags,
		authz: authz,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Proposal is a request to change one (fight, tag type) slot.
type Proposal struct {
	FightID     string
	TagType     string
	Value       string
	ParentTagID *string
	Threshold   *int
	Actor       domain.Actor
}

// Result is the outcome of a proposal or resolution. Request is nil for
// auto-accepted tag types; Tag is nil unless a tag became active.
type Result struct {
	Request     *domain.ChangeRequest
	Tag         *domain.Tag
	Deactivated []string
}

// Propose validates the proposal. Tag types that do not require voting are
// applied immediately; the rest open a pending change request.
func (m *Manager) Propose(ctx context.Context, db storage.Storage, p Proposal) (*Result, error) {
	tt, err := m.rules.Type(p.TagType)
	if err != nil {
		return nil, err
	}
	value, err := m.rules.ValidateValue(p.TagType, p.Value)
	if err != nil {
		return nil, err
	}
	parentID, err := m.resolveParent(ctx, db, p.FightID, tt, p.ParentTagID)
	if err != nil {
		return nil, err
	}

	if !tt.Privileged {
		change, err := m.tags.AddTag(ctx, db, tagstore.NewTag{
			FightID:     p.FightID,
			TagType:     p.TagType,
			Value:       value,
			ParentTagID: parentID,
			CreatedBy:   p.Actor.ID,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Tag: change.Tag, Deactivated: change.Deactivated}, nil
	}

	threshold := tt.DefaultThreshold
	if p.Threshold != nil {
		if err := validation.ValidateThreshold(*p.Threshold); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		threshold = *p.Threshold
	}

	if _, err := db.GetPendingChangeRequest(ctx, p.FightID, p.TagType); err == nil {
		return nil, domain.ErrDuplicatePendingRequest
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("checking pending request: %w", err)
	}

	var replaces *string
	if tt.Cardinality == domain.SingleActive {
		current, err := m.tags.ActiveInSlot(ctx, db, p.FightID, p.TagType)
		if err != nil {
			return nil, err
		}
		if current != nil {
			if current.Value == value && sameRef(current.ParentTagID, parentID) {
				return nil, fmt.Errorf("%w: %q is already the active %s", domain.ErrInvalidProposedValue, value, tt.ID)
			}
			replaces = &current.ID
		}
	}

	req := &domain.ChangeRequest{
		ID:            uuid.NewString(),
		FightID:       p.FightID,
		TagType:       p.TagType,
		ReplacesTagID: replaces,
		ParentTagID:   parentID,
		ProposedValue: value,
		Threshold:     threshold,
		Status:        domain.StatusPending,
		RequestedBy:   p.Actor.ID,
		CreatedAt:     m.now(),
	}
	if err := db.CreateChangeRequest(ctx, req); err != nil {
		return nil, err
	}
	return &Result{Request: req}, nil
}

// resolveParent returns the parent tag a proposal hangs under. An explicit
// id must be the active tag of the parent type on the same fight. Without
// one, the single active tag of the parent type is used.
func (m *Manager) resolveParent(ctx context.Context, db storage.Storage, fightID string, tt domain.TagType, parentID *string) (*string, error) {
	if tt.IsRoot() {
		if parentID != nil {
			return nil, fmt.Errorf("%w: %s is a root type and takes no parent", domain.ErrOrphanTag, tt.ID)
		}
		return nil, nil
	}

	if parentID != nil {
		parent, err := db.GetTag(ctx, *parentID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: parent tag %s does not exist", domain.ErrOrphanTag, *parentID)
		}
		if err != nil {
			return nil, fmt.Errorf("loading parent tag: %w", err)
		}
		if parent.FightID != fightID || !parent.Active {
			return nil, fmt.Errorf("%w: %s needs an active %s parent on this fight", domain.ErrOrphanTag, tt.ID, tt.ParentType)
		}
		ok, err := m.rules.CanBeChildOf(tt.ID, parent.TagType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrOrphanTag, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s cannot be a child of %s", domain.ErrOrphanTag, tt.ID, parent.TagType)
		}
		return &parent.ID, nil
	}

	candidates, err := db.ListActiveTagsByType(ctx, fightID, tt.ParentType)
	if err != nil {
		return nil, fmt.Errorf("listing %s tags: %w", tt.ParentType, err)
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: no active %s on this fight", domain.ErrOrphanTag, tt.ParentType)
	case 1:
		return &candidates[0].ID, nil
	default:
		return nil, fmt.Errorf("%w: several active %s tags, parent_tag_id is required", domain.ErrOrphanTag, tt.ParentType)
	}
}

// Cancel withdraws a pending request.
func (m *Manager) Cancel(ctx context.Context, db storage.Storage, requestID string, actor domain.Actor) (*domain.ChangeRequest, error) {
	req, err := db.GetChangeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, domain.ErrRequestAlreadyResolved
	}
	if !m.authz.CanCancel(actor, req) {
		return nil, fmt.Errorf("%w: only the requester or a moderator may cancel", domain.ErrUnauthorized)
	}
	return db.TransitionChangeRequest(ctx, requestID, storage.Transition{
		Status:     domain.StatusCancelled,
		Resolution: domain.ResolutionCancelled,
		ResolvedBy: actor.ID,
		At:         m.now(),
	})
}

// ForceResolve lets an authorized actor decide a pending request regardless
// of its tally. Acceptance goes through the same path as a vote.
func (m *Manager) ForceResolve(ctx context.Context, db storage.Storage, requestID string, outcome domain.RequestStatus, actor domain.Actor) (*Result, error) {
	if err := validation.ValidateOutcome(outcome); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !m.authz.CanOverride(actor) {
		return nil, fmt.Errorf("%w: override requires a moderator", domain.ErrUnauthorized)
	}
	return m.Resolve(ctx, db, requestID, outcome, actor.ID, domain.ResolutionOverride)
}

// Resolve moves a pending request to accepted or rejected. Acceptance
// materializes the proposed tag in the request's slot; if the stored parent
// is no longer active the request is rejected as orphaned instead, and if
// the current rules no longer admit the request it is rejected as invalid.
// A terminal request yields domain.ErrRequestAlreadyResolved and nothing
// changes.
func (m *Manager) Resolve(ctx context.Context, db storage.Storage, requestID string, outcome domain.RequestStatus, resolvedBy string, resolution domain.Resolution) (*Result, error) {
	if outcome != domain.StatusAccepted && outcome != domain.StatusRejected {
		return nil, fmt.Errorf("%w: cannot resolve to %q", domain.ErrInvalidInput, outcome)
	}
	req, err := db.GetChangeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, domain.ErrRequestAlreadyResolved
	}

	if outcome == domain.StatusAccepted {
		valid, err := m.stillValid(ctx, db, req)
		if err != nil {
			return nil, err
		}
		if !valid {
			outcome, resolution = domain.StatusRejected, domain.ResolutionInvalid
		}
	}
	if outcome == domain.StatusAccepted {
		orphaned, err := m.parentGone(ctx, db, req)
		if err != nil {
			return nil, err
		}
		if orphaned {
			outcome, resolution = domain.StatusRejected, domain.ResolutionOrphaned
		}
	}

	resolved, err := db.TransitionChangeRequest(ctx, requestID, storage.Transition{
		Status:     outcome,
		Resolution: resolution,
		ResolvedBy: resolvedBy,
		At:         m.now(),
	})
	if err != nil {
		return nil, err
	}
	result := &Result{Request: resolved}
	if outcome == domain.StatusRejected {
		return result, nil
	}

	change, err := m.materialize(ctx, db, resolved)
	if err != nil {
		return nil, err
	}
	result.Tag = change.Tag
	result.Deactivated = change.Deactivated
	return result, nil
}

// stillValid reports whether the current rules still admit the request's
// type, value and parent type. Rules can change between proposal and
// resolution when the tag-type table is reloaded.
func (m *Manager) stillValid(ctx context.Context, db storage.Storage, req *domain.ChangeRequest) (bool, error) {
	if _, err := m.rules.ValidateValue(req.TagType, req.ProposedValue); err != nil {
		if errors.Is(err, domain.ErrUnknownTagType) || errors.Is(err, domain.ErrInvalidProposedValue) {
			return false, nil
		}
		return false, err
	}
	tt, err := m.rules.Type(req.TagType)
	if err != nil {
		return false, nil
	}
	if req.ParentTagID == nil {
		return tt.IsRoot(), nil
	}
	if tt.IsRoot() {
		return false, nil
	}
	parent, err := db.GetTag(ctx, *req.ParentTagID)
	if errors.Is(err, domain.ErrNotFound) {
		// Reported as orphaned by parentGone.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading parent tag: %w", err)
	}
	ok, err := m.rules.CanBeChildOf(req.TagType, parent.TagType)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

func (m *Manager) parentGone(ctx context.Context, db storage.Storage, req *domain.ChangeRequest) (bool, error) {
	if req.ParentTagID == nil {
		return false, nil
	}
	parent, err := db.GetTag(ctx, *req.ParentTagID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading parent tag: %w", err)
	}
	return !parent.Active, nil
}

// materialize activates the accepted value, replacing the slot's current
// tag when there is one.
func (m *Manager) materialize(ctx context.Context, db storage.Storage, req *domain.ChangeRequest) (*tagstore.Change, error) {
	in := tagstore.NewTag{
		FightID:         req.FightID,
		TagType:         req.TagType,
		Value:           req.ProposedValue,
		ParentTagID:     req.ParentTagID,
		CreatedBy:       req.RequestedBy,
		ChangeRequestID: &req.ID,
	}

	card, err := m.rules.Cardinality(req.TagType)
	if err != nil {
		return nil, err
	}
	if card == domain.SingleActive {
		current, err := m.tags.ActiveInSlot(ctx, db, req.FightID, req.TagType)
		if err != nil {
			return nil, err
		}
		if current != nil {
			return m.tags.ReplaceTag(ctx, db, current.ID, in)
		}
	}
	return m.tags.AddTag(ctx, db, in)
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
