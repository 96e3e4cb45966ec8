package domain

import "time"

// RequestStatus is the lifecycle state of a change request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s != StatusPending
}

// Resolution records which path ended a change request.
type Resolution string

const (
	ResolutionThreshold Resolution = "threshold"
	ResolutionOverride  Resolution = "override"
	ResolutionCancelled Resolution = "cancelled"
	ResolutionOrphaned  Resolution = "orphaned"
	// ResolutionInvalid marks a request the current tag-type rules no longer
	// admit.
	ResolutionInvalid Resolution = "invalid"
)

// ResolvedByVote is stored as the resolver when the tally decided the outcome.
const ResolvedByVote = "vote"

// ChangeRequest is a proposed change to one (fight, tag type) slot.
// Terminal requests are immutable.
type ChangeRequest struct {
	ID            string        `json:"id" db:"id"`
	FightID       string        `json:"fight_id" db:"fight_id"`
	TagType       string        `json:"tag_type" db:"tag_type"`
	ReplacesTagID *string       `json:"replaces_tag_id,omitempty" db:"replaces_tag_id"`
	ParentTagID   *string       `json:"parent_tag_id,omitempty" db:"parent_tag_id"`
	ProposedValue string        `json:"proposed_value" db:"proposed_value"`
	Threshold     int           `json:"threshold" db:"threshold"`
	Status        RequestStatus `json:"status" db:"status"`
	VotesFor      int           `json:"votes_for" db:"votes_for"`
	VotesAgainst  int           `json:"votes_against" db:"votes_against"`
	RequestedBy   string        `json:"requested_by" db:"requested_by"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy    *string       `json:"resolved_by,omitempty" db:"resolved_by"`
	Resolution    *Resolution   `json:"resolution,omitempty" db:"resolution"`
}

// TotalVotes returns the number of ballots counted so far.
func (c *ChangeRequest) TotalVotes() int {
	return c.VotesFor + c.VotesAgainst
}

// Tallies is the live vote count of a change request.
type Tallies struct {
	For     int `json:"for"`
	Against int `json:"against"`
}

// Tallies returns the current counts.
func (c *ChangeRequest) Tallies() Tallies {
	return Tallies{For: c.VotesFor, Against: c.VotesAgainst}
}

// ProposeTagRequest is the request body for proposing a tag change.
type ProposeTagRequest struct {
	TagType     string  `json:"tag_type"`
	Value       string  `json:"value"`
	ParentTagID *string `json:"parent_tag_id,omitempty"`
	Threshold   *int    `json:"threshold,omitempty"`
}

// ProposeTagResponse holds either the pending request or, for custom tag
// types, the tag that was created immediately.
type ProposeTagResponse struct {
	ChangeRequest *ChangeRequest `json:"change_request,omitempty"`
	Tag           *Tag           `json:"tag,omitempty"`
}

// ResolveRequest is the request body for an admin override.
type ResolveRequest struct {
	Outcome RequestStatus `json:"outcome"`
}
