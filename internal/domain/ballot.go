package domain

import "time"

// Direction is the side a ballot is cast for.
type Direction string

const (
	DirectionFor     Direction = "for"
	DirectionAgainst Direction = "against"
)

// Ballot is one anonymous vote on a change request. Ballots are never
// mutated or deleted.
type Ballot struct {
	ID              string    `json:"id" db:"id"`
	ChangeRequestID string    `json:"change_request_id" db:"change_request_id"`
	VoterSession    string    `json:"-" db:"voter_session"` // Never expose session tokens
	Direction       Direction `json:"direction" db:"direction"`
	CastAt          time.Time `json:"cast_at" db:"cast_at"`
}

// CastVoteRequest is the request body for casting a vote.
type CastVoteRequest struct {
	Direction Direction `json:"direction"`
}

// VoteResult is returned after a ballot is recorded.
type VoteResult struct {
	RequestID string        `json:"request_id"`
	Tallies   Tallies       `json:"tallies"`
	Threshold int           `json:"threshold"`
	Status    RequestStatus `json:"status"`
	Resolved  bool          `json:"resolved"`
}
