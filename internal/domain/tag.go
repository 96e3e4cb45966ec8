package domain

import "time"

// Tag is a single tag instance on a fight. Tags form a tree through
// ParentTagID, which references the exact parent instance.
// Tags are deactivated, never deleted.
type Tag struct {
	ID              string     `json:"id" db:"id"`
	FightID         string     `json:"fight_id" db:"fight_id"`
	TagType         string     `json:"tag_type" db:"tag_type"`
	ParentTagID     *string    `json:"parent_tag_id,omitempty" db:"parent_tag_id"`
	Value           string     `json:"value" db:"value"`
	Active          bool       `json:"active" db:"active"`
	ChangeRequestID *string    `json:"change_request_id,omitempty" db:"change_request_id"`
	CreatedBy       string     `json:"created_by" db:"created_by"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	DeactivatedAt   *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

// TagNode is an active tag together with its active children.
type TagNode struct {
	Tag      *Tag       `json:"tag"`
	Children []*TagNode `json:"children"`
}
