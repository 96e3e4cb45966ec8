package domain

import "time"

// Fight is the minimal view of a fight the tag engine needs. Fights are
// owned and created elsewhere.
type Fight struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
