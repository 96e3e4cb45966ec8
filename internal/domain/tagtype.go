package domain

// Cardinality describes how many tags of one type may be active on a fight.
type Cardinality string

const (
	SingleActive Cardinality = "single"
	MultiActive  Cardinality = "multi"
)

// DefaultVoteThreshold is the total ballot count at which a change request
// resolves when neither the tag type nor the proposer sets one.
const DefaultVoteThreshold = 10

// DefaultMaxValueLength bounds free-text tag values.
const DefaultMaxValueLength = 64

// TagType is the reference definition of a tag type. Privileged types only
// change through voting; the rest are accepted on submission.
type TagType struct {
	ID               string      `json:"id" mapstructure:"id"`
	Name             string      `json:"name" mapstructure:"name"`
	ParentType       string      `json:"parent_type,omitempty" mapstructure:"parent_type"` // Empty for root types
	Privileged       bool        `json:"privileged" mapstructure:"privileged"`
	Cardinality      Cardinality `json:"cardinality" mapstructure:"cardinality"`
	DefaultThreshold int         `json:"default_threshold" mapstructure:"default_threshold"`
	AllowedValues    []string    `json:"allowed_values,omitempty" mapstructure:"allowed_values"` // Empty means free text
	MaxLength        int         `json:"max_length,omitempty" mapstructure:"max_length"`
}

// IsRoot reports whether the type has no parent type.
func (t *TagType) IsRoot() bool {
	return t.ParentType == ""
}

// IsEnumerated reports whether values are restricted to AllowedValues.
func (t *TagType) IsEnumerated() bool {
	return len(t.AllowedValues) > 0
}
