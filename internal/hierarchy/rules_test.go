package hierarchy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRules(t *testing.T) *Rules {
	t.Helper()
	rules, err := Default(domain.DefaultVoteThreshold)
	require.NoError(t, err)
	return rules
}

func TestCanBeChildOf(t *testing.T) {
	rules := defaultRules(t)

	tests := []struct {
		name   string
		child  string
		parent string
		want   bool
	}{
		{"weapon under category", "weapon", "category", true},
		{"ruleset under weapon", "ruleset", "weapon", true},
		{"league under ruleset", "league", "ruleset", true},
		{"weapon under weapon", "weapon", "weapon", false},
		{"ruleset skipping weapon", "ruleset", "category", false},
		{"gender under category", "gender", "category", false},
		{"custom under category", "custom", "category", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.CanBeChildOf(tt.child, tt.parent)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnknownTagType(t *testing.T) {
	rules := defaultRules(t)

	_, err := rules.CanBeChildOf("weapon", "venue")
	assert.ErrorIs(t, err, domain.ErrUnknownTagType)

	_, err = rules.Cardinality("venue")
	assert.ErrorIs(t, err, domain.ErrUnknownTagType)

	_, err = rules.RequiresVoting("venue")
	assert.ErrorIs(t, err, domain.ErrUnknownTagType)

	_, err = rules.DefaultThreshold("venue")
	assert.ErrorIs(t, err, domain.ErrUnknownTagType)

	_, err = rules.ValidateValue("venue", "x")
	assert.ErrorIs(t, err, domain.ErrUnknownTagType)
}

func TestDefaultTable(t *testing.T) {
	rules := defaultRules(t)

	voting, err := rules.RequiresVoting("category")
	require.NoError(t, err)
	assert.True(t, voting)

	voting, err = rules.RequiresVoting("custom")
	require.NoError(t, err)
	assert.False(t, voting)

	card, err := rules.Cardinality("custom")
	require.NoError(t, err)
	assert.Equal(t, domain.MultiActive, card)

	card, err = rules.Cardinality("weapon")
	require.NoError(t, err)
	assert.Equal(t, domain.SingleActive, card)

	threshold, err := rules.DefaultThreshold("weapon")
	require.NoError(t, err)
	assert.Equal(t, 10, threshold)

	threshold, err = rules.DefaultThreshold("custom")
	require.NoError(t, err)
	assert.Equal(t, 0, threshold)

	assert.Equal(t, []string{"category", "gender", "custom"}, rules.Roots())
}

func TestTypesAreTopologicallyOrdered(t *testing.T) {
	// Declared child-first on purpose.
	rules, err := New([]domain.TagType{
		{ID: "league", ParentType: "ruleset", Privileged: true},
		{ID: "ruleset", ParentType: "root", Privileged: true},
		{ID: "root", Privileged: true},
	})
	require.NoError(t, err)

	var ids []string
	for _, tt := range rules.Types() {
		ids = append(ids, tt.ID)
	}
	assert.Equal(t, []string{"root", "ruleset", "league"}, ids)
	assert.Less(t, rules.Rank("root"), rules.Rank("league"))
	assert.Equal(t, 3, rules.Rank("unknown"))
}

func TestNewRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name string
		defs []domain.TagType
	}{
		{"empty", nil},
		{"missing id", []domain.TagType{{Name: "x"}}},
		{"duplicate", []domain.TagType{{ID: "a"}, {ID: "a"}}},
		{"unknown parent", []domain.TagType{{ID: "a", ParentType: "b"}}},
		{"self cycle", []domain.TagType{{ID: "a", ParentType: "a"}}},
		{"long cycle", []domain.TagType{
			{ID: "a", ParentType: "c"},
			{ID: "b", ParentType: "a"},
			{ID: "c", ParentType: "b"},
		}},
		{"bad cardinality", []domain.TagType{{ID: "a", Cardinality: "some"}}},
		{"negative threshold", []domain.TagType{{ID: "a", Privileged: true, DefaultThreshold: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.defs)
			assert.Error(t, err)
		})
	}
}

func TestValidateValue(t *testing.T) {
	rules := defaultRules(t)

	tests := []struct {
		name    string
		typeID  string
		value   string
		want    string
		wantErr bool
	}{
		{"enumerated exact", "category", "Duel", "Duel", false},
		{"enumerated case folded", "weapon", "longsword", "Longsword", false},
		{"enumerated trimmed", "gender", "  Open ", "Open", false},
		{"enumerated unknown", "weapon", "Banana", "", true},
		{"empty", "custom", "   ", "", true},
		{"free text", "custom", "great technique", "great technique", false},
		{"free text too long", "custom", string(make([]byte, 65)), "", true},
		{"control characters", "ruleset", "HEMA\x00rules", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.ValidateValue(tt.typeID, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrInvalidProposedValue), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tag-types.yaml")
	content := `tag_types:
  - id: category
    name: Format
    privileged: true
    cardinality: single
    allowed_values: [Duel, Melee]
  - id: weapon
    parent_type: category
    privileged: true
    default_threshold: 4
  - id: custom
    cardinality: multi
    max_length: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := Load(path, 7)
	require.NoError(t, err)

	threshold, err := rules.DefaultThreshold("category")
	require.NoError(t, err)
	assert.Equal(t, 7, threshold)

	threshold, err = rules.DefaultThreshold("weapon")
	require.NoError(t, err)
	assert.Equal(t, 4, threshold)

	weapon, err := rules.Type("weapon")
	require.NoError(t, err)
	assert.Equal(t, domain.SingleActive, weapon.Cardinality)
	assert.Equal(t, "weapon", weapon.Name)

	custom, err := rules.Type("custom")
	require.NoError(t, err)
	assert.Equal(t, 20, custom.MaxLength)
	assert.False(t, custom.Privileged)
}

func TestLoadRejectsCycles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tag-types.yaml")
	content := `tag_types:
  - id: a
    parent_type: b
  - id: b
    parent_type: a
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path, 10)
	assert.Error(t, err)
}
