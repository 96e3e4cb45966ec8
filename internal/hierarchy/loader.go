package hierarchy

import (
	"fmt"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/spf13/viper"
)

// file is the on-disk shape of a tag-type table.
type file struct {
	TagTypes []domain.TagType `mapstructure:"tag_types"`
}

// Load reads a tag-type table from a YAML, JSON or TOML file. Privileged
// types without a threshold get defaultThreshold.
func Load(path string, defaultThreshold int) (*Rules, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading tag types file: %w", err)
	}

	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decoding tag types file: %w", err)
	}

	rules, err := New(withThreshold(f.TagTypes, defaultThreshold))
	if err != nil {
		return nil, fmt.Errorf("invalid tag types in %s: %w", path, err)
	}
	return rules, nil
}

// Default returns the built-in tag-type table.
func Default(defaultThreshold int) (*Rules, error) {
	return New(withThreshold(DefaultTypes(), defaultThreshold))
}

func withThreshold(defs []domain.TagType, threshold int) []domain.TagType {
	if threshold <= 0 {
		return defs
	}
	out := make([]domain.TagType, len(defs))
	copy(out, defs)
	for i := range out {
		if out[i].Privileged && out[i].DefaultThreshold == 0 {
			out[i].DefaultThreshold = threshold
		}
	}
	return out
}

// DefaultTypes is the built-in hierarchy: category > weapon > ruleset >
// league, plus the independent gender and custom types.
func DefaultTypes() []domain.TagType {
	return []domain.TagType{
		{
			ID:          "category",
			Name:        "Format",
			Privileged:  true,
			Cardinality: domain.SingleActive,
			AllowedValues: []string{
				"Duel", "Melee", "Cutting", "Team", "Tournament Final",
			},
		},
		{
			ID:          "weapon",
			Name:        "Weapon",
			ParentType:  "category",
			Privileged:  true,
			Cardinality: domain.SingleActive,
			AllowedValues: []string{
				"Longsword", "Sabre", "Rapier", "Rapier and Dagger", "Sword and Buckler",
				"Messer", "Smallsword", "Dussack", "Spear", "Polearm",
			},
		},
		{
			ID:          "ruleset",
			Name:        "Rule Set",
			ParentType:  "weapon",
			Privileged:  true,
			Cardinality: domain.SingleActive,
		},
		{
			ID:          "league",
			Name:        "League",
			ParentType:  "ruleset",
			Privileged:  true,
			Cardinality: domain.SingleActive,
		},
		{
			ID:            "gender",
			Name:          "Gender",
			Privileged:    true,
			Cardinality:   domain.SingleActive,
			AllowedValues: []string{"Open", "Women", "Men", "Mixed"},
		},
		{
			ID:          "custom",
			Name:        "Label",
			Privileged:  false,
			Cardinality: domain.MultiActive,
		},
	}
}
