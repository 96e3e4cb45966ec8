package hierarchy

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
)

// ValidateValue checks a proposed value against the type's value rules and
// returns the canonical form to store. Enumerated values match
// case-insensitively and are canonicalized to the declared spelling.
func (r *Rules) ValidateValue(typeID, value string) (string, error) {
	t, err := r.lookup(typeID)
	if err != nil {
		return "", err
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: value must not be empty", domain.ErrInvalidProposedValue)
	}

	if t.IsEnumerated() {
		for _, allowed := range t.AllowedValues {
			if strings.EqualFold(allowed, value) {
				return allowed, nil
			}
		}
		return "", fmt.Errorf("%w: %q is not one of %s", domain.ErrInvalidProposedValue, value, strings.Join(t.AllowedValues, ", "))
	}

	if n := utf8.RuneCountInString(value); n > t.MaxLength {
		return "", fmt.Errorf("%w: value is %d characters, limit is %d", domain.ErrInvalidProposedValue, n, t.MaxLength)
	}
	for _, c := range value {
		if unicode.IsControl(c) {
			return "", fmt.Errorf("%w: value contains control characters", domain.ErrInvalidProposedValue)
		}
	}
	return value, nil
}
