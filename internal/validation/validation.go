// Package validation checks caller-supplied fields before they reach the
// engine. Tag values are validated against the tag-type table by the
// hierarchy package; this package covers everything that does not depend on it.
package validation

import (
	"fmt"
	"strings"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
)

// Voter sessions are opaque tokens issued by the session provider.
const (
	minVoterSessionLength = 8
	maxVoterSessionLength = 128
)

// MaxThreshold caps per-request threshold overrides.
const MaxThreshold = 10000

// isAlpha returns true if the byte is an ASCII letter.
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// isAlphaNum returns true if the byte is an ASCII letter or digit.
func isAlphaNum(b byte) bool {
	return isAlpha(b) || isNum(b)
}

// ValidateVoterSession checks that a session token is printable ASCII of a
// sane length. Letters, digits and "-_.:" are accepted.
func ValidateVoterSession(session string) error {
	if session == "" {
		return fmt.Errorf("voter session is required")
	}
	if len(session) < minVoterSessionLength || len(session) > maxVoterSessionLength {
		return fmt.Errorf("voter session must be between %d and %d characters", minVoterSessionLength, maxVoterSessionLength)
	}
	for _, b := range []byte(session) {
		if !isAlphaNum(b) && !strings.ContainsRune("-_.:", rune(b)) {
			return fmt.Errorf("voter session contains invalid character %q", b)
		}
	}
	return nil
}

// ValidateDirection checks a ballot direction.
func ValidateDirection(d domain.Direction) error {
	switch d {
	case domain.DirectionFor, domain.DirectionAgainst:
		return nil
	case "":
		return fmt.Errorf("direction is required")
	default:
		return fmt.Errorf("direction must be %q or %q", domain.DirectionFor, domain.DirectionAgainst)
	}
}

// ValidateThreshold checks a per-request threshold override.
func ValidateThreshold(threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if threshold > MaxThreshold {
		return fmt.Errorf("threshold must not exceed %d", MaxThreshold)
	}
	return nil
}

// ValidateOutcome checks the outcome of an admin override. Only accepted
// and rejected can be forced; cancellation has its own path.
func ValidateOutcome(outcome domain.RequestStatus) error {
	switch outcome {
	case domain.StatusAccepted, domain.StatusRejected:
		return nil
	case "":
		return fmt.Errorf("outcome is required")
	default:
		return fmt.Errorf("outcome must be %q or %q", domain.StatusAccepted, domain.StatusRejected)
	}
}

// ValidateRole checks an API key role. Voter is reserved for anonymous sessions.
func ValidateRole(role domain.Role) error {
	switch role {
	case domain.RoleAdmin, domain.RoleModerator, domain.RoleMember:
		return nil
	default:
		return fmt.Errorf("role must be one of %s, %s, %s", domain.RoleAdmin, domain.RoleModerator, domain.RoleMember)
	}
}

// ValidateProposal checks the shape of a proposal body. The value, including
// an empty one, is checked later against its tag type.
func ValidateProposal(req *domain.ProposeTagRequest) error {
	var errs ValidationErrors
	if strings.TrimSpace(req.TagType) == "" {
		errs.Add("tag_type", req.TagType, "tag_type is required")
	}
	if req.ParentTagID != nil && strings.TrimSpace(*req.ParentTagID) == "" {
		errs.Add("parent_tag_id", "", "parent_tag_id must not be empty when set")
	}
	if req.Threshold != nil {
		if err := ValidateThreshold(*req.Threshold); err != nil {
			errs.Add("threshold", fmt.Sprint(*req.Threshold), err.Error())
		}
	}
	return errs.Err()
}
