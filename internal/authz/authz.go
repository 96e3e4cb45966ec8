// Package authz decides which actor may do what to change requests.
package authz

import "github.com/bcnelson/fight-tag-manager/internal/domain"

type Action string

const (
	ActionPropose    Action = "propose"
	ActionVote       Action = "vote"
	ActionCancelOwn  Action = "cancel_own"
	ActionCancelAny  Action = "cancel_any"
	ActionOverride   Action = "override"
	ActionManageKeys Action = "manage_keys"
	// ActionSetThreshold allows choosing a request's ballot threshold
	// instead of the tag type's default.
	ActionSetThreshold  Action = "set_threshold"
	ActionRegisterFight Action = "register_fight"
)

func Can(role domain.Role, action Action) bool {
	switch role {
	case domain.RoleAdmin:
		return true
	case domain.RoleModerator:
		return action != ActionManageKeys
	case domain.RoleMember, domain.RoleVoter:
		return action == ActionPropose || action == ActionVote || action == ActionCancelOwn
	default:
		return false
	}
}

// Authorizer implements the engine's cancel and override checks on top of
// the role matrix.
type Authorizer struct{}

// New returns the role-based authorizer.
func New() Authorizer {
	return Authorizer{}
}

// CanOverride reports whether the actor may force a request's outcome.
func (Authorizer) CanOverride(actor domain.Actor) bool {
	return Can(actor.Role, ActionOverride)
}

// CanCancel reports whether the actor may cancel the request: its own
// requester, or anyone allowed to cancel any request.
func (Authorizer) CanCancel(actor domain.Actor, req *domain.ChangeRequest) bool {
	if Can(actor.Role, ActionCancelAny) {
		return true
	}
	return actor.ID != "" && actor.ID == req.RequestedBy && Can(actor.Role, ActionCancelOwn)
}
