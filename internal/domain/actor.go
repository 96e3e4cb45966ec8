package domain

// Role is the permission level of an actor.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
	RoleVoter     Role = "voter"
)

// Actor is whoever performs an operation: an API key holder or an
// anonymous voter session.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// AnonymousActor builds the actor for a caller identified only by a voter session.
func AnonymousActor(voterSession string) Actor {
	return Actor{ID: "session:" + voterSession, Role: RoleVoter}
}
