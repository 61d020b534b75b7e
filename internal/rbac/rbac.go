package rbac

type Role string
type Action string

const (
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	// ActionReview covers reading the pending queue and raw submissions.
	ActionReview Action = "review"
	// ActionDecide covers draft edits and status decisions.
	ActionDecide Action = "decide"
	ActionExport Action = "export"
	// ActionManage covers moderator account administration.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionReview || action == ActionDecide || action == ActionExport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleModerator
	}
}
