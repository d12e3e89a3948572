package rbac

type Role string
type Action string

const (
	RoleReader    Role = "reader"
	RoleAuthor    Role = "author"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionComment  Action = "comment"
	ActionPropose  Action = "propose"
	ActionVote     Action = "vote"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action != ActionAdmin
	case RoleAuthor:
		return action == ActionRead || action == ActionComment || action == ActionPropose || action == ActionVote
	case RoleReader:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// Normalize maps unknown or empty roles to the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleReader, RoleAuthor, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleReader
	}
}
