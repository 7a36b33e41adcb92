package rbac

type Role string
type Action string

const (
	RoleReader Role = "reader"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionSave   Action = "save"
	ActionEdit   Action = "edit"
	ActionImport Action = "import"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionSave || action == ActionEdit
	case RoleReader:
		return action == ActionRead || action == ActionSave
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReader, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleReader
	}
}
