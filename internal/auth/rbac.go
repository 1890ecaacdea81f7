package auth

// Role is an admin-surface principal's role (§6). Carried in both JWT
// Claims and APIKey.Role so Authenticate can treat the two credential kinds
// identically once resolved.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleOperator  Role = "operator"
	RoleViewer    Role = "viewer"
)

// Resource is one of the admin surface's protected resource types (§6).
type Resource string

const (
	ResourceWorkflow   Resource = "workflow"
	ResourceRobot      Resource = "robot"
	ResourceCredential Resource = "credential"
	ResourceJob        Resource = "job"
	ResourceSchedule   Resource = "schedule"
)

// Action is a coarse read/write split; every route in internal/admin maps
// to exactly one (resource, action) pair.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// permissions[role][resource] is the set of actions that role may perform
// on resource. Absence of a resource key means no access. admin always has
// full access and is special-cased in Allowed rather than listed here, so
// adding a resource only requires updating the other three roles.
var permissions = map[Role]map[Resource][]Action{
	RoleDeveloper: {
		ResourceWorkflow: {ActionRead, ActionWrite},
		ResourceJob:      {ActionRead, ActionWrite},
		ResourceSchedule: {ActionRead, ActionWrite},
		ResourceRobot:    {ActionRead},
	},
	RoleOperator: {
		ResourceWorkflow: {ActionRead},
		ResourceRobot:    {ActionRead, ActionWrite},
		ResourceJob:      {ActionRead, ActionWrite},
		ResourceSchedule: {ActionRead, ActionWrite},
	},
	RoleViewer: {
		ResourceWorkflow: {ActionRead},
		ResourceRobot:    {ActionRead},
		ResourceJob:      {ActionRead},
		ResourceSchedule: {ActionRead},
	},
}

// Allowed reports whether role may perform action on resource. RoleAdmin is
// unconditionally allowed everything, including ResourceCredential, which no
// other role can reach (rotating API keys and resolving vault_ref is
// admin-only per §6).
func Allowed(role Role, resource Resource, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	actions, ok := permissions[role][resource]
	if !ok {
		return false
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
