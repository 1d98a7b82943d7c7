package domain

// ─── Roles & Authorization Policy ───────────────────────────────────────────
// One policy table consumed by every gated operation. Privileged calls
// take an explicit Principal resolved at the boundary — there is no
// ambient "current session" state cached across operations.

// Role is a finance-workflow role.
type Role string

const (
	RoleOwner          Role = "owner"
	RoleDirector       Role = "director"
	RoleFinanceManager Role = "finance_manager"
	RoleEngineer       Role = "engineer"
	RoleFieldStaff     Role = "field_staff"
)

// Principal is the acting identity for a privileged operation.
type Principal struct {
	UserID string
	Role   Role
}

// Action is a gated workflow action.
type Action string

const (
	ActionSubmitExpense  Action = "submit_expense"
	ActionApproveExpense Action = "approve_expense"
	ActionRejectExpense  Action = "reject_expense"
)

// approverRoles may decide pending approvals.
var approverRoles = map[Role]bool{
	RoleOwner:          true,
	RoleDirector:       true,
	RoleFinanceManager: true,
}

// Can is the single authorization policy function.
func Can(role Role, action Action) bool {
	switch action {
	case ActionSubmitExpense:
		// Any authenticated principal may submit their own expenses.
		return role != ""
	case ActionApproveExpense, ActionRejectExpense:
		return approverRoles[role]
	default:
		return false
	}
}
