// Package access decides whether a principal may perform an operation on a
// sandbox. Decisions are pure: the admin set and grants are passed in.
package access

import (
	"fmt"

	"github.com/fslongjin/sandboxd/internal/model"
)

// AdminSet reports admin membership.
type AdminSet interface {
	IsAdmin(p model.Principal) bool
}

// GrantSet reports whether grantee holds a delegation on the sandbox key.
type GrantSet interface {
	HasGrant(key model.Key, grantee model.Principal) bool
}

// Role is the strongest relationship a principal has to a target.
type Role string

const (
	RoleNone     Role = "none"
	RoleDelegate Role = "delegate"
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
)

type Decision struct {
	Allowed bool
	Role    Role
	Reason  string
}

// Target is what an operation addresses. Key.Number is zero for operations
// that address an owner as a whole (Create, List).
type Target struct {
	Key model.Key
}

type Policy struct {
	// AllowAdminImpersonation lets admins share and unshare on an owner's behalf.
	AllowAdminImpersonation bool
}

var (
	adminOps = map[model.Operation]bool{
		model.OpCreate: true, model.OpSuspend: true, model.OpRemove: true, model.OpAssignPort: true,
		model.OpRenew: true, model.OpAdminAdd: true, model.OpUpdateSettings: true,
		model.OpReconcile: true, model.OpExport: true,
	}
	manageOps = map[model.Operation]bool{
		model.OpResume: true, model.OpStop: true, model.OpRestart: true,
		model.OpInspect: true, model.OpConnect: true, model.OpHistory: true,
	}
)

// Authorize evaluates op by principal against target.
func (p Policy) Authorize(principal model.Principal, op model.Operation, target Target, admins AdminSet, grants GrantSet) Decision {
	if !principal.Valid() {
		return deny(RoleNone, "anonymous principal")
	}
	isAdmin := admins != nil && admins.IsAdmin(principal)
	isOwner := target.Key.Owner != "" && principal == target.Key.Owner

	switch {
	case adminOps[op]:
		if isAdmin {
			return allow(RoleAdmin)
		}
		return deny(roleOf(isOwner, false), fmt.Sprintf("%s requires an admin", op))

	case manageOps[op]:
		if isAdmin {
			return allow(RoleAdmin)
		}
		if isOwner {
			return allow(RoleOwner)
		}
		if grants != nil && target.Key.Number > 0 && grants.HasGrant(target.Key, principal) {
			return allow(RoleDelegate)
		}
		return deny(RoleNone, fmt.Sprintf("%s requires ownership of or a delegation on %s", op, target.Key))

	case op == model.OpShare || op == model.OpUnshare:
		if isOwner {
			return allow(RoleOwner)
		}
		if isAdmin && p.AllowAdminImpersonation {
			return allow(RoleAdmin)
		}
		return deny(RoleNone, fmt.Sprintf("only the owner may %s %s", op, target.Key))

	case op == model.OpList:
		if isOwner {
			return allow(RoleOwner)
		}
		if isAdmin {
			return allow(RoleAdmin)
		}
		return deny(RoleNone, "only the owner or an admin may list these sandboxes")

	case op == model.OpListShared:
		return allow(roleOf(false, isAdmin))

	default:
		return deny(RoleNone, fmt.Sprintf("unknown operation %q", op))
	}
}

func roleOf(owner, admin bool) Role {
	switch {
	case admin:
		return RoleAdmin
	case owner:
		return RoleOwner
	default:
		return RoleNone
	}
}

func allow(r Role) Decision {
	return Decision{Allowed: true, Role: r}
}

func deny(r Role, reason string) Decision {
	return Decision{Allowed: false, Role: r, Reason: reason}
}
