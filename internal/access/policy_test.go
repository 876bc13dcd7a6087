package access

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fslongjin/sandboxd/internal/model"
)

type staticAdmins map[model.Principal]bool

func (s staticAdmins) IsAdmin(p model.Principal) bool { return s[p] }

type staticGrants map[model.Key]map[model.Principal]bool

func (s staticGrants) HasGrant(key model.Key, grantee model.Principal) bool {
	return s[key][grantee]
}

func TestAuthorizeMatrix(t *testing.T) {
	key := model.Key{Owner: "owner", Number: 1}
	admins := staticAdmins{"admin": true}
	grants := staticGrants{key: {"delegate": true}}
	target := Target{Key: key}

	all := []model.Operation{
		model.OpCreate, model.OpSuspend, model.OpResume, model.OpStop, model.OpRestart, model.OpRemove,
		model.OpAssignPort, model.OpRenew, model.OpShare, model.OpUnshare, model.OpInspect, model.OpConnect,
		model.OpList, model.OpListShared, model.OpHistory, model.OpAdminAdd, model.OpUpdateSettings,
		model.OpReconcile, model.OpExport,
	}
	allowed := map[model.Principal]map[model.Operation]bool{
		"admin": {
			model.OpCreate: true, model.OpSuspend: true, model.OpResume: true, model.OpStop: true,
			model.OpRestart: true, model.OpRemove: true, model.OpAssignPort: true, model.OpRenew: true,
			model.OpInspect: true, model.OpConnect: true, model.OpList: true, model.OpListShared: true,
			model.OpHistory: true, model.OpAdminAdd: true, model.OpUpdateSettings: true,
			model.OpReconcile: true, model.OpExport: true,
		},
		"owner": {
			model.OpResume: true, model.OpStop: true, model.OpRestart: true, model.OpShare: true,
			model.OpUnshare: true, model.OpInspect: true, model.OpConnect: true, model.OpList: true,
			model.OpListShared: true, model.OpHistory: true,
		},
		"delegate": {
			model.OpResume: true, model.OpStop: true, model.OpRestart: true, model.OpInspect: true,
			model.OpConnect: true, model.OpListShared: true, model.OpHistory: true,
		},
		"stranger": {
			model.OpListShared: true,
		},
	}

	p := Policy{}
	for principal, ops := range allowed {
		for _, op := range all {
			d := p.Authorize(principal, op, target, admins, grants)
			assert.Equalf(t, ops[op], d.Allowed, "%s %s: %+v", principal, op, d)
			if !d.Allowed {
				assert.NotEmptyf(t, d.Reason, "%s %s denied without reason", principal, op)
			}
		}
	}
}

func TestAuthorizeAdminImpersonation(t *testing.T) {
	key := model.Key{Owner: "owner", Number: 1}
	admins := staticAdmins{"admin": true}

	off := Policy{}.Authorize("admin", model.OpShare, Target{Key: key}, admins, nil)
	assert.False(t, off.Allowed)

	on := Policy{AllowAdminImpersonation: true}.Authorize("admin", model.OpUnshare, Target{Key: key}, admins, nil)
	assert.True(t, on.Allowed)
	assert.Equal(t, RoleAdmin, on.Role)
}

func TestAuthorizeDelegationIsPerSandbox(t *testing.T) {
	grants := staticGrants{{Owner: "owner", Number: 1}: {"delegate": true}}

	d := Policy{}.Authorize("delegate", model.OpResume, Target{Key: model.Key{Owner: "owner", Number: 2}}, staticAdmins{}, grants)
	assert.False(t, d.Allowed)

	d = Policy{}.Authorize("delegate", model.OpRemove, Target{Key: model.Key{Owner: "owner", Number: 1}}, staticAdmins{}, grants)
	assert.False(t, d.Allowed)
}

func TestAuthorizeRejectsAnonymousAndUnknown(t *testing.T) {
	assert.False(t, Policy{}.Authorize("", model.OpListShared, Target{}, nil, nil).Allowed)
	assert.False(t, Policy{}.Authorize("admin", model.Operation("format_disk"), Target{}, staticAdmins{"admin": true}, nil).Allowed)
}
