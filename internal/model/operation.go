package model

import (
	"fmt"
	"strings"
)

// Operation is the closed set of commands the core accepts from the front end.
type Operation string

const (
	OpCreate         Operation = "create"
	OpSuspend        Operation = "suspend"
	OpResume         Operation = "resume"
	OpStop           Operation = "stop"
	OpRestart        Operation = "restart"
	OpRemove         Operation = "remove"
	OpAssignPort     Operation = "assign_port"
	OpRenew          Operation = "renew"
	OpShare          Operation = "share"
	OpUnshare        Operation = "unshare"
	OpInspect        Operation = "inspect"
	OpConnect        Operation = "connect"
	OpList           Operation = "list"
	OpListShared     Operation = "list_shared"
	OpHistory        Operation = "history"
	OpAdminAdd       Operation = "admin_add"
	OpUpdateSettings Operation = "update_settings"
	OpReconcile      Operation = "reconcile"
	OpExport         Operation = "export"
)

var operations = map[Operation]struct{}{
	OpCreate: {}, OpSuspend: {}, OpResume: {}, OpStop: {}, OpRestart: {}, OpRemove: {},
	OpAssignPort: {}, OpRenew: {}, OpShare: {}, OpUnshare: {}, OpInspect: {}, OpConnect: {},
	OpList: {}, OpListShared: {}, OpHistory: {}, OpAdminAdd: {}, OpUpdateSettings: {},
	OpReconcile: {}, OpExport: {},
}

// aliases maps the front end's historical command names onto operations.
var aliases = map[string]Operation{
	"suspend-vps":   OpSuspend,
	"unsuspend-vps": OpResume,
	"unsuspend":     OpResume,
	"start":         OpResume,
	"port-give":     OpAssignPort,
	"share-user":    OpShare,
	"share-ruser":   OpUnshare,
	"manage-shared": OpListShared,
	"admin-add":     OpAdminAdd,
	"ssh":           OpConnect,
}

// ParseOperation maps a wire name onto an Operation. Unknown names never reach the core.
func ParseOperation(v string) (Operation, error) {
	name := strings.ToLower(strings.TrimSpace(v))
	if op, ok := aliases[name]; ok {
		return op, nil
	}
	op := Operation(strings.ReplaceAll(name, "-", "_"))
	if _, ok := operations[op]; !ok {
		return "", fmt.Errorf("unknown operation %q", v)
	}
	return op, nil
}

func (o Operation) Valid() bool {
	_, ok := operations[o]
	return ok
}

// TargetsSandbox reports whether the operation addresses one existing sandbox.
func (o Operation) TargetsSandbox() bool {
	switch o {
	case OpCreate, OpList, OpListShared, OpAdminAdd, OpUpdateSettings, OpReconcile, OpExport:
		return false
	default:
		return true
	}
}
