package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fslongjin/sandboxd/internal/access"
	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/model"
	apimodel "github.com/fslongjin/sandboxd/pkg/model"
)

// Command is one request from a front end, already attributed to a principal.
type Command struct {
	Caller    Caller
	Operation string
	Target    model.Key
	Params    map[string]string
}

// ControlPlane is the single entry point for commands: it parses the
// operation, resolves the target, authorizes and dispatches.
type ControlPlane struct {
	Sandboxes *SandboxService
	Sharing   *SharingService
	Admins    *AdminService
	Reconcile *ReconcileService
	Export    *ExportService
	Policy    access.Policy
	Drain     *lifecycle.DrainManager
	Metrics   *metrics.Metrics
}

// Execute runs cmd. The result always carries a status and message; the
// returned error is the cause behind a non-ok status, for callers that need
// to classify it further.
func (p *ControlPlane) Execute(ctx context.Context, cmd Command) (apimodel.CommandResult, error) {
	op, err := model.ParseOperation(cmd.Operation)
	if err != nil {
		p.Metrics.ObserveOperation("unknown", apimodel.StatusInvalid)
		err = &ValidationError{Field: "operation", Message: err.Error()}
		return apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()}, err
	}

	if p.Drain != nil {
		release, err := p.Drain.Begin()
		if err != nil {
			p.Metrics.ObserveOperation(string(op), apimodel.StatusError)
			return apimodel.CommandResult{Status: apimodel.StatusError, Message: "server is shutting down, try again shortly"}, err
		}
		defer release()
	}

	res, err := p.execute(ctx, op, cmd)
	if err != nil {
		res = apimodel.CommandResult{Status: StatusOf(err), Message: err.Error()}
		logger := logx.WithComponent(ctx, "control_plane").With("operation", op, "principal", cmd.Caller.Principal, "status", res.Status)
		switch res.Status {
		case apimodel.StatusError, apimodel.StatusInconsistent:
			logger.Error("command failed", "error", err)
		default:
			logger.Info("command rejected", "error", err)
		}
	}
	p.Metrics.ObserveOperation(string(op), res.Status)
	return res, err
}

func (p *ControlPlane) execute(ctx context.Context, op model.Operation, cmd Command) (apimodel.CommandResult, error) {
	c := cmd.Caller
	target := cmd.Target
	switch op {
	case model.OpList:
		if target.Owner == "" {
			target.Owner = c.Principal
		}
	case model.OpCreate:
		if !target.Owner.Valid() {
			return apimodel.CommandResult{}, invalid("owner", "is required")
		}
	}

	var sb *model.Sandbox
	if op.TargetsSandbox() {
		var err error
		if sb, err = p.Sandboxes.Resolve(ctx, target); err != nil {
			return apimodel.CommandResult{}, err
		}
	}
	if err := p.authorize(ctx, c.Principal, op, target); err != nil {
		return apimodel.CommandResult{}, err
	}

	switch op {
	case model.OpCreate:
		profile, err := profileFromParams(cmd.Params)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		created, err := p.Sandboxes.Create(ctx, c, target.Owner, profile)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return sandboxResult(fmt.Sprintf("Created sandbox %s", created.Key), created), nil

	case model.OpSuspend:
		out, err := p.Sandboxes.Suspend(ctx, c, target, cmd.Params["reason"])
		return sandboxOutcome(out, err, "Sandbox %s is suspended")

	case model.OpStop:
		out, err := p.Sandboxes.Stop(ctx, c, target)
		return sandboxOutcome(out, err, "Sandbox %s is stopped")

	case model.OpResume:
		out, err := p.Sandboxes.Resume(ctx, c, target)
		return sandboxOutcome(out, err, "Sandbox %s is running")

	case model.OpRestart:
		out, err := p.Sandboxes.Restart(ctx, c, target)
		return sandboxOutcome(out, err, "Sandbox %s restarted")

	case model.OpRemove:
		grants, err := p.Sandboxes.Remove(ctx, c, target)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return apimodel.CommandResult{
			Status:  apimodel.StatusOK,
			Message: fmt.Sprintf("Removed sandbox %s and %d delegation grant(s)", target, grants),
		}, nil

	case model.OpAssignPort:
		port, err := intParam(cmd.Params, "port", 0)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		out, err := p.Sandboxes.AssignPort(ctx, c, target, port)
		return sandboxOutcome(out, err, fmt.Sprintf("Port %d assigned to sandbox %%s", port))

	case model.OpRenew:
		days, err := intParam(cmd.Params, "days", 0)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		if days < 0 || days > MaxRenewDays {
			return apimodel.CommandResult{}, invalid("days", "must be between 0 and %d", MaxRenewDays)
		}
		out, err := p.Sandboxes.Renew(ctx, c, target, time.Duration(days)*24*time.Hour)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return sandboxResult(fmt.Sprintf("Sandbox %s renewed until %s", target, out.ExpiresAt.Format(time.RFC3339)), out), nil

	case model.OpShare:
		grantee := model.Principal(strings.TrimSpace(cmd.Params["grantee"]))
		added, err := p.Sharing.Share(ctx, c, target, grantee)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		msg := fmt.Sprintf("Sandbox %s shared with %s", target, grantee)
		if !added {
			msg = fmt.Sprintf("Sandbox %s was already shared with %s", target, grantee)
		}
		return sandboxResult(msg, sb), nil

	case model.OpUnshare:
		grantee := model.Principal(strings.TrimSpace(cmd.Params["grantee"]))
		if err := p.Sharing.Unshare(ctx, c, target, grantee); err != nil {
			return apimodel.CommandResult{}, err
		}
		return sandboxResult(fmt.Sprintf("Revoked %s's access to sandbox %s", grantee, target), sb), nil

	case model.OpInspect:
		grants, err := p.Sharing.Grants(ctx, target)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		res := sandboxResult(fmt.Sprintf("Sandbox %s is %s", target, sb.Status), sb)
		res.Grants = toAPIGrants(grants)
		return res, nil

	case model.OpConnect:
		session, err := p.Sandboxes.Connect(ctx, c, target)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		res := sandboxResult(fmt.Sprintf("Remote session for sandbox %s is ready", target), sb)
		res.Session = session
		return res, nil

	case model.OpHistory:
		limit, err := intParam(cmd.Params, "limit", 50)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		before, err := intParam(cmd.Params, "before", 0)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		history, err := p.Sandboxes.History(ctx, target, limit, int64(before))
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return apimodel.CommandResult{
			Status:  apimodel.StatusOK,
			Message: fmt.Sprintf("%d status change(s) for sandbox %s", len(history), target),
			History: toAPIHistory(history),
		}, nil

	case model.OpList:
		list, err := p.Sandboxes.List(ctx, target.Owner)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return apimodel.CommandResult{
			Status:    apimodel.StatusOK,
			Message:   fmt.Sprintf("%s has %d sandbox(es)", target.Owner, len(list)),
			Sandboxes: toAPISandboxes(list),
		}, nil

	case model.OpListShared:
		list, err := p.Sharing.ListShared(ctx, c.Principal)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return apimodel.CommandResult{
			Status:    apimodel.StatusOK,
			Message:   fmt.Sprintf("%d sandbox(es) shared with %s", len(list), c.Principal),
			Sandboxes: toAPISandboxes(list),
		}, nil

	case model.OpAdminAdd:
		principal := model.Principal(strings.TrimSpace(cmd.Params["principal"]))
		added, err := p.Admins.AddAdmin(ctx, c, principal)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		msg := fmt.Sprintf("%s is now an admin", principal)
		if !added {
			msg = fmt.Sprintf("%s was already an admin", principal)
		}
		return apimodel.CommandResult{Status: apimodel.StatusOK, Message: msg}, nil

	case model.OpUpdateSettings:
		changes := make(map[string]string, len(cmd.Params))
		for k, v := range cmd.Params {
			changes[k] = strings.TrimSpace(v)
		}
		if _, err := p.Admins.UpdateSettings(ctx, c, changes); err != nil {
			return apimodel.CommandResult{}, err
		}
		return apimodel.CommandResult{Status: apimodel.StatusOK, Message: "Settings updated"}, nil

	case model.OpReconcile:
		run, err := p.Reconcile.Run(ctx, "manual")
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return apimodel.CommandResult{
			Status:  apimodel.StatusOK,
			Message: fmt.Sprintf("Reconcile %s found %d drift item(s)", run.Run.ID, run.Run.DriftCount),
			Run:     run,
		}, nil

	case model.OpExport:
		out, err := p.Export.ExportYAML(ctx)
		if err != nil {
			return apimodel.CommandResult{}, err
		}
		return apimodel.CommandResult{Status: apimodel.StatusOK, Message: "Registry exported", Export: string(out)}, nil
	}
	return apimodel.CommandResult{}, invalid("operation", "%s is not supported", op)
}

func (p *ControlPlane) authorize(ctx context.Context, principal model.Principal, op model.Operation, target model.Key) error {
	grants, err := p.Sharing.grantsFor(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}
	decision := p.Policy.Authorize(principal, op, access.Target{Key: target}, p.Admins, grants)
	if !decision.Allowed {
		return &DeniedError{Principal: principal, Operation: op, Reason: decision.Reason}
	}
	return nil
}

// StatusOf maps an error onto a command status.
func StatusOf(err error) string {
	var validation *ValidationError
	var inconsistent *InconsistentStateError
	switch {
	case err == nil:
		return apimodel.StatusOK
	case errors.As(err, &inconsistent):
		return apimodel.StatusInconsistent
	case errors.As(err, &validation):
		return apimodel.StatusInvalid
	case errors.Is(err, ErrDenied):
		return apimodel.StatusDenied
	case errors.Is(err, ErrNotFound):
		return apimodel.StatusNotFound
	case errors.Is(err, ErrConflict):
		return apimodel.StatusConflict
	default:
		return apimodel.StatusError
	}
}

func sandboxResult(msg string, sb *model.Sandbox) apimodel.CommandResult {
	return apimodel.CommandResult{Status: apimodel.StatusOK, Message: msg, Sandbox: ToAPISandbox(sb)}
}

func sandboxOutcome(sb *model.Sandbox, err error, format string) (apimodel.CommandResult, error) {
	if err != nil {
		return apimodel.CommandResult{}, err
	}
	return sandboxResult(fmt.Sprintf(format, sb.Key), sb), nil
}

func profileFromParams(params map[string]string) (model.Profile, error) {
	osFamily, err := model.ParseOSFamily(params["os"])
	if err != nil {
		return model.Profile{}, &ValidationError{Field: "os", Message: err.Error()}
	}
	ram, err := intParam(params, "ram_gib", 0)
	if err != nil {
		return model.Profile{}, err
	}
	disk, err := intParam(params, "disk_gib", 0)
	if err != nil {
		return model.Profile{}, err
	}
	cpu, err := strconv.ParseFloat(strings.TrimSpace(params["cpu_cores"]), 64)
	if err != nil {
		return model.Profile{}, invalid("cpu_cores", "%q is not a number", params["cpu_cores"])
	}
	return model.Profile{OS: osFamily, RAMGiB: ram, CPUCores: cpu, DiskGiB: disk}, nil
}

func intParam(params map[string]string, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(params[name])
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid(name, "%q is not a whole number", raw)
	}
	return v, nil
}
