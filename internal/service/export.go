package service

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/store"
	apimodel "github.com/fslongjin/sandboxd/pkg/model"
)

// ExportService renders the registry as a YAML document for backups and audits.
type ExportService struct {
	sandboxes *SandboxService
	sharing   *SharingService
	admins    *AdminService
	clock     clock.Clock
}

func NewExportService(sandboxes *SandboxService, sharing *SharingService, admins *AdminService, clk clock.Clock) *ExportService {
	if clk == nil {
		clk = clock.Real()
	}
	return &ExportService{sandboxes: sandboxes, sharing: sharing, admins: admins, clock: clk}
}

func (s *ExportService) Snapshot(ctx context.Context) (*apimodel.ExportDocument, error) {
	sandboxes, err := s.sandboxes.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	grants, err := s.sharing.AllGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	admins, err := s.admins.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}

	doc := &apimodel.ExportDocument{
		APIVersion: apimodel.ExportAPIVersion,
		Kind:       apimodel.ExportKind,
		ExportedAt: s.clock.Now(),
		Settings:   toSettings(s.admins.Settings()),
		Sandboxes:  toAPISandboxes(sandboxes),
		Grants:     toAPIGrants(grants),
		Admins:     make([]apimodel.Admin, 0, len(admins)),
	}
	for _, a := range admins {
		doc.Admins = append(doc.Admins, apimodel.Admin{Principal: string(a.Principal), AddedBy: string(a.AddedBy), CreatedAt: a.CreatedAt})
	}
	return doc, nil
}

func (s *ExportService) ExportYAML(ctx context.Context) ([]byte, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export: %w", err)
	}
	return out, nil
}

func ToAPISandbox(sb *model.Sandbox) *apimodel.Sandbox {
	if sb == nil {
		return nil
	}
	return &apimodel.Sandbox{
		Owner:        string(sb.Owner),
		Number:       sb.Number,
		EngineRef:    sb.EngineRef,
		Status:       string(sb.Status),
		StatusReason: sb.StatusReason,
		Profile: apimodel.Profile{
			OS:       string(sb.Profile.OS),
			RAMGiB:   sb.Profile.RAMGiB,
			CPUCores: sb.Profile.CPUCores,
			DiskGiB:  sb.Profile.DiskGiB,
		},
		AssignedPort: sb.AssignedPort,
		CreatedAt:    sb.CreatedAt,
		ExpiresAt:    sb.ExpiresAt,
		UpdatedAt:    sb.UpdatedAt,
	}
}

func toAPISandboxes(list []model.Sandbox) []apimodel.Sandbox {
	out := make([]apimodel.Sandbox, 0, len(list))
	for i := range list {
		out = append(out, *ToAPISandbox(&list[i]))
	}
	return out
}

func toAPIGrants(list []store.GrantRecord) []apimodel.Grant {
	out := make([]apimodel.Grant, 0, len(list))
	for _, g := range list {
		out = append(out, apimodel.Grant{
			Owner:     string(g.Owner),
			Number:    g.Number,
			Grantee:   string(g.Grantee),
			GrantedBy: string(g.GrantedBy),
			CreatedAt: g.CreatedAt,
		})
	}
	return out
}

func toAPIHistory(list []store.SandboxStatusHistoryRecord) []apimodel.HistoryEntry {
	out := make([]apimodel.HistoryEntry, 0, len(list))
	for _, h := range list {
		out = append(out, apimodel.HistoryEntry{
			ID:         h.ID,
			Source:     h.Source,
			FromStatus: h.FromStatus,
			ToStatus:   h.ToStatus,
			Reason:     h.Reason,
			Actor:      h.Actor,
			CreatedAt:  h.CreatedAt,
		})
	}
	return out
}

func toSettings(values map[string]string) apimodel.SettingsResponse {
	return apimodel.SettingsResponse{
		LogChannel:     values[model.SettingLogChannel],
		RenewalChannel: values[model.SettingRenewalChannel],
	}
}
