package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/sandboxd/internal/auth"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/service"
	apimodel "github.com/fslongjin/sandboxd/pkg/model"
)

// AdminHandler serves the admin set, settings, reconcile and export routes.
type AdminHandler struct {
	plane *service.ControlPlane
}

func NewAdminHandler(plane *service.ControlPlane) *AdminHandler {
	return &AdminHandler{plane: plane}
}

func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admins", h.AddAdmin)
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", h.UpdateSettings)
	r.POST("/reconcile", h.TriggerReconcile)
	r.GET("/reconcile/runs", h.ListReconcileRuns)
	r.GET("/reconcile/runs/:id", h.GetReconcileRun)
	r.GET("/export", h.Export)
}

func (h *AdminHandler) execute(c *gin.Context, op model.Operation, params map[string]string) (apimodel.CommandResult, error) {
	return h.plane.Execute(c.Request.Context(), service.Command{Caller: caller(c), Operation: string(op), Params: params})
}

// requireAdmin guards read-only admin views that have no command of their own.
func (h *AdminHandler) requireAdmin(c *gin.Context) bool {
	if h.plane.Admins.IsAdmin(auth.Principal(c)) {
		return true
	}
	c.JSON(http.StatusForbidden, apimodel.CommandResult{Status: apimodel.StatusDenied, Message: "admin access required"})
	return false
}

func (h *AdminHandler) AddAdmin(c *gin.Context) {
	var req apimodel.AddAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
		return
	}
	res, err := h.execute(c, model.OpAdminAdd, map[string]string{"principal": req.Principal})
	writeResult(c, http.StatusOK, res, err)
}

func (h *AdminHandler) GetSettings(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	c.JSON(http.StatusOK, settingsResponse(h.plane.Admins.Settings()))
}

func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	var req apimodel.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
		return
	}
	params := map[string]string{}
	if req.LogChannel != nil {
		params[model.SettingLogChannel] = *req.LogChannel
	}
	if req.RenewalChannel != nil {
		params[model.SettingRenewalChannel] = *req.RenewalChannel
	}
	res, err := h.execute(c, model.OpUpdateSettings, params)
	if res.Status != apimodel.StatusOK {
		writeResult(c, http.StatusOK, res, err)
		return
	}
	c.JSON(http.StatusOK, settingsResponse(h.plane.Admins.Settings()))
}

func (h *AdminHandler) TriggerReconcile(c *gin.Context) {
	res, err := h.execute(c, model.OpReconcile, nil)
	if res.Status != apimodel.StatusOK {
		writeResult(c, http.StatusOK, res, err)
		return
	}
	c.JSON(http.StatusAccepted, res.Run)
}

func (h *AdminHandler) ListReconcileRuns(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	resp, err := h.plane.Reconcile.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) GetReconcileRun(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	resp, err := h.plane.Reconcile.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "reconcile run not found"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) Export(c *gin.Context) {
	res, err := h.execute(c, model.OpExport, nil)
	if res.Status != apimodel.StatusOK {
		writeResult(c, http.StatusOK, res, err)
		return
	}
	c.Header("Content-Type", "application/x-yaml")
	c.String(http.StatusOK, res.Export)
}

func settingsResponse(values map[string]string) apimodel.SettingsResponse {
	return apimodel.SettingsResponse{
		LogChannel:     values[model.SettingLogChannel],
		RenewalChannel: values[model.SettingRenewalChannel],
	}
}
