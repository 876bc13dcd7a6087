package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/service"
	apimodel "github.com/fslongjin/sandboxd/pkg/model"
)

// SandboxHandler exposes per-sandbox commands as REST routes. Every route
// goes through the control plane, so authorization is the same as /commands.
type SandboxHandler struct {
	plane *service.ControlPlane
}

func NewSandboxHandler(plane *service.ControlPlane) *SandboxHandler {
	return &SandboxHandler{plane: plane}
}

func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	sandboxes := r.Group("/users/:owner/sandboxes")
	{
		sandboxes.POST("", h.Create)
		sandboxes.GET("", h.command(model.OpList, nil))
		sandboxes.GET("/:number", h.command(model.OpInspect, nil))
		sandboxes.DELETE("/:number", h.command(model.OpRemove, nil))
		sandboxes.POST("/:number/suspend", h.Suspend)
		sandboxes.POST("/:number/resume", h.command(model.OpResume, nil))
		sandboxes.POST("/:number/stop", h.command(model.OpStop, nil))
		sandboxes.POST("/:number/restart", h.command(model.OpRestart, nil))
		sandboxes.POST("/:number/connect", h.command(model.OpConnect, nil))
		sandboxes.POST("/:number/renew", h.Renew)
		sandboxes.PUT("/:number/port", h.AssignPort)
		sandboxes.PUT("/:number/shares/:grantee", h.command(model.OpShare, granteeParam))
		sandboxes.DELETE("/:number/shares/:grantee", h.command(model.OpUnshare, granteeParam))
		sandboxes.GET("/:number/history", h.command(model.OpHistory, func(c *gin.Context) map[string]string {
			return map[string]string{"limit": c.DefaultQuery("limit", "50"), "before": c.Query("before")}
		}))
	}
	r.GET("/shared", h.command(model.OpListShared, nil))
}

func granteeParam(c *gin.Context) map[string]string {
	return map[string]string{"grantee": c.Param("grantee")}
}

// target reads the sandbox key from the path. A missing :number yields zero.
func target(c *gin.Context) (model.Key, bool) {
	key := model.Key{Owner: model.Principal(c.Param("owner"))}
	raw := c.Param("number")
	if raw == "" {
		return key, true
	}
	n, err := model.ParseNumber(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
		return key, false
	}
	key.Number = n
	return key, true
}

func (h *SandboxHandler) run(c *gin.Context, okCode int, op model.Operation, params map[string]string) {
	key, ok := target(c)
	if !ok {
		return
	}
	res, err := h.plane.Execute(c.Request.Context(), service.Command{
		Caller:    caller(c),
		Operation: string(op),
		Target:    key,
		Params:    params,
	})
	writeResult(c, okCode, res, err)
}

func (h *SandboxHandler) command(op model.Operation, params func(*gin.Context) map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p map[string]string
		if params != nil {
			p = params(c)
		}
		h.run(c, http.StatusOK, op, p)
	}
}

func (h *SandboxHandler) Create(c *gin.Context) {
	var req apimodel.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
		return
	}
	h.run(c, http.StatusCreated, model.OpCreate, map[string]string{
		"os":        req.OS,
		"ram_gib":   strconv.Itoa(req.RAMGiB),
		"cpu_cores": strconv.FormatFloat(req.CPUCores, 'f', -1, 64),
		"disk_gib":  strconv.Itoa(req.DiskGiB),
	})
}

func (h *SandboxHandler) Suspend(c *gin.Context) {
	var req apimodel.SuspendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
			return
		}
	}
	h.run(c, http.StatusOK, model.OpSuspend, map[string]string{"reason": req.Reason})
}

func (h *SandboxHandler) Renew(c *gin.Context) {
	var req apimodel.RenewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
			return
		}
	}
	h.run(c, http.StatusOK, model.OpRenew, map[string]string{"days": strconv.Itoa(req.Days)})
}

func (h *SandboxHandler) AssignPort(c *gin.Context) {
	var req apimodel.AssignPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
		return
	}
	h.run(c, http.StatusOK, model.OpAssignPort, map[string]string{"port": strconv.Itoa(req.Port)})
}
