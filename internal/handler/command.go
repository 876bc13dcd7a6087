package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/sandboxd/internal/auth"
	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/service"
	apimodel "github.com/fslongjin/sandboxd/pkg/model"
)

// CommandHandler accepts commands in the front end's generic form.
type CommandHandler struct {
	plane *service.ControlPlane
}

func NewCommandHandler(plane *service.ControlPlane) *CommandHandler {
	return &CommandHandler{plane: plane}
}

func (h *CommandHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/commands", h.Execute)
}

func (h *CommandHandler) Execute(c *gin.Context) {
	var req apimodel.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apimodel.CommandResult{Status: apimodel.StatusInvalid, Message: err.Error()})
		return
	}
	res, err := h.plane.Execute(c.Request.Context(), service.Command{
		Caller:    caller(c),
		Operation: req.Operation,
		Target:    model.Key{Owner: model.Principal(req.Owner), Number: req.Number},
		Params:    req.Params,
	})
	writeResult(c, http.StatusOK, res, err)
}

func caller(c *gin.Context) service.Caller {
	return service.Caller{Principal: auth.Principal(c), Source: service.SourceAPI}
}

// writeResult writes res with the HTTP status matching its command status.
func writeResult(c *gin.Context, okCode int, res apimodel.CommandResult, err error) {
	c.JSON(httpStatus(okCode, res.Status, err), res)
}

func httpStatus(okCode int, status string, err error) int {
	switch status {
	case apimodel.StatusOK:
		return okCode
	case apimodel.StatusInvalid:
		return http.StatusBadRequest
	case apimodel.StatusDenied:
		return http.StatusForbidden
	case apimodel.StatusNotFound:
		return http.StatusNotFound
	case apimodel.StatusConflict:
		return http.StatusConflict
	case apimodel.StatusInconsistent:
		return http.StatusInternalServerError
	}
	var engErr *service.EngineError
	switch {
	case errors.Is(err, lifecycle.ErrDraining):
		return http.StatusServiceUnavailable
	case errors.As(err, &engErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
