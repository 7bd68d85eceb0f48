package handlers

import (
	"net/http"
	"strings"

	"convodesk/internal/services"

	"github.com/gin-gonic/gin"
)

// SlaHandler SLA策略与节假日管理处理器
type SlaHandler struct {
	slaService *services.SlaService
}

// NewSlaHandler 创建SLA处理器
func NewSlaHandler(slaService *services.SlaService) *SlaHandler {
	return &SlaHandler{slaService: slaService}
}

// CreatePolicy 创建SLA策略
// @Summary 创建SLA策略
// @Accept json
// @Produce json
// @Param policy body services.SlaPolicyCreateRequest true "策略定义"
// @Success 201 {object} models.SlaPolicy
// @Failure 400 {object} ErrorResponse
// @Router /api/sla/policies [post]
func (h *SlaHandler) CreatePolicy(c *gin.Context) {
	var req services.SlaPolicyCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	policy, err := h.slaService.CreatePolicy(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "CREATE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, policy)
}

// GetPolicy 获取SLA策略详情
func (h *SlaHandler) GetPolicy(c *gin.Context) {
	policy, err := h.slaService.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "GET_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// ListPolicies 列出全部SLA策略
func (h *SlaHandler) ListPolicies(c *gin.Context) {
	policies, err := h.slaService.ListPolicies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "LIST_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "total": len(policies)})
}

// UpdatePolicy 更新SLA策略
func (h *SlaHandler) UpdatePolicy(c *gin.Context) {
	var req services.SlaPolicyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	policy, err := h.slaService.UpdatePolicy(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "UPDATE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// DeletePolicy 删除SLA策略
func (h *SlaHandler) DeletePolicy(c *gin.Context) {
	if err := h.slaService.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "DELETE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "policy deleted"})
}

// ApplySlaRequest 应用SLA请求
type ApplySlaRequest struct {
	PolicyID string `json:"policy_id" binding:"required"`
}

// ApplySla 将策略应用到会话
// @Summary 为会话应用SLA策略
// @Accept json
// @Produce json
// @Param id path string true "会话ID"
// @Param body body ApplySlaRequest true "策略ID"
// @Success 201 {object} models.AppliedSla
// @Router /api/conversations/{id}/sla [post]
func (h *SlaHandler) ApplySla(c *gin.Context) {
	var req ApplySlaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	applied, err := h.slaService.ApplySla(c.Request.Context(), c.Param("id"), req.PolicyID)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case strings.Contains(err.Error(), "not found"):
			status = http.StatusNotFound
		case strings.Contains(err.Error(), "active SLA"):
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Error: "APPLY_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, applied)
}

// GetAppliedSla 获取会话上的SLA状态
func (h *SlaHandler) GetAppliedSla(c *gin.Context) {
	applied, err := h.slaService.GetAppliedSla(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "no applied SLA") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "GET_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, applied)
}

// CreateHoliday 创建节假日
func (h *SlaHandler) CreateHoliday(c *gin.Context) {
	var req services.HolidayCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	holiday, err := h.slaService.CreateHoliday(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "CREATE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, holiday)
}

// ListHolidays 列出节假日
func (h *SlaHandler) ListHolidays(c *gin.Context) {
	holidays, err := h.slaService.ListHolidays(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "LIST_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"holidays": holidays, "total": len(holidays)})
}

// DeleteHoliday 删除节假日
func (h *SlaHandler) DeleteHoliday(c *gin.Context) {
	if err := h.slaService.DeleteHoliday(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "DELETE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "holiday deleted"})
}

// RegisterSlaRoutes 注册SLA管理路由
func RegisterSlaRoutes(r *gin.RouterGroup, handler *SlaHandler) {
	sla := r.Group("/sla")
	{
		sla.POST("/policies", handler.CreatePolicy)
		sla.GET("/policies", handler.ListPolicies)
		sla.GET("/policies/:id", handler.GetPolicy)
		sla.PUT("/policies/:id", handler.UpdatePolicy)
		sla.DELETE("/policies/:id", handler.DeletePolicy)
		sla.POST("/holidays", handler.CreateHoliday)
		sla.GET("/holidays", handler.ListHolidays)
		sla.DELETE("/holidays/:id", handler.DeleteHoliday)
	}
}
