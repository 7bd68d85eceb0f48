package handlers

import (
	"net/http"
	"strings"

	"convodesk/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 自动化规则管理处理器
type AutomationHandler struct {
	automationService *services.AutomationService
}

// NewAutomationHandler 创建自动化处理器
func NewAutomationHandler(automationService *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{automationService: automationService}
}

// CreateRule 创建自动化规则
// @Summary 创建自动化规则
// @Accept json
// @Produce json
// @Param rule body services.AutomationRuleCreateRequest true "规则定义"
// @Success 201 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Router /api/automation/rules [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	rule, err := h.automationService.CreateRule(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "CREATE_FAILED",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule 获取规则详情
func (h *AutomationHandler) GetRule(c *gin.Context) {
	rule, err := h.automationService.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "GET_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ListRules 按执行顺序列出规则
func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.automationService.ListRules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "LIST_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "total": len(rules)})
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var req services.AutomationRuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	rule, err := h.automationService.UpdateRule(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "UPDATE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	if err := h.automationService.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "DELETE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "rule deleted"})
}

// EnableRule 启用规则
func (h *AutomationHandler) EnableRule(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableRule 停用规则
func (h *AutomationHandler) DisableRule(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *AutomationHandler) setEnabled(c *gin.Context, enabled bool) {
	rule, err := h.automationService.SetRuleEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "UPDATE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ListEvaluationLogs 查询规则评估日志
// @Summary 查询规则评估日志
// @Produce json
// @Param rule_id query string false "规则ID"
// @Param conversation_id query string false "会话ID"
// @Success 200 {object} map[string]interface{}
// @Router /api/automation/logs [get]
func (h *AutomationHandler) ListEvaluationLogs(c *gin.Context) {
	var req services.EvaluationLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	logs, total, err := h.automationService.ListEvaluationLogs(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "LIST_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}

// RegisterAutomationRoutes 注册自动化管理路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	automation := r.Group("/automation")
	{
		automation.POST("/rules", handler.CreateRule)
		automation.GET("/rules", handler.ListRules)
		automation.GET("/rules/:id", handler.GetRule)
		automation.PUT("/rules/:id", handler.UpdateRule)
		automation.DELETE("/rules/:id", handler.DeleteRule)
		automation.POST("/rules/:id/enable", handler.EnableRule)
		automation.POST("/rules/:id/disable", handler.DisableRule)
		automation.GET("/logs", handler.ListEvaluationLogs)
	}
}
