package handlers

import (
	"net/http"
	"strings"

	"convodesk/internal/models"
	"convodesk/internal/services"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 会话管理处理器
type ConversationHandler struct {
	conversationService *services.ConversationService
	slaHandler          *SlaHandler
}

// NewConversationHandler 创建会话处理器
func NewConversationHandler(conversationService *services.ConversationService, slaHandler *SlaHandler) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		slaHandler:          slaHandler,
	}
}

// CreateConversation 创建会话
// @Summary 创建会话
// @Accept json
// @Produce json
// @Param conversation body services.ConversationCreateRequest true "会话信息"
// @Success 201 {object} models.Conversation
// @Failure 400 {object} ErrorResponse
// @Router /api/conversations [post]
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req services.ConversationCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	conv, err := h.conversationService.CreateConversation(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "CREATE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// GetConversation 获取会话详情
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, err := h.conversationService.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "GET_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ChangeStatus 变更会话状态
// @Summary 变更会话状态
// @Accept json
// @Produce json
// @Param id path string true "会话ID"
// @Param body body services.StatusChangeRequest true "目标状态"
// @Success 200 {object} models.Conversation
// @Failure 409 {object} ErrorResponse "非法状态迁移"
// @Router /api/conversations/{id}/status [put]
func (h *ConversationHandler) ChangeStatus(c *gin.Context) {
	var req services.StatusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	conv, err := h.conversationService.ChangeStatus(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case strings.Contains(err.Error(), "not found"):
			status = http.StatusNotFound
		case strings.Contains(err.Error(), "invalid transition"):
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Error: "STATUS_CHANGE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Assign 指派会话
func (h *ConversationHandler) Assign(c *gin.Context) {
	var req services.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	conv, err := h.conversationService.Assign(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "ASSIGN_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// UnassignRequest 取消指派请求
type UnassignRequest struct {
	UnassignedBy string `json:"unassigned_by" binding:"required"`
}

// Unassign 取消会话指派
func (h *ConversationHandler) Unassign(c *gin.Context) {
	var req UnassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	conv, err := h.conversationService.Unassign(c.Request.Context(), c.Param("id"), req.UnassignedBy)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "UNASSIGN_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// PriorityRequest 设置优先级请求。priority 为空时清空优先级。
type PriorityRequest struct {
	Priority  *string `json:"priority"`
	UpdatedBy string  `json:"updated_by" binding:"required"`
}

// SetPriority 设置会话优先级
func (h *ConversationHandler) SetPriority(c *gin.Context) {
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	var priority *models.Priority
	if req.Priority != nil {
		p, err := models.ParsePriority(*req.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "INVALID_PRIORITY", Message: err.Error()})
			return
		}
		priority = &p
	}

	conv, err := h.conversationService.SetPriority(c.Request.Context(), c.Param("id"), priority, req.UpdatedBy)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "SET_PRIORITY_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// TagRequest 标签操作请求
type TagRequest struct {
	Tag       string `json:"tag" binding:"required"`
	ChangedBy string `json:"changed_by" binding:"required"`
}

// AddTag 附加标签
func (h *ConversationHandler) AddTag(c *gin.Context) {
	var req TagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	conv, err := h.conversationService.AddTag(c.Request.Context(), c.Param("id"), req.Tag, req.ChangedBy)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "ADD_TAG_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// RemoveTag 移除标签
func (h *ConversationHandler) RemoveTag(c *gin.Context) {
	var req TagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	conv, err := h.conversationService.RemoveTag(c.Request.Context(), c.Param("id"), req.Tag, req.ChangedBy)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "REMOVE_TAG_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// MessageRequest 记录消息请求
type MessageRequest struct {
	SenderType string `json:"sender_type" binding:"required"` // contact, agent
	SenderID   string `json:"sender_id" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

// RecordMessage 记录会话消息
func (h *ConversationHandler) RecordMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Message: "请求参数格式错误: " + err.Error(),
		})
		return
	}

	var (
		msg *models.Message
		err error
	)
	switch req.SenderType {
	case "contact":
		msg, err = h.conversationService.RecordContactMessage(c.Request.Context(), c.Param("id"), req.SenderID, req.Content)
	case "agent":
		msg, err = h.conversationService.RecordAgentMessage(c.Request.Context(), c.Param("id"), req.SenderID, req.Content)
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_SENDER_TYPE",
			Message: "sender_type must be contact or agent",
		})
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "MESSAGE_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMessages 列出会话消息
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	messages, err := h.conversationService.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "LIST_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

// RegisterConversationRoutes 注册会话管理路由
func RegisterConversationRoutes(r *gin.RouterGroup, handler *ConversationHandler) {
	conversations := r.Group("/conversations")
	{
		conversations.POST("", handler.CreateConversation)
		conversations.GET("/:id", handler.GetConversation)
		conversations.PUT("/:id/status", handler.ChangeStatus)
		conversations.POST("/:id/assign", handler.Assign)
		conversations.POST("/:id/unassign", handler.Unassign)
		conversations.PUT("/:id/priority", handler.SetPriority)
		conversations.POST("/:id/tags", handler.AddTag)
		conversations.DELETE("/:id/tags", handler.RemoveTag)
		conversations.POST("/:id/messages", handler.RecordMessage)
		conversations.GET("/:id/messages", handler.ListMessages)
		conversations.POST("/:id/sla", handler.slaHandler.ApplySla)
		conversations.GET("/:id/sla", handler.slaHandler.GetAppliedSla)
	}
}
