package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convodesk/internal/events"
	"convodesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ConversationService 会话生命周期服务。所有变更在落库后发布对应事件。
type ConversationService struct {
	db     *gorm.DB
	bus    *events.Bus
	logger *logrus.Logger
	tracer trace.Tracer
}

// NewConversationService 创建会话服务
func NewConversationService(db *gorm.DB, bus *events.Bus, logger *logrus.Logger) *ConversationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConversationService{
		db:     db,
		bus:    bus,
		logger: logger,
		tracer: otel.Tracer("convodesk.conversation"),
	}
}

// ConversationCreateRequest 创建会话请求
type ConversationCreateRequest struct {
	InboxID   string  `json:"inbox_id" binding:"required"`
	ContactID string  `json:"contact_id" binding:"required"`
	Subject   *string `json:"subject"`
}

// StatusChangeRequest 状态变更请求
type StatusChangeRequest struct {
	Status       string     `json:"status" binding:"required"`
	AgentID      *string    `json:"agent_id"`
	SnoozedUntil *time.Time `json:"snoozed_until"`
}

// AssignRequest 指派请求，user_id/team_id 二选一或同时指定
type AssignRequest struct {
	UserID     *string `json:"user_id"`
	TeamID     *string `json:"team_id"`
	AssignedBy string  `json:"assigned_by" binding:"required"`
}

// CreateConversation 创建会话并发布创建事件
func (s *ConversationService) CreateConversation(ctx context.Context, req *ConversationCreateRequest) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.create")
	defer span.End()

	var inbox models.Inbox
	if err := s.db.WithContext(ctx).First(&inbox, "id = ?", req.InboxID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("inbox %s not found", req.InboxID)
		}
		return nil, fmt.Errorf("failed to load inbox: %w", err)
	}
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, "id = ?", req.ContactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("contact %s not found", req.ContactID)
		}
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}

	// 引用号单调递增，仅用于人类可读展示
	var refSeq int64
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Select("COALESCE(MAX(reference_number), 0)").Scan(&refSeq).Error; err != nil {
		return nil, fmt.Errorf("failed to allocate reference number: %w", err)
	}

	conv := &models.Conversation{
		ID:              uuid.NewString(),
		ReferenceNumber: refSeq + 1,
		InboxID:         req.InboxID,
		ContactID:       req.ContactID,
		Subject:         req.Subject,
		Status:          models.StatusOpen,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	s.bus.Publish(events.ConversationCreated{
		ConversationID: conv.ID,
		InboxID:        conv.InboxID,
		ContactID:      conv.ContactID,
		Status:         string(conv.Status),
		Timestamp:      nowRFC3339(),
	})
	return conv, nil
}

// GetConversation 按ID获取会话（含标签）
func (s *ConversationService) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Preload("Tags").First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s not found", id)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// ChangeStatus 按状态机执行会话状态迁移。迁移与时间戳更新在一个
// 事务里完成，成功后发布状态变更事件。自环迁移合法但不产生事件。
func (s *ConversationService) ChangeStatus(ctx context.Context, id string, req *StatusChangeRequest) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.change_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", id),
		attribute.String("conversation.new_status", req.Status),
	)

	to, err := models.ParseConversationStatus(req.Status)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	from := conv.Status

	if err := ValidateTransition(from, to); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if from == to {
		return conv, nil
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"status": to}
	switch to {
	case models.StatusSnoozed:
		updates["snoozed_until"] = req.SnoozedUntil
	case models.StatusResolved:
		updates["resolved_at"] = now
	case models.StatusOpen:
		updates["snoozed_until"] = nil
		updates["resolved_at"] = nil
	}
	if err := s.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to change status: %w", err)
	}
	conv.Status = to

	tc := TransitionContext{ConversationID: conv.ID, AgentID: req.AgentID, SnoozedUntil: req.SnoozedUntil}
	s.bus.Publish(NewStatusChangedEvent(tc, from, to))
	return conv, nil
}

// Assign 指派会话到用户和/或团队
func (s *ConversationService) Assign(ctx context.Context, id string, req *AssignRequest) (*models.Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID == nil && req.TeamID == nil {
		return nil, fmt.Errorf("assignment requires a user_id or team_id")
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"assigned_by": req.AssignedBy,
		"assigned_at": now,
	}
	if req.UserID != nil {
		var agent models.Agent
		if err := s.db.WithContext(ctx).First(&agent, "user_id = ?", *req.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("user %s not found or has no agent profile", *req.UserID)
			}
			return nil, fmt.Errorf("failed to load agent: %w", err)
		}
		updates["assigned_user_id"] = *req.UserID
		conv.AssignedUserID = req.UserID
	}
	if req.TeamID != nil {
		var team models.Team
		if err := s.db.WithContext(ctx).First(&team, "id = ?", *req.TeamID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("team %s not found", *req.TeamID)
			}
			return nil, fmt.Errorf("failed to load team: %w", err)
		}
		updates["assigned_team_id"] = *req.TeamID
		conv.AssignedTeamID = req.TeamID
	}
	if err := s.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to assign conversation: %w", err)
	}

	s.bus.Publish(events.ConversationAssigned{
		ConversationID: conv.ID,
		AssignedUserID: conv.AssignedUserID,
		AssignedTeamID: conv.AssignedTeamID,
		AssignedBy:     req.AssignedBy,
		Timestamp:      now.Format(time.RFC3339),
	})
	return conv, nil
}

// Unassign 取消会话指派
func (s *ConversationService) Unassign(ctx context.Context, id, unassignedBy string) (*models.Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	prevUser := conv.AssignedUserID
	prevTeam := conv.AssignedTeamID

	updates := map[string]interface{}{
		"assigned_user_id": nil,
		"assigned_team_id": nil,
		"assigned_by":      nil,
		"assigned_at":      nil,
	}
	if err := s.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to unassign conversation: %w", err)
	}
	conv.AssignedUserID = nil
	conv.AssignedTeamID = nil

	s.bus.Publish(events.ConversationUnassigned{
		ConversationID:         conv.ID,
		PreviousAssignedUserID: prevUser,
		PreviousAssignedTeamID: prevTeam,
		UnassignedBy:           unassignedBy,
		Timestamp:              nowRFC3339(),
	})
	return conv, nil
}

// SetPriority 设置会话优先级，nil 清空
func (s *ConversationService) SetPriority(ctx context.Context, id string, priority *models.Priority, updatedBy string) (*models.Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	var previous *string
	if conv.Priority != nil {
		p := string(*conv.Priority)
		previous = &p
	}
	if err := s.db.WithContext(ctx).Model(conv).Update("priority", priority).Error; err != nil {
		return nil, fmt.Errorf("failed to set priority: %w", err)
	}
	conv.Priority = priority

	var next *string
	if priority != nil {
		p := string(*priority)
		next = &p
	}
	s.bus.Publish(events.ConversationPriorityChanged{
		ConversationID:   conv.ID,
		PreviousPriority: previous,
		NewPriority:      next,
		UpdatedBy:        updatedBy,
		Timestamp:        nowRFC3339(),
	})
	return conv, nil
}

// AddTag 为会话附加已存在的标签，幂等
func (s *ConversationService) AddTag(ctx context.Context, id, tagName, changedBy string) (*models.Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	var tag models.Tag
	if err := s.db.WithContext(ctx).First(&tag, "name = ?", tagName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tag %s not found", tagName)
		}
		return nil, fmt.Errorf("failed to load tag: %w", err)
	}

	previous := conv.TagNames()
	for _, name := range previous {
		if name == tagName {
			return conv, nil
		}
	}
	if err := s.db.WithContext(ctx).Model(conv).Association("Tags").Append(&tag); err != nil {
		return nil, fmt.Errorf("failed to append tag: %w", err)
	}
	conv.Tags = append(conv.Tags, tag)

	s.bus.Publish(events.ConversationTagsChanged{
		ConversationID: conv.ID,
		PreviousTags:   previous,
		NewTags:        append(previous, tagName),
		ChangedBy:      changedBy,
		Timestamp:      nowRFC3339(),
	})
	return conv, nil
}

// RemoveTag 移除会话上的标签，标签不存在或未附加都算成功
func (s *ConversationService) RemoveTag(ctx context.Context, id, tagName, changedBy string) (*models.Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	var tag models.Tag
	if err := s.db.WithContext(ctx).First(&tag, "name = ?", tagName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conv, nil
		}
		return nil, fmt.Errorf("failed to load tag: %w", err)
	}

	previous := conv.TagNames()
	attached := false
	remaining := make([]models.Tag, 0, len(conv.Tags))
	for _, t := range conv.Tags {
		if t.Name == tagName {
			attached = true
			continue
		}
		remaining = append(remaining, t)
	}
	if !attached {
		return conv, nil
	}
	if err := s.db.WithContext(ctx).Model(conv).Association("Tags").Delete(&tag); err != nil {
		return nil, fmt.Errorf("failed to remove tag: %w", err)
	}
	conv.Tags = remaining

	names := make([]string, 0, len(remaining))
	for _, t := range remaining {
		names = append(names, t.Name)
	}
	s.bus.Publish(events.ConversationTagsChanged{
		ConversationID: conv.ID,
		PreviousTags:   previous,
		NewTags:        names,
		ChangedBy:      changedBy,
		Timestamp:      nowRFC3339(),
	})
	return conv, nil
}

// RecordContactMessage 记录客户来信并发布消息接收事件
func (s *ConversationService) RecordContactMessage(ctx context.Context, conversationID, contactID, content string) (*models.Message, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderType:     "contact",
		SenderID:       contactID,
		Content:        content,
		Status:         "sent",
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	s.bus.Publish(events.MessageReceived{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		ContactID:      contactID,
		Timestamp:      nowRFC3339(),
	})
	return msg, nil
}

// RecordAgentMessage 记录客服回复并发布消息发送事件
func (s *ConversationService) RecordAgentMessage(ctx context.Context, conversationID, agentID, content string) (*models.Message, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderType:     "agent",
		SenderID:       agentID,
		Content:        content,
		Status:         "sent",
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	s.bus.Publish(events.MessageSent{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		AgentID:        agentID,
		Timestamp:      nowRFC3339(),
	})
	return msg, nil
}

// RecordMessageFailure 标记消息投递失败并发布失败事件
func (s *ConversationService) RecordMessageFailure(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %s not found", messageID)
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	updates := map[string]interface{}{
		"status":      "failed",
		"retry_count": msg.RetryCount + 1,
	}
	if err := s.db.WithContext(ctx).Model(&msg).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to mark message failed: %w", err)
	}
	msg.Status = "failed"
	msg.RetryCount++

	s.bus.Publish(events.MessageFailed{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		RetryCount:     msg.RetryCount,
		Timestamp:      nowRFC3339(),
	})
	return &msg, nil
}

// ListMessages 按时间升序返回会话消息
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}
