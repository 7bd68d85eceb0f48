package services

import (
	"context"
	"encoding/json"
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

// knownEventTypes 规则可订阅的事件类型
var knownEventTypes = map[string]bool{
	events.TypeConversationCreated:         true,
	events.TypeConversationStatusChanged:   true,
	events.TypeMessageReceived:             true,
	events.TypeMessageSent:                 true,
	events.TypeMessageFailed:               true,
	events.TypeConversationAssigned:        true,
	events.TypeConversationUnassigned:      true,
	events.TypeConversationTagsChanged:     true,
	events.TypeConversationPriorityChanged: true,
	events.TypeAgentAvailabilityChanged:    true,
	events.TypeAgentLoggedIn:               true,
	events.TypeAgentLoggedOut:              true,
	events.TypeSlaBreached:                 true,
}

// AutomationService 自动化规则引擎：规则管理、事件分发评估、审计日志
type AutomationService struct {
	db              *gorm.DB
	logger          *logrus.Logger
	tracer          trace.Tracer
	evaluator       *ConditionEvaluator
	executor        *ActionExecutor
	cascadeMaxDepth int
}

// NewAutomationService 创建自动化引擎。cascadeMaxDepth<=0 时使用 3。
func NewAutomationService(db *gorm.DB, evaluator *ConditionEvaluator, executor *ActionExecutor, cascadeMaxDepth int, logger *logrus.Logger) *AutomationService {
	if cascadeMaxDepth <= 0 {
		cascadeMaxDepth = 3
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:              db,
		logger:          logger,
		tracer:          otel.Tracer("convodesk.automation"),
		evaluator:       evaluator,
		executor:        executor,
		cascadeMaxDepth: cascadeMaxDepth,
	}
}

// AutomationRuleCreateRequest 创建规则请求
type AutomationRuleCreateRequest struct {
	Name        string               `json:"name" binding:"required"`
	Description *string              `json:"description"`
	EventTypes  []string             `json:"event_types" binding:"required"`
	Condition   models.RuleCondition `json:"condition" binding:"required"`
	Action      models.RuleAction    `json:"action" binding:"required"`
	Priority    *int                 `json:"priority"`
	Enabled     *bool                `json:"enabled"`
}

// AutomationRuleUpdateRequest 更新规则请求，仅更新非空字段
type AutomationRuleUpdateRequest struct {
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	EventTypes  []string              `json:"event_types"`
	Condition   *models.RuleCondition `json:"condition"`
	Action      *models.RuleAction    `json:"action"`
	Priority    *int                  `json:"priority"`
	Enabled     *bool                 `json:"enabled"`
}

// EvaluationLogListRequest 审计日志查询请求
type EvaluationLogListRequest struct {
	Page           int     `form:"page,default=1"`
	PageSize       int     `form:"page_size,default=20"`
	RuleID         *string `form:"rule_id"`
	ConversationID *string `form:"conversation_id"`
	EventType      *string `form:"event_type"`
	Matched        *bool   `form:"matched"`
}

func validateRuleFields(name string, eventTypes []string, priority int) error {
	if len(name) == 0 || len(name) > 200 {
		return fmt.Errorf("rule name must be 1-200 characters")
	}
	if len(eventTypes) == 0 {
		return fmt.Errorf("rule must subscribe to at least one event type")
	}
	for _, et := range eventTypes {
		if !knownEventTypes[et] {
			return fmt.Errorf("unknown event type: %s", et)
		}
	}
	if priority < 1 || priority > 1000 {
		return fmt.Errorf("rule priority must be between 1 and 1000")
	}
	return nil
}

// CreateRule 创建自动化规则
func (s *AutomationService) CreateRule(ctx context.Context, req *AutomationRuleCreateRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.create_rule")
	defer span.End()

	span.SetAttributes(
		attribute.String("rule.name", req.Name),
		attribute.String("rule.action_type", string(req.Action.ActionType)),
	)

	priority := 100
	if req.Priority != nil {
		priority = *req.Priority
	}
	if err := validateRuleFields(req.Name, req.EventTypes, priority); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := req.Condition.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("invalid condition: %w", err)
	}
	if err := req.Action.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("invalid action: %w", err)
	}

	subJSON, err := json.Marshal(req.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event subscription: %w", err)
	}
	condJSON, err := json.Marshal(req.Condition)
	if err != nil {
		return nil, fmt.Errorf("failed to encode condition: %w", err)
	}
	actionJSON, err := json.Marshal(req.Action)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.AutomationRule{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Description:       req.Description,
		Enabled:           enabled,
		EventSubscription: string(subJSON),
		Condition:         string(condJSON),
		Action:            string(actionJSON),
		Priority:          priority,
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"priority":  rule.Priority,
	}).Info("Automation rule created")
	return rule, nil
}

// GetRule 按ID获取规则
func (s *AutomationService) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rule %s not found", id)
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return &rule, nil
}

// ListRules 按执行顺序（priority 升序、创建时间升序）列出全部规则
func (s *AutomationService) ListRules(ctx context.Context) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Order("priority asc, created_at asc, id asc").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// UpdateRule 更新规则
func (s *AutomationService) UpdateRule(ctx context.Context, id string, req *AutomationRuleUpdateRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.update_rule")
	defer span.End()
	span.SetAttributes(attribute.String("rule.id", id))

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	updates := map[string]interface{}{}
	name := rule.Name
	if req.Name != nil {
		name = *req.Name
		updates["name"] = name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	priority := rule.Priority
	if req.Priority != nil {
		priority = *req.Priority
		updates["priority"] = priority
	}
	eventTypes, err := rule.Events()
	if err != nil {
		return nil, err
	}
	if req.EventTypes != nil {
		eventTypes = req.EventTypes
		subJSON, err := json.Marshal(req.EventTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event subscription: %w", err)
		}
		updates["event_subscription"] = string(subJSON)
	}
	if err := validateRuleFields(name, eventTypes, priority); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if req.Condition != nil {
		if err := req.Condition.Validate(); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("invalid condition: %w", err)
		}
		condJSON, err := json.Marshal(req.Condition)
		if err != nil {
			return nil, fmt.Errorf("failed to encode condition: %w", err)
		}
		updates["condition"] = string(condJSON)
	}
	if req.Action != nil {
		if err := req.Action.Validate(); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("invalid action: %w", err)
		}
		actionJSON, err := json.Marshal(req.Action)
		if err != nil {
			return nil, fmt.Errorf("failed to encode action: %w", err)
		}
		updates["action"] = string(actionJSON)
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(rule).Updates(updates).Error; err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to update rule: %w", err)
		}
	}
	return s.GetRule(ctx, id)
}

// DeleteRule 删除规则（审计日志保留）
func (s *AutomationService) DeleteRule(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	s.logger.WithField("rule_id", id).Info("Automation rule deleted")
	return nil
}

// SetRuleEnabled 启用/停用规则
func (s *AutomationService) SetRuleEnabled(ctx context.Context, id string, enabled bool) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(rule).Update("enabled", enabled).Error; err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	rule.Enabled = enabled
	return rule, nil
}

// ListEvaluationLogs 分页查询规则评估日志
func (s *AutomationService) ListEvaluationLogs(ctx context.Context, req *EvaluationLogListRequest) ([]models.RuleEvaluationLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.RuleEvaluationLog{})
	if req.RuleID != nil {
		query = query.Where("rule_id = ?", *req.RuleID)
	}
	if req.ConversationID != nil {
		query = query.Where("conversation_id = ?", *req.ConversationID)
	}
	if req.EventType != nil {
		query = query.Where("event_type = ?", *req.EventType)
	}
	if req.Matched != nil {
		query = query.Where("matched = ?", *req.Matched)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count evaluation logs: %w", err)
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var logs []models.RuleEvaluationLog
	if err := query.
		Order("evaluated_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list evaluation logs: %w", err)
	}
	return logs, total, nil
}

// HandleEvent 针对一个事件运行自动化评估：按执行顺序逐条评估订阅该
// 事件类型的启用规则，匹配则执行动作，并为每条规则写一条审计日志。
// 单条规则的失败不影响后续规则。超过级联深度上限的事件直接丢弃。
func (s *AutomationService) HandleEvent(ctx context.Context, env events.Envelope) error {
	ctx, span := s.tracer.Start(ctx, "automation.handle_event")
	defer span.End()

	eventType := env.Event.EventType()
	span.SetAttributes(
		attribute.String("event.type", eventType),
		attribute.Int("event.cascade_depth", env.CascadeDepth),
	)

	if env.CascadeDepth > s.cascadeMaxDepth {
		s.logger.WithFields(logrus.Fields{
			"event_type":    eventType,
			"cascade_depth": env.CascadeDepth,
			"max_depth":     s.cascadeMaxDepth,
		}).Warn("Cascade depth limit exceeded, dropping event")
		return nil
	}

	conversationID, ok := conversationIDOf(env.Event)
	if !ok {
		// 非会话事件没有条件评估对象
		s.logger.WithField("event_type", eventType).Debug("Event has no conversation, skipping rules")
		return nil
	}
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	rules, err := s.enabledRulesFor(ctx, eventType)
	if err != nil {
		span.RecordError(err)
		return err
	}

	for i := range rules {
		s.runRule(ctx, &rules[i], eventType, conversationID, env.CascadeDepth)
	}
	return nil
}

// enabledRulesFor 取启用且订阅该事件类型的规则，按执行顺序排序
func (s *AutomationService) enabledRulesFor(ctx context.Context, eventType string) ([]models.AutomationRule, error) {
	var all []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority asc, created_at asc, id asc").
		Find(&all).Error; err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	rules := make([]models.AutomationRule, 0, len(all))
	for _, r := range all {
		if r.SubscribesTo(eventType) {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// runRule 评估并执行单条规则，写入审计日志。错误不上抛。
func (s *AutomationService) runRule(ctx context.Context, rule *models.AutomationRule, eventType, conversationID string, depth int) {
	start := time.Now()
	logEntry := models.RuleEvaluationLog{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		EventType:      eventType,
		ConversationID: &conversationID,
		ActionResult:   models.ActionResultSkipped,
		EvaluatedAt:    start.UTC(),
		CascadeDepth:   depth,
	}

	matched, evalErr := s.evaluateRule(ctx, rule, conversationID)
	logEntry.Matched = matched
	switch {
	case evalErr != nil:
		logEntry.ConditionResult = models.ConditionResultError
		msg := evalErr.Error()
		logEntry.ErrorMessage = &msg
		s.logger.WithFields(logrus.Fields{
			"rule_id":         rule.ID,
			"conversation_id": conversationID,
			"error":           msg,
		}).Warn("Rule condition evaluation failed")
	case matched:
		logEntry.ConditionResult = models.ConditionResultTrue
	default:
		logEntry.ConditionResult = models.ConditionResultFalse
	}

	if evalErr == nil && matched {
		if execErr := s.executeRule(ctx, rule, conversationID, depth); execErr != nil {
			logEntry.ActionResult = models.ActionResultError
			msg := execErr.Error()
			logEntry.ErrorMessage = &msg
			s.logger.WithFields(logrus.Fields{
				"rule_id":         rule.ID,
				"conversation_id": conversationID,
				"error":           msg,
			}).Warn("Rule action execution failed")
		} else {
			logEntry.ActionExecuted = true
			logEntry.ActionResult = models.ActionResultSuccess
		}
	}

	logEntry.EvaluationTimeMs = time.Since(start).Milliseconds()
	if err := s.db.WithContext(ctx).Create(&logEntry).Error; err != nil {
		s.logger.WithError(err).Error("Failed to write rule evaluation log")
	}
}

// evaluateRule 重新加载会话快照并评估条件，保证看到前序规则的效果
func (s *AutomationService) evaluateRule(ctx context.Context, rule *models.AutomationRule, conversationID string) (bool, error) {
	cond, err := rule.ParsedCondition()
	if err != nil {
		return false, err
	}
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Preload("Tags").First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("conversation %s not found", conversationID)
		}
		return false, fmt.Errorf("failed to load conversation: %w", err)
	}
	return s.evaluator.Evaluate(ctx, cond, &conv)
}

func (s *AutomationService) executeRule(ctx context.Context, rule *models.AutomationRule, conversationID string, depth int) error {
	action, err := rule.ParsedAction()
	if err != nil {
		return err
	}
	return s.executor.Execute(ctx, action, conversationID, automationActor, depth)
}

// conversationIDOf 提取事件关联的会话ID。代理类事件没有会话。
func conversationIDOf(event events.SystemEvent) (string, bool) {
	switch e := event.(type) {
	case events.ConversationCreated:
		return e.ConversationID, true
	case events.ConversationStatusChanged:
		return e.ConversationID, true
	case events.MessageReceived:
		return e.ConversationID, true
	case events.MessageSent:
		return e.ConversationID, true
	case events.MessageFailed:
		return e.ConversationID, true
	case events.ConversationAssigned:
		return e.ConversationID, true
	case events.ConversationUnassigned:
		return e.ConversationID, true
	case events.ConversationTagsChanged:
		return e.ConversationID, true
	case events.ConversationPriorityChanged:
		return e.ConversationID, true
	case events.SlaBreached:
		return e.ConversationID, true
	}
	return "", false
}
