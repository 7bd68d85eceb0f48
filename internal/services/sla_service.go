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

// SlaService SLA策略管理、应用与截止扫描
type SlaService struct {
	db     *gorm.DB
	bus    *events.Bus
	logger *logrus.Logger
	tracer trace.Tracer
}

// NewSlaService 创建SLA服务
func NewSlaService(db *gorm.DB, bus *events.Bus, logger *logrus.Logger) *SlaService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SlaService{
		db:     db,
		bus:    bus,
		logger: logger,
		tracer: otel.Tracer("convodesk.sla"),
	}
}

// SlaPolicyCreateRequest 创建SLA策略请求。时长字符串形如 "30m"、"4h"、"1d"。
type SlaPolicyCreateRequest struct {
	Name              string  `json:"name" binding:"required"`
	Description       *string `json:"description"`
	FirstResponseTime *string `json:"first_response_time"`
	NextResponseTime  *string `json:"next_response_time"`
	ResolutionTime    *string `json:"resolution_time"`
}

// SlaPolicyUpdateRequest 更新SLA策略请求
type SlaPolicyUpdateRequest struct {
	Name              *string `json:"name"`
	Description       *string `json:"description"`
	FirstResponseTime *string `json:"first_response_time"`
	NextResponseTime  *string `json:"next_response_time"`
	ResolutionTime    *string `json:"resolution_time"`
}

// HolidayCreateRequest 创建节假日请求
type HolidayCreateRequest struct {
	Name      string `json:"name" binding:"required"`
	Date      string `json:"date" binding:"required"` // YYYY-MM-DD
	Recurring bool   `json:"recurring"`
}

// CreatePolicy 创建SLA策略
func (s *SlaService) CreatePolicy(ctx context.Context, req *SlaPolicyCreateRequest) (*models.SlaPolicy, error) {
	ctx, span := s.tracer.Start(ctx, "sla.create_policy")
	defer span.End()
	span.SetAttributes(attribute.String("sla.policy.name", req.Name))

	policy := &models.SlaPolicy{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Description:       req.Description,
		FirstResponseTime: req.FirstResponseTime,
		NextResponseTime:  req.NextResponseTime,
		ResolutionTime:    req.ResolutionTime,
	}
	if err := policy.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(policy).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create SLA policy: %w", err)
	}
	s.logger.WithField("policy_id", policy.ID).Info("SLA policy created")
	return policy, nil
}

// GetPolicy 按ID获取SLA策略
func (s *SlaService) GetPolicy(ctx context.Context, id string) (*models.SlaPolicy, error) {
	var policy models.SlaPolicy
	if err := s.db.WithContext(ctx).First(&policy, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("SLA policy %s not found", id)
		}
		return nil, fmt.Errorf("failed to load SLA policy: %w", err)
	}
	return &policy, nil
}

// ListPolicies 列出全部SLA策略
func (s *SlaService) ListPolicies(ctx context.Context) ([]models.SlaPolicy, error) {
	var policies []models.SlaPolicy
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("failed to list SLA policies: %w", err)
	}
	return policies, nil
}

// UpdatePolicy 更新SLA策略。已应用的实例保留应用时的截止时间。
func (s *SlaService) UpdatePolicy(ctx context.Context, id string, req *SlaPolicyUpdateRequest) (*models.SlaPolicy, error) {
	policy, err := s.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		policy.Name = *req.Name
	}
	if req.Description != nil {
		policy.Description = req.Description
	}
	if req.FirstResponseTime != nil {
		policy.FirstResponseTime = req.FirstResponseTime
	}
	if req.NextResponseTime != nil {
		policy.NextResponseTime = req.NextResponseTime
	}
	if req.ResolutionTime != nil {
		policy.ResolutionTime = req.ResolutionTime
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(policy).Error; err != nil {
		return nil, fmt.Errorf("failed to update SLA policy: %w", err)
	}
	return policy, nil
}

// DeletePolicy 删除SLA策略
func (s *SlaService) DeletePolicy(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.SlaPolicy{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete SLA policy: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("SLA policy %s not found", id)
	}
	return nil
}

// ApplySla 将策略应用到会话：创建 pending 的应用实例，并为策略定义的
// 首次响应/解决指标各建一条截止事件。同一会话同时只允许一个未完结实例。
func (s *SlaService) ApplySla(ctx context.Context, conversationID, policyID string) (*models.AppliedSla, error) {
	ctx, span := s.tracer.Start(ctx, "sla.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("sla.policy.id", policyID),
	)

	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s not found", conversationID)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	policy, err := s.GetPolicy(ctx, policyID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var active int64
	if err := s.db.WithContext(ctx).Model(&models.AppliedSla{}).
		Where("conversation_id = ? AND status = ?", conversationID, models.SlaStatusPending).
		Count(&active).Error; err != nil {
		return nil, fmt.Errorf("failed to check active SLA: %w", err)
	}
	if active > 0 {
		return nil, fmt.Errorf("conversation %s already has an active SLA", conversationID)
	}

	holidays, err := s.listAllHolidays(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	applied := &models.AppliedSla{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SlaPolicyID:    policy.ID,
		Status:         models.SlaStatusPending,
		AppliedAt:      now,
	}

	// 先算出各指标截止时间，实例上冗余记录首次响应/解决两项
	slaEvents := make([]models.SlaEvent, 0, 2)
	for _, target := range []struct {
		eventType string
		durStr    *string
	}{
		{models.SlaEventFirstResponse, policy.FirstResponseTime},
		{models.SlaEventResolution, policy.ResolutionTime},
	} {
		if target.durStr == nil {
			continue
		}
		dur, err := models.ParseSlaDuration(*target.durStr)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		deadline := calculateDeadline(now, dur, holidays)
		switch target.eventType {
		case models.SlaEventFirstResponse:
			applied.FirstResponseDeadlineAt = &deadline
		case models.SlaEventResolution:
			applied.ResolutionDeadlineAt = &deadline
		}
		slaEvents = append(slaEvents, models.SlaEvent{
			ID:             uuid.NewString(),
			AppliedSlaID:   applied.ID,
			ConversationID: conversationID,
			EventType:      target.eventType,
			DeadlineAt:     deadline,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(applied).Error; err != nil {
			return fmt.Errorf("failed to create applied SLA: %w", err)
		}
		for i := range slaEvents {
			if err := tx.Create(&slaEvents[i]).Error; err != nil {
				return fmt.Errorf("failed to create SLA event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"policy_id":       policy.ID,
		"applied_sla_id":  applied.ID,
	}).Info("SLA applied to conversation")
	return applied, nil
}

// GetAppliedSla 获取会话上最近应用的SLA及其事件
func (s *SlaService) GetAppliedSla(ctx context.Context, conversationID string) (*models.AppliedSla, error) {
	var applied models.AppliedSla
	if err := s.db.WithContext(ctx).Preload("Events").
		Where("conversation_id = ?", conversationID).
		Order("applied_at desc").
		First(&applied).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s has no applied SLA", conversationID)
		}
		return nil, fmt.Errorf("failed to load applied SLA: %w", err)
	}
	return &applied, nil
}

// HandleAgentMessage 客服发出消息：满足待定的首次响应与后续响应指标
func (s *SlaService) HandleAgentMessage(ctx context.Context, conversationID string) error {
	now := time.Now().UTC()
	for _, eventType := range []string{models.SlaEventFirstResponse, models.SlaEventNextResponse} {
		pending, err := s.pendingEvents(ctx, conversationID, eventType)
		if err != nil {
			return err
		}
		for i := range pending {
			if err := s.markEventMet(ctx, &pending[i], now); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleContactMessage 客户发来消息：为活跃SLA新建后续响应截止事件
func (s *SlaService) HandleContactMessage(ctx context.Context, conversationID string) error {
	var applied models.AppliedSla
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, models.SlaStatusPending).
		Order("applied_at desc").
		First(&applied).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load applied SLA: %w", err)
	}

	policy, err := s.GetPolicy(ctx, applied.SlaPolicyID)
	if err != nil {
		return err
	}
	if policy.NextResponseTime == nil {
		return nil
	}
	dur, err := models.ParseSlaDuration(*policy.NextResponseTime)
	if err != nil {
		return err
	}

	// 已有待定的后续响应事件则不重复建
	pending, err := s.pendingEvents(ctx, conversationID, models.SlaEventNextResponse)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}

	holidays, err := s.listAllHolidays(ctx)
	if err != nil {
		return err
	}
	event := models.SlaEvent{
		ID:             uuid.NewString(),
		AppliedSlaID:   applied.ID,
		ConversationID: conversationID,
		EventType:      models.SlaEventNextResponse,
		DeadlineAt:     calculateDeadline(time.Now().UTC(), dur, holidays),
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("failed to create SLA event: %w", err)
	}
	return nil
}

// HandleConversationResolved 会话解决：满足待定的解决指标
func (s *SlaService) HandleConversationResolved(ctx context.Context, conversationID string) error {
	now := time.Now().UTC()
	pending, err := s.pendingEvents(ctx, conversationID, models.SlaEventResolution)
	if err != nil {
		return err
	}
	for i := range pending {
		if err := s.markEventMet(ctx, &pending[i], now); err != nil {
			return err
		}
	}
	return nil
}

// ApplyTeamDefaultSla 会话分配到团队后，若团队配有默认策略且会话
// 尚无任何SLA，则自动应用。
func (s *SlaService) ApplyTeamDefaultSla(ctx context.Context, conversationID, teamID string) error {
	var team models.Team
	if err := s.db.WithContext(ctx).First(&team, "id = ?", teamID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("team %s not found", teamID)
		}
		return fmt.Errorf("failed to load team: %w", err)
	}
	if team.SlaPolicyID == nil {
		return nil
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.AppliedSla{}).
		Where("conversation_id = ?", conversationID).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("failed to check applied SLA: %w", err)
	}
	if existing > 0 {
		return nil
	}

	_, err := s.ApplySla(ctx, conversationID, *team.SlaPolicyID)
	return err
}

// pendingEvents 会话上指定类型的待定SLA事件
func (s *SlaService) pendingEvents(ctx context.Context, conversationID, eventType string) ([]models.SlaEvent, error) {
	var pending []models.SlaEvent
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND event_type = ? AND met_at IS NULL AND breached_at IS NULL",
			conversationID, eventType).
		Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to load pending SLA events: %w", err)
	}
	return pending, nil
}

// markEventMet 标记事件满足。met_at 与 breached_at 互斥，已违约的事件
// 不能再被标记为满足。
func (s *SlaService) markEventMet(ctx context.Context, event *models.SlaEvent, at time.Time) error {
	if event.BreachedAt != nil {
		return fmt.Errorf("SLA event %s already breached", event.ID)
	}
	if event.MetAt != nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(event).Update("met_at", at).Error; err != nil {
		return fmt.Errorf("failed to mark SLA event met: %w", err)
	}
	event.MetAt = &at
	return s.refreshAppliedStatus(ctx, event.AppliedSlaID)
}

// markEventBreached 标记事件违约，违约时刻取截止时间本身
func (s *SlaService) markEventBreached(ctx context.Context, event *models.SlaEvent) error {
	if event.MetAt != nil {
		return fmt.Errorf("SLA event %s already met", event.ID)
	}
	if event.BreachedAt != nil {
		return nil
	}
	at := event.DeadlineAt
	if err := s.db.WithContext(ctx).Model(event).Update("breached_at", at).Error; err != nil {
		return fmt.Errorf("failed to mark SLA event breached: %w", err)
	}
	event.BreachedAt = &at
	return s.refreshAppliedStatus(ctx, event.AppliedSlaID)
}

// refreshAppliedStatus 按最坏结果聚合实例状态：
// 任一违约=>breached；仍有待定=>pending；否则=>met。
func (s *SlaService) refreshAppliedStatus(ctx context.Context, appliedSlaID string) error {
	var evts []models.SlaEvent
	if err := s.db.WithContext(ctx).
		Where("applied_sla_id = ?", appliedSlaID).
		Find(&evts).Error; err != nil {
		return fmt.Errorf("failed to load SLA events: %w", err)
	}

	status := models.SlaStatusMet
	for i := range evts {
		switch evts[i].Outcome() {
		case models.SlaStatusBreached:
			status = models.SlaStatusBreached
		case models.SlaStatusPending:
			if status != models.SlaStatusBreached {
				status = models.SlaStatusPending
			}
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.AppliedSla{}).
		Where("id = ?", appliedSlaID).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update applied SLA status: %w", err)
	}
	return nil
}

// CheckBreaches 扫描已过截止时间的待定事件，标记违约并发布违约事件。
// 返回本次发现的违约数。
func (s *SlaService) CheckBreaches(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sla.check_breaches")
	defer span.End()

	now := time.Now().UTC()
	var overdue []models.SlaEvent
	if err := s.db.WithContext(ctx).
		Where("met_at IS NULL AND breached_at IS NULL AND deadline_at < ?", now).
		Find(&overdue).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to scan for overdue SLA events: %w", err)
	}

	breached := 0
	for i := range overdue {
		evt := &overdue[i]
		if err := s.markEventBreached(ctx, evt); err != nil {
			s.logger.WithError(err).WithField("sla_event_id", evt.ID).Warn("Failed to mark SLA breach")
			continue
		}
		breached++

		s.bus.Publish(events.SlaBreached{
			EventID:        evt.ID,
			AppliedSlaID:   evt.AppliedSlaID,
			ConversationID: evt.ConversationID,
			SlaEventType:   evt.EventType,
			DeadlineAt:     evt.DeadlineAt.Format(time.RFC3339),
			BreachedAt:     evt.BreachedAt.Format(time.RFC3339),
			Timestamp:      now.Format(time.RFC3339),
		})
		s.logger.WithFields(logrus.Fields{
			"conversation_id": evt.ConversationID,
			"sla_event_type":  evt.EventType,
			"deadline_at":     evt.DeadlineAt,
		}).Warn("SLA breached")
	}
	span.SetAttributes(attribute.Int("sla.breaches", breached))
	return breached, nil
}

// StartSweep 启动后台截止扫描循环，直到 ctx 结束
func (s *SlaService) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger.WithField("interval", interval).Info("SLA breach sweep started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SLA breach sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.CheckBreaches(ctx); err != nil {
				s.logger.WithError(err).Error("SLA breach sweep failed")
			}
		}
	}
}

// CreateHoliday 创建节假日
func (s *SlaService) CreateHoliday(ctx context.Context, req *HolidayCreateRequest) (*models.Holiday, error) {
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return nil, fmt.Errorf("invalid holiday date %q, expected YYYY-MM-DD", req.Date)
	}
	holiday := &models.Holiday{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Date:      req.Date,
		Recurring: req.Recurring,
	}
	if err := s.db.WithContext(ctx).Create(holiday).Error; err != nil {
		return nil, fmt.Errorf("failed to create holiday: %w", err)
	}
	return holiday, nil
}

// ListHolidays 列出全部节假日
func (s *SlaService) ListHolidays(ctx context.Context) ([]models.Holiday, error) {
	return s.listAllHolidays(ctx)
}

// DeleteHoliday 删除节假日
func (s *SlaService) DeleteHoliday(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.Holiday{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete holiday: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("holiday %s not found", id)
	}
	return nil
}

func (s *SlaService) listAllHolidays(ctx context.Context) ([]models.Holiday, error) {
	var holidays []models.Holiday
	if err := s.db.WithContext(ctx).Find(&holidays).Error; err != nil {
		return nil, fmt.Errorf("failed to list holidays: %w", err)
	}
	return holidays, nil
}

// calculateDeadline 计算截止时间：起点加时长后，落在节假日的按天顺延。
// 固定日期按完整日期匹配，周期性节假日按 月-日 匹配。
func calculateDeadline(start time.Time, dur time.Duration, holidays []models.Holiday) time.Time {
	deadline := start.Add(dur)
	// 上限防止全年节假日造成死循环
	for i := 0; i < 366; i++ {
		if !isHoliday(deadline, holidays) {
			break
		}
		deadline = deadline.Add(24 * time.Hour)
	}
	return deadline
}

func isHoliday(t time.Time, holidays []models.Holiday) bool {
	date := t.Format("2006-01-02")
	monthDay := t.Format("01-02")
	for _, h := range holidays {
		if h.Recurring {
			if len(h.Date) >= 10 && h.Date[5:] == monthDay {
				return true
			}
		} else if h.Date == date {
			return true
		}
	}
	return false
}
