package models

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// SLA 状态
const (
	SlaStatusPending  = "pending"
	SlaStatusMet      = "met"
	SlaStatusBreached = "breached"
)

// SLA 事件类型
const (
	SlaEventFirstResponse = "first_response"
	SlaEventNextResponse  = "next_response"
	SlaEventResolution    = "resolution"
)

var slaDurationPattern = regexp.MustCompile(`^(\d+)([hmd])$`)

// ParseSlaDuration 解析 SLA 时长字符串（如 "4h"、"30m"、"2d"），返回时长。
// 零时长视为非法。
func ParseSlaDuration(s string) (time.Duration, error) {
	m := slaDurationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid SLA duration format: %s", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SLA duration format: %s", s)
	}
	var d time.Duration
	switch m[2] {
	case "m":
		d = time.Duration(n) * time.Minute
	case "h":
		d = time.Duration(n) * time.Hour
	case "d":
		d = time.Duration(n) * 24 * time.Hour
	}
	if d <= 0 {
		return 0, fmt.Errorf("SLA duration must be positive: %s", s)
	}
	return d, nil
}

// SlaPolicy SLA 策略。时长以 "4h" 形式的字符串存储，为空表示不约束该指标。
type SlaPolicy struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"not null" json:"name"`
	Description       *string   `json:"description"`
	FirstResponseTime *string   `json:"first_response_time"`
	NextResponseTime  *string   `json:"next_response_time"`
	ResolutionTime    *string   `json:"resolution_time"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Validate 校验策略的各时长字符串
func (p *SlaPolicy) Validate() error {
	defined := 0
	for _, field := range []*string{p.FirstResponseTime, p.NextResponseTime, p.ResolutionTime} {
		if field == nil {
			continue
		}
		if _, err := ParseSlaDuration(*field); err != nil {
			return err
		}
		defined++
	}
	if defined == 0 {
		return fmt.Errorf("SLA policy must define at least one response or resolution target")
	}
	return nil
}

// AppliedSla 会话上生效的 SLA 实例。状态由其事件聚合得出。
// 首次响应/解决截止时间在应用时计算并冗余存一份，便于列表查询。
type AppliedSla struct {
	ID                      string     `gorm:"primaryKey" json:"id"`
	ConversationID          string     `gorm:"index;not null" json:"conversation_id"`
	SlaPolicyID             string     `gorm:"index;not null" json:"sla_policy_id"`
	Status                  string     `gorm:"default:pending;index" json:"status"` // pending, met, breached
	FirstResponseDeadlineAt *time.Time `json:"first_response_deadline_at"`
	ResolutionDeadlineAt    *time.Time `json:"resolution_deadline_at"`
	AppliedAt               time.Time  `json:"applied_at"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	Events                  []SlaEvent `gorm:"foreignKey:AppliedSlaID" json:"events,omitempty"`
}

// SlaEvent 单个 SLA 指标的截止与结果。met_at 与 breached_at 互斥。
type SlaEvent struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	AppliedSlaID   string     `gorm:"index;not null" json:"applied_sla_id"`
	ConversationID string     `gorm:"index;not null" json:"conversation_id"`
	EventType      string     `gorm:"not null" json:"event_type"` // first_response, next_response, resolution
	DeadlineAt     time.Time  `gorm:"index" json:"deadline_at"`
	MetAt          *time.Time `json:"met_at"`
	BreachedAt     *time.Time `json:"breached_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Pending reports whether the event has neither been met nor breached.
func (e *SlaEvent) Pending() bool {
	return e.MetAt == nil && e.BreachedAt == nil
}

// Outcome returns the event status derived from its timestamps.
func (e *SlaEvent) Outcome() string {
	switch {
	case e.BreachedAt != nil:
		return SlaStatusBreached
	case e.MetAt != nil:
		return SlaStatusMet
	default:
		return SlaStatusPending
	}
}
