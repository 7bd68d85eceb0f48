package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ConversationStatus 会话状态
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusSnoozed  ConversationStatus = "snoozed"
	StatusResolved ConversationStatus = "resolved"
	StatusClosed   ConversationStatus = "closed"
)

// ParseConversationStatus parses the wire form of a status.
func ParseConversationStatus(s string) (ConversationStatus, error) {
	switch ConversationStatus(s) {
	case StatusOpen, StatusSnoozed, StatusResolved, StatusClosed:
		return ConversationStatus(s), nil
	}
	return "", fmt.Errorf("invalid conversation status: %s", s)
}

// Priority 会话优先级。取值区分大小写。
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// ParsePriority parses a priority value. Matching is case-sensitive.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(s), nil
	}
	return "", fmt.Errorf("invalid priority: %s. Must be one of: Low, Medium, High", s)
}

// 用户模型
type User struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Role      string         `gorm:"default:'agent'" json:"role"` // agent, admin
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 客服代理档案（与用户一对一）
type Agent struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"uniqueIndex" json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Availability string    `gorm:"default:'offline'" json:"availability"` // online, away, offline
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// 团队，可带默认SLA策略（分配给团队时自动应用）
type Team struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"`
	Description string    `json:"description"`
	SlaPolicyID *string   `gorm:"index" json:"sla_policy_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// 联系人（终端客户）
type Contact struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"index" json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 收件箱（会话入口渠道）
type Inbox struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Channel   string    `gorm:"default:'email'" json:"channel"` // email, web, api
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 标签。AddTag 动作不会自动建标签，必须先由管理员创建。
type Tag struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// 会话模型
type Conversation struct {
	ID              string             `gorm:"primaryKey" json:"id"`
	ReferenceNumber int64              `gorm:"index" json:"reference_number"`
	InboxID         string             `gorm:"index" json:"inbox_id"`
	ContactID       string             `gorm:"index" json:"contact_id"`
	Subject         *string            `json:"subject"`
	Status          ConversationStatus `gorm:"default:'open';index" json:"status"`
	Priority        *Priority          `json:"priority"`
	AssignedUserID  *string            `gorm:"index" json:"assigned_user_id"`
	AssignedTeamID  *string            `gorm:"index" json:"assigned_team_id"`
	AssignedBy      *string            `json:"assigned_by"`
	AssignedAt      *time.Time         `json:"assigned_at"`
	SnoozedUntil    *time.Time         `json:"snoozed_until"`
	ResolvedAt      *time.Time         `json:"resolved_at"`
	ClosedAt        *time.Time         `json:"closed_at"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`

	// 关联关系
	Tags     []Tag     `gorm:"many2many:conversation_tags;" json:"tags,omitempty"`
	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

// TagNames returns the attached tag names in load order.
func (c *Conversation) TagNames() []string {
	names := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		names = append(names, t.Name)
	}
	return names
}

// 消息模型
type Message struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"index" json:"conversation_id"`
	SenderType     string    `gorm:"not null" json:"sender_type"` // contact, agent, system
	SenderID       string    `json:"sender_id"`
	Content        string    `gorm:"type:text" json:"content"`
	Status         string    `gorm:"default:'sent'" json:"status"` // sent, failed
	RetryCount     int       `gorm:"default:0" json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// 节假日。date 为 YYYY-MM-DD；recurring 为 true 时按月-日每年匹配。
type Holiday struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Date      string    `gorm:"index;not null" json:"date"`
	Recurring bool      `gorm:"default:false" json:"recurring"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
