package services

import (
	"fmt"
	"time"

	"convodesk/internal/events"
	"convodesk/internal/models"
)

// TransitionError 非法状态迁移
type TransitionError struct {
	From models.ConversationStatus
	To   models.ConversationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// TransitionContext 状态迁移的附带信息
type TransitionContext struct {
	ConversationID string
	AgentID        *string // nil 表示系统触发
	SnoozedUntil   *time.Time
}

// ValidateTransition 校验会话状态迁移。合法迁移：
// open<->snoozed、open<->resolved、自环。closed 只能通过归档流程进入。
func ValidateTransition(from, to models.ConversationStatus) error {
	if from == to {
		return nil
	}
	switch from {
	case models.StatusOpen:
		if to == models.StatusSnoozed || to == models.StatusResolved {
			return nil
		}
	case models.StatusSnoozed:
		if to == models.StatusOpen {
			return nil
		}
	case models.StatusResolved:
		if to == models.StatusOpen {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// NewStatusChangedEvent builds the event a completed transition publishes.
func NewStatusChangedEvent(tc TransitionContext, from, to models.ConversationStatus) events.ConversationStatusChanged {
	return events.ConversationStatusChanged{
		ConversationID: tc.ConversationID,
		OldStatus:      string(from),
		NewStatus:      string(to),
		AgentID:        tc.AgentID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}
