package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convodesk/internal/events"
	"convodesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 动作执行错误类别
type ActionErrorKind string

const (
	ActionConversationNotFound ActionErrorKind = "conversation_not_found"
	ActionUserNotFound         ActionErrorKind = "user_not_found"
	ActionTeamNotFound         ActionErrorKind = "team_not_found"
	ActionTagNotFound          ActionErrorKind = "tag_not_found"
	ActionInvalidParameters    ActionErrorKind = "invalid_parameters"
	ActionTimeout              ActionErrorKind = "timeout"
	ActionExecutionFailed      ActionErrorKind = "execution_failed"
)

// ActionError 动作执行失败
type ActionError struct {
	Kind    ActionErrorKind
	Message string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ActionError) Unwrap() error { return e.Err }

// 自动化触发的变更以该主体记录（assigned_by、changed_by 等）
const automationActor = "automation"

// ActionExecutor 执行规则动作：校验参数与引用目标，更新会话，
// 将产生的跟进事件以 depth+1 回发到总线供级联评估。
type ActionExecutor struct {
	db      *gorm.DB
	bus     *events.Bus
	logger  *logrus.Logger
	timeout time.Duration
}

// NewActionExecutor 创建动作执行器。timeout<=0 时使用 10s。
func NewActionExecutor(db *gorm.DB, bus *events.Bus, logger *logrus.Logger, timeout time.Duration) *ActionExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{db: db, bus: bus, logger: logger, timeout: timeout}
}

// Execute 对指定会话执行动作。executedBy 记录为变更主体
// （assigned_by、changed_by 等）；depth 为触发本次执行的事件的级联深度，
// 动作产生的跟进事件以 depth+1 发布。
func (x *ActionExecutor) Execute(ctx context.Context, action *models.RuleAction, conversationID, executedBy string, depth int) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	if executedBy == "" {
		executedBy = automationActor
	}

	var conv models.Conversation
	if err := x.db.WithContext(ctx).Preload("Tags").First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ActionError{Kind: ActionConversationNotFound, Message: fmt.Sprintf("conversation %s not found", conversationID)}
		}
		return wrapActionErr(ctx, "load conversation", err)
	}

	switch action.ActionType {
	case models.ActionSetPriority:
		return x.setPriority(ctx, action, &conv, executedBy, depth)
	case models.ActionAssignToUser:
		return x.assignToUser(ctx, action, &conv, executedBy, depth)
	case models.ActionAssignToTeam:
		return x.assignToTeam(ctx, action, &conv, executedBy, depth)
	case models.ActionAddTag:
		return x.addTag(ctx, action, &conv, executedBy, depth)
	case models.ActionRemoveTag:
		return x.removeTag(ctx, action, &conv, executedBy, depth)
	case models.ActionChangeStatus:
		return x.changeStatus(ctx, action, &conv, executedBy, depth)
	}
	return &ActionError{Kind: ActionInvalidParameters, Message: fmt.Sprintf("unknown action type: %s", action.ActionType)}
}

func (x *ActionExecutor) setPriority(ctx context.Context, action *models.RuleAction, conv *models.Conversation, executedBy string, depth int) error {
	raw, ok := action.StringParam("priority")
	if !ok {
		return &ActionError{Kind: ActionInvalidParameters, Message: "set_priority requires a string 'priority' parameter"}
	}
	// 大小写敏感：只接受 Low / Medium / High
	priority, err := models.ParsePriority(raw)
	if err != nil {
		return &ActionError{Kind: ActionInvalidParameters, Message: err.Error()}
	}

	var previous *string
	if conv.Priority != nil {
		p := string(*conv.Priority)
		previous = &p
	}
	if err := x.db.WithContext(ctx).Model(conv).Update("priority", priority).Error; err != nil {
		return wrapActionErr(ctx, "update priority", err)
	}

	next := string(priority)
	x.bus.PublishCascade(events.ConversationPriorityChanged{
		ConversationID:   conv.ID,
		PreviousPriority: previous,
		NewPriority:      &next,
		UpdatedBy:        executedBy,
		Timestamp:        nowRFC3339(),
	}, depth+1)
	return nil
}

func (x *ActionExecutor) assignToUser(ctx context.Context, action *models.RuleAction, conv *models.Conversation, executedBy string, depth int) error {
	userID, ok := action.StringParam("user_id")
	if !ok {
		return &ActionError{Kind: ActionInvalidParameters, Message: "assign_to_user requires a string 'user_id' parameter"}
	}

	// 目标必须是带客服档案的用户
	var agent models.Agent
	if err := x.db.WithContext(ctx).First(&agent, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ActionError{Kind: ActionUserNotFound, Message: fmt.Sprintf("user %s not found or has no agent profile", userID)}
		}
		return wrapActionErr(ctx, "load agent", err)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"assigned_user_id": userID,
		"assigned_by":      executedBy,
		"assigned_at":      now,
	}
	if err := x.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return wrapActionErr(ctx, "assign user", err)
	}

	x.bus.PublishCascade(events.ConversationAssigned{
		ConversationID: conv.ID,
		AssignedUserID: &userID,
		AssignedTeamID: conv.AssignedTeamID,
		AssignedBy:     executedBy,
		Timestamp:      now.Format(time.RFC3339),
	}, depth+1)
	return nil
}

func (x *ActionExecutor) assignToTeam(ctx context.Context, action *models.RuleAction, conv *models.Conversation, executedBy string, depth int) error {
	teamID, ok := action.StringParam("team_id")
	if !ok {
		return &ActionError{Kind: ActionInvalidParameters, Message: "assign_to_team requires a string 'team_id' parameter"}
	}

	var team models.Team
	if err := x.db.WithContext(ctx).First(&team, "id = ?", teamID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ActionError{Kind: ActionTeamNotFound, Message: fmt.Sprintf("team %s not found", teamID)}
		}
		return wrapActionErr(ctx, "load team", err)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"assigned_team_id": teamID,
		"assigned_by":      executedBy,
		"assigned_at":      now,
	}
	if err := x.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return wrapActionErr(ctx, "assign team", err)
	}

	x.bus.PublishCascade(events.ConversationAssigned{
		ConversationID: conv.ID,
		AssignedUserID: conv.AssignedUserID,
		AssignedTeamID: &teamID,
		AssignedBy:     executedBy,
		Timestamp:      now.Format(time.RFC3339),
	}, depth+1)
	return nil
}

func (x *ActionExecutor) addTag(ctx context.Context, action *models.RuleAction, conv *models.Conversation, executedBy string, depth int) error {
	tagName, ok := action.StringParam("tag")
	if !ok {
		return &ActionError{Kind: ActionInvalidParameters, Message: "add_tag requires a string 'tag' parameter"}
	}

	// 标签必须预先存在，动作不会自动创建
	var tag models.Tag
	if err := x.db.WithContext(ctx).First(&tag, "name = ?", tagName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ActionError{Kind: ActionTagNotFound, Message: fmt.Sprintf("tag %s not found", tagName)}
		}
		return wrapActionErr(ctx, "load tag", err)
	}

	previous := conv.TagNames()
	for _, name := range previous {
		if name == tagName {
			// 已有该标签：幂等成功，不发事件
			return nil
		}
	}

	if err := x.db.WithContext(ctx).Model(conv).Association("Tags").Append(&tag); err != nil {
		return wrapActionErr(ctx, "append tag", err)
	}

	x.bus.PublishCascade(events.ConversationTagsChanged{
		ConversationID: conv.ID,
		PreviousTags:   previous,
		NewTags:        append(previous, tagName),
		ChangedBy:      executedBy,
		Timestamp:      nowRFC3339(),
	}, depth+1)
	return nil
}

func (x *ActionExecutor) removeTag(ctx context.Context, action *models.RuleAction, conv *models.Conversation, executedBy string, depth int) error {
	tagName, ok := action.StringParam("tag")
	if !ok {
		return &ActionError{Kind: ActionInvalidParameters, Message: "remove_tag requires a string 'tag' parameter"}
	}

	// 双重幂等：标签不存在或未附加都算成功
	var tag models.Tag
	if err := x.db.WithContext(ctx).First(&tag, "name = ?", tagName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return wrapActionErr(ctx, "load tag", err)
	}

	previous := conv.TagNames()
	attached := false
	remaining := make([]string, 0, len(previous))
	for _, name := range previous {
		if name == tagName {
			attached = true
			continue
		}
		remaining = append(remaining, name)
	}
	if !attached {
		return nil
	}

	if err := x.db.WithContext(ctx).Model(conv).Association("Tags").Delete(&tag); err != nil {
		return wrapActionErr(ctx, "remove tag", err)
	}

	x.bus.PublishCascade(events.ConversationTagsChanged{
		ConversationID: conv.ID,
		PreviousTags:   previous,
		NewTags:        remaining,
		ChangedBy:      executedBy,
		Timestamp:      nowRFC3339(),
	}, depth+1)
	return nil
}

// changeStatus 状态变更事件不携带操作主体。
func (x *ActionExecutor) changeStatus(ctx context.Context, action *models.RuleAction, conv *models.Conversation, executedBy string, depth int) error {
	raw, ok := action.StringParam("status")
	if !ok {
		return &ActionError{Kind: ActionInvalidParameters, Message: "change_status requires a string 'status' parameter"}
	}
	status, err := models.ParseConversationStatus(raw)
	if err != nil {
		return &ActionError{Kind: ActionInvalidParameters, Message: err.Error()}
	}
	if status == conv.Status {
		return nil
	}

	// 规则动作是管理性变更，不走会话状态机
	now := time.Now().UTC()
	updates := map[string]interface{}{"status": status}
	switch status {
	case models.StatusResolved:
		updates["resolved_at"] = now
	case models.StatusClosed:
		updates["closed_at"] = now
	case models.StatusOpen:
		updates["snoozed_until"] = nil
	}
	if err := x.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return wrapActionErr(ctx, "update status", err)
	}

	x.bus.PublishCascade(events.ConversationStatusChanged{
		ConversationID: conv.ID,
		OldStatus:      string(conv.Status),
		NewStatus:      string(status),
		Timestamp:      now.Format(time.RFC3339),
	}, depth+1)
	return nil
}

// wrapActionErr 区分超时与其它数据库错误
func wrapActionErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &ActionError{Kind: ActionTimeout, Message: fmt.Sprintf("action timed out during %s", op), Err: err}
	}
	return &ActionError{Kind: ActionExecutionFailed, Message: fmt.Sprintf("failed to %s", op), Err: err}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
