package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"convodesk/internal/models"

	"github.com/sirupsen/logrus"
)

// 条件评估错误类别
type ConditionErrorKind string

const (
	ConditionInvalidAttribute ConditionErrorKind = "invalid_attribute"
	ConditionTypeMismatch     ConditionErrorKind = "type_mismatch"
	ConditionTimeout          ConditionErrorKind = "timeout"
	ConditionEvaluationFailed ConditionErrorKind = "evaluation_failed"
)

// ConditionError 条件评估失败。评估出错与评估为 false 是不同结果，
// 审计日志分别记录。
type ConditionError struct {
	Kind    ConditionErrorKind
	Message string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ConditionEvaluator 在会话快照上评估规则条件树。无副作用。
type ConditionEvaluator struct {
	timeout time.Duration
	logger  *logrus.Logger
}

// NewConditionEvaluator 创建条件评估器。timeout<=0 时使用 5s。
func NewConditionEvaluator(timeout time.Duration, logger *logrus.Logger) *ConditionEvaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ConditionEvaluator{timeout: timeout, logger: logger}
}

// Evaluate 在整体超时内评估条件树，返回匹配与否。
// 超时返回 ConditionTimeout 错误而不是 false。
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cond *models.RuleCondition, conv *models.Conversation) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.evaluate(ctx, cond, conv)
}

func (e *ConditionEvaluator) evaluate(ctx context.Context, cond *models.RuleCondition, conv *models.Conversation) (bool, error) {
	select {
	case <-ctx.Done():
		return false, &ConditionError{Kind: ConditionTimeout, Message: "condition evaluation timed out"}
	default:
	}

	switch cond.Operator {
	case models.CondSimple:
		actual, err := conversationAttribute(conv, cond.Attribute)
		if err != nil {
			return false, err
		}
		return compare(actual, cond.Comparison, cond.Value)
	case models.CondAnd:
		for i := range cond.Conditions {
			ok, err := e.evaluate(ctx, &cond.Conditions[i], conv)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case models.CondOr:
		for i := range cond.Conditions {
			ok, err := e.evaluate(ctx, &cond.Conditions[i], conv)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case models.CondNot:
		if cond.Condition == nil {
			return false, &ConditionError{Kind: ConditionEvaluationFailed, Message: "not condition missing child"}
		}
		ok, err := e.evaluate(ctx, cond.Condition, conv)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, &ConditionError{Kind: ConditionEvaluationFailed, Message: fmt.Sprintf("unknown operator: %s", cond.Operator)}
}

// conversationAttribute 读取会话属性快照值。未赋值的可选属性为 null。
func conversationAttribute(conv *models.Conversation, attribute string) (models.Value, error) {
	switch attribute {
	case "tags":
		return models.StringArray(conv.TagNames()...), nil
	case "priority":
		if conv.Priority == nil {
			return models.Null(), nil
		}
		return models.StringValue(string(*conv.Priority)), nil
	case "status":
		return models.StringValue(string(conv.Status)), nil
	case "assigned_user_id":
		if conv.AssignedUserID == nil {
			return models.Null(), nil
		}
		return models.StringValue(*conv.AssignedUserID), nil
	case "assigned_team_id":
		if conv.AssignedTeamID == nil {
			return models.Null(), nil
		}
		return models.StringValue(*conv.AssignedTeamID), nil
	}
	return models.Value{}, &ConditionError{Kind: ConditionInvalidAttribute, Message: fmt.Sprintf("unknown attribute: %s", attribute)}
}

func compare(actual models.Value, op models.ComparisonOperator, expected models.Value) (bool, error) {
	switch op {
	case models.OpEquals:
		return actual.Equal(expected), nil
	case models.OpNotEquals:
		return !actual.Equal(expected), nil
	case models.OpContains:
		switch actual.Kind {
		case models.KindArray:
			for _, item := range actual.Array {
				if item.Equal(expected) {
					return true, nil
				}
			}
			return false, nil
		case models.KindString:
			if expected.Kind != models.KindString {
				return false, &ConditionError{Kind: ConditionTypeMismatch, Message: "contains on string requires string value"}
			}
			return strings.Contains(actual.Str, expected.Str), nil
		}
		return false, &ConditionError{Kind: ConditionTypeMismatch, Message: fmt.Sprintf("contains not supported on %s", actual.Kind)}
	case models.OpGreaterThan, models.OpLessThan:
		if actual.Kind != models.KindNumber || expected.Kind != models.KindNumber {
			return false, &ConditionError{Kind: ConditionTypeMismatch, Message: fmt.Sprintf("%s requires numeric operands", op)}
		}
		if op == models.OpGreaterThan {
			return actual.Number > expected.Number, nil
		}
		return actual.Number < expected.Number, nil
	case models.OpIn, models.OpNotIn:
		if expected.Kind != models.KindArray {
			return false, &ConditionError{Kind: ConditionTypeMismatch, Message: fmt.Sprintf("%s requires an array value", op)}
		}
		found := false
		for _, item := range expected.Array {
			if actual.Equal(item) {
				found = true
				break
			}
		}
		if op == models.OpIn {
			return found, nil
		}
		return !found, nil
	}
	return false, &ConditionError{Kind: ConditionEvaluationFailed, Message: fmt.Sprintf("unknown comparison: %s", op)}
}
