package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ComparisonOperator 条件比较器
type ComparisonOperator string

const (
	OpContains    ComparisonOperator = "contains"
	OpEquals      ComparisonOperator = "equals"
	OpNotEquals   ComparisonOperator = "not_equals"
	OpGreaterThan ComparisonOperator = "greater_than"
	OpLessThan    ComparisonOperator = "less_than"
	OpIn          ComparisonOperator = "in"
	OpNotIn       ComparisonOperator = "not_in"
)

// ParseComparisonOperator parses the wire form of a comparator.
func ParseComparisonOperator(s string) (ComparisonOperator, error) {
	switch ComparisonOperator(s) {
	case OpContains, OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpIn, OpNotIn:
		return ComparisonOperator(s), nil
	}
	return "", fmt.Errorf("invalid comparison operator: %s", s)
}

// Condition operator discriminators (the "operator" JSON field).
const (
	CondSimple = "simple"
	CondAnd    = "and"
	CondOr     = "or"
	CondNot    = "not"
)

// Attribute names simple conditions may reference.
var validConditionAttributes = map[string]bool{
	"tags":             true,
	"priority":         true,
	"status":           true,
	"assigned_user_id": true,
	"assigned_team_id": true,
}

// RuleCondition 规则条件树。Operator 为 simple 时使用
// Attribute/Comparison/Value；and/or 使用 Conditions；not 使用 Condition。
type RuleCondition struct {
	Operator   string             `json:"operator"`
	Attribute  string             `json:"attribute,omitempty"`
	Comparison ComparisonOperator `json:"comparison,omitempty"`
	Value      Value              `json:"-"`
	Conditions []RuleCondition    `json:"conditions,omitempty"`
	Condition  *RuleCondition     `json:"condition,omitempty"`

	hasValue bool
}

// SimpleCondition builds a leaf condition.
func SimpleCondition(attribute string, comparison ComparisonOperator, value Value) RuleCondition {
	return RuleCondition{
		Operator:   CondSimple,
		Attribute:  attribute,
		Comparison: comparison,
		Value:      value,
		hasValue:   true,
	}
}

// AndCondition builds a conjunction.
func AndCondition(children ...RuleCondition) RuleCondition {
	return RuleCondition{Operator: CondAnd, Conditions: children}
}

// OrCondition builds a disjunction.
func OrCondition(children ...RuleCondition) RuleCondition {
	return RuleCondition{Operator: CondOr, Conditions: children}
}

// NotCondition negates a child condition.
func NotCondition(child RuleCondition) RuleCondition {
	return RuleCondition{Operator: CondNot, Condition: &child}
}

// Validate 校验条件语法（属性名合法、and/or 至少两个子条件）
func (c *RuleCondition) Validate() error {
	switch c.Operator {
	case CondSimple:
		if !validConditionAttributes[c.Attribute] {
			return fmt.Errorf("invalid attribute: %s", c.Attribute)
		}
		if _, err := ParseComparisonOperator(string(c.Comparison)); err != nil {
			return err
		}
		if !c.hasValue {
			return fmt.Errorf("simple condition requires a value")
		}
		return nil
	case CondAnd, CondOr:
		if len(c.Conditions) < 2 {
			return fmt.Errorf("%s conditions must have at least 2 sub-conditions", c.Operator)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	case CondNot:
		if c.Condition == nil {
			return fmt.Errorf("not condition requires a child condition")
		}
		return c.Condition.Validate()
	}
	return fmt.Errorf("invalid condition operator: %s", c.Operator)
}

func (c RuleCondition) MarshalJSON() ([]byte, error) {
	switch c.Operator {
	case CondSimple:
		return json.Marshal(struct {
			Operator   string             `json:"operator"`
			Attribute  string             `json:"attribute"`
			Comparison ComparisonOperator `json:"comparison"`
			Value      Value              `json:"value"`
		}{c.Operator, c.Attribute, c.Comparison, c.Value})
	case CondAnd, CondOr:
		return json.Marshal(struct {
			Operator   string          `json:"operator"`
			Conditions []RuleCondition `json:"conditions"`
		}{c.Operator, c.Conditions})
	case CondNot:
		return json.Marshal(struct {
			Operator  string         `json:"operator"`
			Condition *RuleCondition `json:"condition"`
		}{c.Operator, c.Condition})
	}
	return nil, fmt.Errorf("invalid condition operator: %s", c.Operator)
}

func (c *RuleCondition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Operator   string          `json:"operator"`
		Attribute  string          `json:"attribute"`
		Comparison string          `json:"comparison"`
		Value      json.RawMessage `json:"value"`
		Conditions []RuleCondition `json:"conditions"`
		Condition  *RuleCondition  `json:"condition"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = RuleCondition{
		Operator:   raw.Operator,
		Attribute:  raw.Attribute,
		Comparison: ComparisonOperator(raw.Comparison),
		Conditions: raw.Conditions,
		Condition:  raw.Condition,
	}
	if len(raw.Value) > 0 {
		if err := c.Value.UnmarshalJSON(raw.Value); err != nil {
			return fmt.Errorf("condition value: %w", err)
		}
		c.hasValue = true
	}
	return nil
}

// ActionType 自动化动作类型
type ActionType string

const (
	ActionSetPriority  ActionType = "set_priority"
	ActionAssignToUser ActionType = "assign_to_user"
	ActionAssignToTeam ActionType = "assign_to_team"
	ActionAddTag       ActionType = "add_tag"
	ActionRemoveTag    ActionType = "remove_tag"
	ActionChangeStatus ActionType = "change_status"
)

// requiredActionParams maps each action type to its mandatory parameter key.
var requiredActionParams = map[ActionType]string{
	ActionSetPriority:  "priority",
	ActionAssignToUser: "user_id",
	ActionAssignToTeam: "team_id",
	ActionAddTag:       "tag",
	ActionRemoveTag:    "tag",
	ActionChangeStatus: "status",
}

// RuleAction 条件匹配时执行的动作
type RuleAction struct {
	ActionType ActionType       `json:"action_type"`
	Parameters map[string]Value `json:"parameters"`
}

// Validate 校验动作类型和必填参数
func (a *RuleAction) Validate() error {
	key, ok := requiredActionParams[a.ActionType]
	if !ok {
		return fmt.Errorf("invalid action type: %s", a.ActionType)
	}
	if _, present := a.Parameters[key]; !present {
		return fmt.Errorf("%s action requires '%s' parameter", a.ActionType, key)
	}
	return nil
}

// StringParam returns the named string parameter, or ok=false when it is
// missing or not a string.
func (a *RuleAction) StringParam(key string) (string, bool) {
	v, ok := a.Parameters[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// AutomationRule 自动化规则。条件、动作与事件订阅以 JSON 文本入库。
type AutomationRule struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"not null" json:"name"`
	Description       *string   `json:"description"`
	Enabled           bool      `gorm:"default:true;index" json:"enabled"`
	EventSubscription string    `gorm:"type:text;not null" json:"-"` // JSON array of event types
	Condition         string    `gorm:"type:text;not null" json:"-"` // JSON RuleCondition
	Action            string    `gorm:"type:text;not null" json:"-"` // JSON RuleAction
	Priority          int       `gorm:"default:100;index" json:"priority"` // 越小越先执行
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Events decodes the subscribed event types.
func (r *AutomationRule) Events() ([]string, error) {
	var events []string
	if err := json.Unmarshal([]byte(r.EventSubscription), &events); err != nil {
		return nil, fmt.Errorf("invalid event_subscription for rule %s: %w", r.ID, err)
	}
	return events, nil
}

// SubscribesTo reports whether the rule subscribes to the event type.
func (r *AutomationRule) SubscribesTo(eventType string) bool {
	events, err := r.Events()
	if err != nil {
		return false
	}
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}

// ParsedCondition decodes the stored condition tree.
func (r *AutomationRule) ParsedCondition() (*RuleCondition, error) {
	var cond RuleCondition
	if err := json.Unmarshal([]byte(r.Condition), &cond); err != nil {
		return nil, fmt.Errorf("invalid condition for rule %s: %w", r.ID, err)
	}
	return &cond, nil
}

// ParsedAction decodes the stored action.
func (r *AutomationRule) ParsedAction() (*RuleAction, error) {
	var action RuleAction
	if err := json.Unmarshal([]byte(r.Action), &action); err != nil {
		return nil, fmt.Errorf("invalid action for rule %s: %w", r.ID, err)
	}
	return &action, nil
}

// Condition / action outcome markers recorded in evaluation logs.
const (
	ConditionResultTrue  = "true"
	ConditionResultFalse = "false"
	ConditionResultError = "error"

	ActionResultSuccess = "success"
	ActionResultError   = "error"
	ActionResultSkipped = "skipped"
)

// RuleEvaluationLog 规则评估审计记录，按 规则×事件 追加，只增不改。
type RuleEvaluationLog struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	RuleID           string    `gorm:"index" json:"rule_id"`
	RuleName         string    `json:"rule_name"`
	EventType        string    `gorm:"index" json:"event_type"`
	ConversationID   *string   `gorm:"index" json:"conversation_id"`
	Matched          bool      `json:"matched"`
	ConditionResult  string    `json:"condition_result"` // true, false, error
	ActionExecuted   bool      `json:"action_executed"`
	ActionResult     string    `json:"action_result"` // success, error, skipped
	ErrorMessage     *string   `gorm:"type:text" json:"error_message"`
	EvaluationTimeMs int64     `json:"evaluation_time_ms"`
	EvaluatedAt      time.Time `gorm:"index" json:"evaluated_at"`
	CascadeDepth     int       `json:"cascade_depth"`
}
