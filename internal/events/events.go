package events

// Event type identifiers used in rule event subscriptions. Rules subscribe
// to these strings; producers attach them via SystemEvent.EventType.
const (
	TypeConversationCreated         = "conversation.created"
	TypeConversationStatusChanged   = "conversation.status_changed"
	TypeMessageReceived             = "conversation.message_received"
	TypeMessageSent                 = "conversation.message_sent"
	TypeMessageFailed               = "conversation.message_failed"
	TypeConversationAssigned        = "conversation.assignment_changed"
	TypeConversationUnassigned      = "conversation.unassigned"
	TypeConversationTagsChanged     = "conversation.tags_changed"
	TypeConversationPriorityChanged = "conversation.priority_changed"
	TypeAgentAvailabilityChanged    = "agent.availability_changed"
	TypeAgentLoggedIn               = "agent.logged_in"
	TypeAgentLoggedOut              = "agent.logged_out"
	TypeSlaBreached                 = "conversation.sla_breached"
)

// SystemEvent 系统事件。每个触发器对应一个具体类型，发布后不可变。
type SystemEvent interface {
	// EventType returns the event-type identifier rules subscribe to.
	EventType() string
	// OccurredAt returns the event timestamp in ISO-8601 (RFC 3339).
	OccurredAt() string
}

type ConversationCreated struct {
	ConversationID string `json:"conversation_id"`
	InboxID        string `json:"inbox_id"`
	ContactID      string `json:"contact_id"`
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
}

func (e ConversationCreated) EventType() string  { return TypeConversationCreated }
func (e ConversationCreated) OccurredAt() string { return e.Timestamp }

type ConversationStatusChanged struct {
	ConversationID string  `json:"conversation_id"`
	OldStatus      string  `json:"old_status"`
	NewStatus      string  `json:"new_status"`
	AgentID        *string `json:"agent_id,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

func (e ConversationStatusChanged) EventType() string  { return TypeConversationStatusChanged }
func (e ConversationStatusChanged) OccurredAt() string { return e.Timestamp }

type MessageReceived struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ContactID      string `json:"contact_id"`
	Timestamp      string `json:"timestamp"`
}

func (e MessageReceived) EventType() string  { return TypeMessageReceived }
func (e MessageReceived) OccurredAt() string { return e.Timestamp }

type MessageSent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Timestamp      string `json:"timestamp"`
}

func (e MessageSent) EventType() string  { return TypeMessageSent }
func (e MessageSent) OccurredAt() string { return e.Timestamp }

type MessageFailed struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	RetryCount     int    `json:"retry_count"`
	Timestamp      string `json:"timestamp"`
}

func (e MessageFailed) EventType() string  { return TypeMessageFailed }
func (e MessageFailed) OccurredAt() string { return e.Timestamp }

type ConversationAssigned struct {
	ConversationID string  `json:"conversation_id"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	AssignedTeamID *string `json:"assigned_team_id,omitempty"`
	AssignedBy     string  `json:"assigned_by"`
	Timestamp      string  `json:"timestamp"`
}

func (e ConversationAssigned) EventType() string  { return TypeConversationAssigned }
func (e ConversationAssigned) OccurredAt() string { return e.Timestamp }

type ConversationUnassigned struct {
	ConversationID         string  `json:"conversation_id"`
	PreviousAssignedUserID *string `json:"previous_assigned_user_id,omitempty"`
	PreviousAssignedTeamID *string `json:"previous_assigned_team_id,omitempty"`
	UnassignedBy           string  `json:"unassigned_by"`
	Timestamp              string  `json:"timestamp"`
}

func (e ConversationUnassigned) EventType() string  { return TypeConversationUnassigned }
func (e ConversationUnassigned) OccurredAt() string { return e.Timestamp }

type ConversationTagsChanged struct {
	ConversationID string   `json:"conversation_id"`
	PreviousTags   []string `json:"previous_tags"`
	NewTags        []string `json:"new_tags"`
	ChangedBy      string   `json:"changed_by"`
	Timestamp      string   `json:"timestamp"`
}

func (e ConversationTagsChanged) EventType() string  { return TypeConversationTagsChanged }
func (e ConversationTagsChanged) OccurredAt() string { return e.Timestamp }

type ConversationPriorityChanged struct {
	ConversationID   string  `json:"conversation_id"`
	PreviousPriority *string `json:"previous_priority,omitempty"`
	NewPriority      *string `json:"new_priority,omitempty"`
	UpdatedBy        string  `json:"updated_by"`
	Timestamp        string  `json:"timestamp"`
}

func (e ConversationPriorityChanged) EventType() string  { return TypeConversationPriorityChanged }
func (e ConversationPriorityChanged) OccurredAt() string { return e.Timestamp }

type AgentAvailabilityChanged struct {
	AgentID   string `json:"agent_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"` // manual, inactivity_timeout, login, logout
	Timestamp string `json:"timestamp"`
}

func (e AgentAvailabilityChanged) EventType() string  { return TypeAgentAvailabilityChanged }
func (e AgentAvailabilityChanged) OccurredAt() string { return e.Timestamp }

type AgentLoggedIn struct {
	AgentID   string `json:"agent_id"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

func (e AgentLoggedIn) EventType() string  { return TypeAgentLoggedIn }
func (e AgentLoggedIn) OccurredAt() string { return e.Timestamp }

type AgentLoggedOut struct {
	AgentID   string `json:"agent_id"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

func (e AgentLoggedOut) EventType() string  { return TypeAgentLoggedOut }
func (e AgentLoggedOut) OccurredAt() string { return e.Timestamp }

type SlaBreached struct {
	EventID        string `json:"event_id"`
	AppliedSlaID   string `json:"applied_sla_id"`
	ConversationID string `json:"conversation_id"`
	SlaEventType   string `json:"event_type"` // first_response, resolution, next_response
	DeadlineAt     string `json:"deadline_at"`
	BreachedAt     string `json:"breached_at"`
	Timestamp      string `json:"timestamp"`
}

func (e SlaBreached) EventType() string  { return TypeSlaBreached }
func (e SlaBreached) OccurredAt() string { return e.Timestamp }
