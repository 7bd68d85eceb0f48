package services

import (
	"context"
	"errors"

	"convodesk/internal/events"
	"convodesk/internal/models"

	"github.com/sirupsen/logrus"
)

// EventListener 把总线事件接到SLA钩子和自动化引擎上。
// 一个订阅、单协程消费，保证同一事件先走SLA再走规则评估。
type EventListener struct {
	bus        *events.Bus
	automation *AutomationService
	sla        *SlaService
	logger     *logrus.Logger
}

// NewEventListener 创建事件监听器
func NewEventListener(bus *events.Bus, automation *AutomationService, sla *SlaService, logger *logrus.Logger) *EventListener {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventListener{
		bus:        bus,
		automation: automation,
		sla:        sla,
		logger:     logger,
	}
}

// Run 消费事件直到 ctx 结束或总线关闭。落后丢事件只告警，不中断。
func (l *EventListener) Run(ctx context.Context) {
	sub := l.bus.Subscribe()
	defer sub.Close()
	l.logger.Info("Event listener started")

	for {
		env, err := sub.Receive(ctx)
		if err != nil {
			var lagged *events.LaggedError
			if errors.As(err, &lagged) {
				l.logger.WithField("skipped", lagged.Skipped).Warn("Event listener lagged, events dropped")
				continue
			}
			if errors.Is(err, events.ErrBusClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				l.logger.Info("Event listener stopped")
				return
			}
			l.logger.WithError(err).Error("Event listener receive failed")
			return
		}
		l.handle(ctx, env)
	}
}

// handle 处理单个事件。SLA钩子失败不阻止规则评估。
func (l *EventListener) handle(ctx context.Context, env events.Envelope) {
	switch e := env.Event.(type) {
	case events.ConversationStatusChanged:
		if e.NewStatus == string(models.StatusResolved) {
			if err := l.sla.HandleConversationResolved(ctx, e.ConversationID); err != nil {
				l.logger.WithError(err).WithField("conversation_id", e.ConversationID).
					Warn("Failed to settle resolution SLA")
			}
		}
	case events.MessageSent:
		if err := l.sla.HandleAgentMessage(ctx, e.ConversationID); err != nil {
			l.logger.WithError(err).WithField("conversation_id", e.ConversationID).
				Warn("Failed to settle response SLA")
		}
	case events.MessageReceived:
		if err := l.sla.HandleContactMessage(ctx, e.ConversationID); err != nil {
			l.logger.WithError(err).WithField("conversation_id", e.ConversationID).
				Warn("Failed to open next-response SLA")
		}
	case events.ConversationAssigned:
		if e.AssignedTeamID != nil {
			if err := l.sla.ApplyTeamDefaultSla(ctx, e.ConversationID, *e.AssignedTeamID); err != nil {
				l.logger.WithError(err).WithField("conversation_id", e.ConversationID).
					Warn("Failed to apply team default SLA")
			}
		}
	case events.AgentAvailabilityChanged:
		l.logger.WithFields(logrus.Fields{
			"agent_id":   e.AgentID,
			"old_status": e.OldStatus,
			"new_status": e.NewStatus,
			"reason":     e.Reason,
		}).Info("Agent availability changed")
	case events.AgentLoggedIn:
		l.logger.WithField("agent_id", e.AgentID).Info("Agent logged in")
	case events.AgentLoggedOut:
		l.logger.WithField("agent_id", e.AgentID).Info("Agent logged out")
	}

	if err := l.automation.HandleEvent(ctx, env); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"event_type":    env.Event.EventType(),
			"cascade_depth": env.CascadeDepth,
		}).Error("Automation evaluation failed")
	}
}
