package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"convodesk/internal/events"
	"convodesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newSlaTestDB(t *testing.T) *gorm.DB {
	dsn := "file:sla_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Team{}, &models.Conversation{},
		&models.SlaPolicy{}, &models.AppliedSla{}, &models.SlaEvent{}, &models.Holiday{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newSlaService(t *testing.T, db *gorm.DB) (*SlaService, *events.Bus) {
	t.Helper()
	bus := events.NewBus(10, logrus.New())
	t.Cleanup(bus.Close)
	return NewSlaService(db, bus, logrus.New()), bus
}

func seedPolicy(t *testing.T, svc *SlaService, first, next, resolution *string) *models.SlaPolicy {
	t.Helper()
	policy, err := svc.CreatePolicy(context.Background(), &SlaPolicyCreateRequest{
		Name:              "standard",
		FirstResponseTime: first,
		NextResponseTime:  next,
		ResolutionTime:    resolution,
	})
	if err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}
	return policy
}

func strptr(s string) *string { return &s }

func TestSlaService_ApplySla(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)
	seedConversation(t, db, "c1")
	policy := seedPolicy(t, svc, strptr("4h"), nil, strptr("2d"))

	before := time.Now().UTC()
	applied, err := svc.ApplySla(context.Background(), "c1", policy.ID)
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}
	if applied.Status != models.SlaStatusPending {
		t.Fatalf("expected pending, got %s", applied.Status)
	}

	loaded, err := svc.GetAppliedSla(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetAppliedSla failed: %v", err)
	}
	if len(loaded.Events) != 2 {
		t.Fatalf("expected 2 SLA events, got %d", len(loaded.Events))
	}
	deadlines := map[string]time.Time{}
	for _, evt := range loaded.Events {
		if !evt.Pending() {
			t.Fatalf("new event should be pending: %+v", evt)
		}
		deadlines[evt.EventType] = evt.DeadlineAt
	}
	fr, ok := deadlines[models.SlaEventFirstResponse]
	if !ok {
		t.Fatal("missing first_response event")
	}
	if diff := fr.Sub(before.Add(4 * time.Hour)); diff < -5*time.Second || diff > 5*time.Second {
		t.Fatalf("first_response deadline off by %v", diff)
	}
	res, ok := deadlines[models.SlaEventResolution]
	if !ok {
		t.Fatal("missing resolution event")
	}
	if diff := res.Sub(before.Add(48 * time.Hour)); diff < -5*time.Second || diff > 5*time.Second {
		t.Fatalf("resolution deadline off by %v", diff)
	}

	// 实例上冗余的截止时间与事件一致
	if loaded.FirstResponseDeadlineAt == nil || !loaded.FirstResponseDeadlineAt.Equal(fr) {
		t.Fatalf("first_response_deadline_at mismatch: %+v vs %v", loaded.FirstResponseDeadlineAt, fr)
	}
	if loaded.ResolutionDeadlineAt == nil || !loaded.ResolutionDeadlineAt.Equal(res) {
		t.Fatalf("resolution_deadline_at mismatch: %+v vs %v", loaded.ResolutionDeadlineAt, res)
	}

	// 同一会话只能有一个活动SLA
	if _, err := svc.ApplySla(context.Background(), "c1", policy.ID); err == nil {
		t.Fatal("expected error for second active SLA")
	} else if !strings.Contains(err.Error(), "active SLA") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSlaService_ApplySlaMissingTargets(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)
	policy := seedPolicy(t, svc, strptr("1h"), nil, nil)

	if _, err := svc.ApplySla(context.Background(), "ghost", policy.ID); err == nil {
		t.Fatal("expected error for unknown conversation")
	}
	seedConversation(t, db, "c1")
	if _, err := svc.ApplySla(context.Background(), "c1", "ghost"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestSlaService_AgentMessageMeetsFirstResponse(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)
	seedConversation(t, db, "c1")
	policy := seedPolicy(t, svc, strptr("4h"), nil, strptr("2d"))
	if _, err := svc.ApplySla(context.Background(), "c1", policy.ID); err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	if err := svc.HandleAgentMessage(context.Background(), "c1"); err != nil {
		t.Fatalf("HandleAgentMessage failed: %v", err)
	}

	loaded, err := svc.GetAppliedSla(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetAppliedSla failed: %v", err)
	}
	// 首次响应已满足，解决指标仍待定，实例整体保持 pending
	if loaded.Status != models.SlaStatusPending {
		t.Fatalf("expected applied SLA pending, got %s", loaded.Status)
	}
	for _, evt := range loaded.Events {
		switch evt.EventType {
		case models.SlaEventFirstResponse:
			if evt.MetAt == nil || evt.BreachedAt != nil {
				t.Fatalf("first_response not met: %+v", evt)
			}
		case models.SlaEventResolution:
			if !evt.Pending() {
				t.Fatalf("resolution should stay pending: %+v", evt)
			}
		}
	}
}

func TestSlaService_ResolutionMeetsRemaining(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)
	seedConversation(t, db, "c1")
	policy := seedPolicy(t, svc, strptr("4h"), nil, strptr("2d"))
	if _, err := svc.ApplySla(context.Background(), "c1", policy.ID); err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	if err := svc.HandleAgentMessage(context.Background(), "c1"); err != nil {
		t.Fatalf("HandleAgentMessage failed: %v", err)
	}
	if err := svc.HandleConversationResolved(context.Background(), "c1"); err != nil {
		t.Fatalf("HandleConversationResolved failed: %v", err)
	}

	loaded, err := svc.GetAppliedSla(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetAppliedSla failed: %v", err)
	}
	if loaded.Status != models.SlaStatusMet {
		t.Fatalf("expected applied SLA met, got %s", loaded.Status)
	}
}

func TestSlaService_ContactMessageCreatesNextResponse(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)
	seedConversation(t, db, "c1")
	policy := seedPolicy(t, svc, strptr("4h"), strptr("30m"), strptr("2d"))
	if _, err := svc.ApplySla(context.Background(), "c1", policy.ID); err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	if err := svc.HandleContactMessage(context.Background(), "c1"); err != nil {
		t.Fatalf("HandleContactMessage failed: %v", err)
	}
	pending, err := svc.pendingEvents(context.Background(), "c1", models.SlaEventNextResponse)
	if err != nil {
		t.Fatalf("pendingEvents failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 next_response event, got %d", len(pending))
	}

	// 已有待定事件则不重复创建
	if err := svc.HandleContactMessage(context.Background(), "c1"); err != nil {
		t.Fatalf("second HandleContactMessage failed: %v", err)
	}
	pending, err = svc.pendingEvents(context.Background(), "c1", models.SlaEventNextResponse)
	if err != nil {
		t.Fatalf("pendingEvents failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected no duplicate, got %d", len(pending))
	}

	// 客服回复满足后续响应，下一条客户消息再开新窗口
	if err := svc.HandleAgentMessage(context.Background(), "c1"); err != nil {
		t.Fatalf("HandleAgentMessage failed: %v", err)
	}
	if err := svc.HandleContactMessage(context.Background(), "c1"); err != nil {
		t.Fatalf("third HandleContactMessage failed: %v", err)
	}
	var total int64
	if err := db.Model(&models.SlaEvent{}).
		Where("conversation_id = ? AND event_type = ?", "c1", models.SlaEventNextResponse).
		Count(&total).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 next_response events in total, got %d", total)
	}
}

func TestSlaService_ContactMessageNoNextResponseConfigured(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)
	seedConversation(t, db, "c1")
	policy := seedPolicy(t, svc, strptr("4h"), nil, nil)
	if _, err := svc.ApplySla(context.Background(), "c1", policy.ID); err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	if err := svc.HandleContactMessage(context.Background(), "c1"); err != nil {
		t.Fatalf("HandleContactMessage failed: %v", err)
	}
	var total int64
	if err := db.Model(&models.SlaEvent{}).
		Where("event_type = ?", models.SlaEventNextResponse).
		Count(&total).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("policy without next_response_time created %d events", total)
	}
}

func TestSlaService_CheckBreaches(t *testing.T) {
	db := newSlaTestDB(t)
	svc, bus := newSlaService(t, db)
	seedConversation(t, db, "c1")
	policy := seedPolicy(t, svc, strptr("4h"), nil, nil)

	deadline := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	applied := &models.AppliedSla{
		ID: "as1", ConversationID: "c1", SlaPolicyID: policy.ID,
		Status: models.SlaStatusPending, AppliedAt: deadline.Add(-4 * time.Hour),
	}
	if err := db.Create(applied).Error; err != nil {
		t.Fatalf("insert applied SLA: %v", err)
	}
	event := &models.SlaEvent{
		ID: "se1", AppliedSlaID: "as1", ConversationID: "c1",
		EventType: models.SlaEventFirstResponse, DeadlineAt: deadline,
	}
	if err := db.Create(event).Error; err != nil {
		t.Fatalf("insert SLA event: %v", err)
	}

	sub := bus.Subscribe()
	defer sub.Close()

	count, err := svc.CheckBreaches(context.Background())
	if err != nil {
		t.Fatalf("CheckBreaches failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 breach, got %d", count)
	}

	var stored models.SlaEvent
	if err := db.First(&stored, "id = ?", "se1").Error; err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if stored.BreachedAt == nil || !stored.BreachedAt.Equal(deadline) {
		t.Fatalf("breached_at should equal the deadline: %+v", stored.BreachedAt)
	}
	if stored.MetAt != nil {
		t.Fatalf("met_at must stay empty on breach")
	}

	var storedApplied models.AppliedSla
	if err := db.First(&storedApplied, "id = ?", "as1").Error; err != nil {
		t.Fatalf("reload applied: %v", err)
	}
	if storedApplied.Status != models.SlaStatusBreached {
		t.Fatalf("expected applied SLA breached, got %s", storedApplied.Status)
	}

	env := receiveEnvelope(t, sub)
	breach, ok := env.Event.(events.SlaBreached)
	if !ok {
		t.Fatalf("expected SlaBreached, got %T", env.Event)
	}
	if breach.ConversationID != "c1" || breach.SlaEventType != models.SlaEventFirstResponse {
		t.Fatalf("unexpected breach event: %+v", breach)
	}

	// 重扫不重复计数
	count, err = svc.CheckBreaches(context.Background())
	if err != nil {
		t.Fatalf("second CheckBreaches failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no new breaches, got %d", count)
	}
}

func TestSlaService_MetBreachedExclusive(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)

	now := time.Now().UTC()
	met := now.Add(-time.Minute)
	breached := now.Add(-time.Minute)

	// 已违约的事件不能再满足
	evt := &models.SlaEvent{
		ID: "se1", AppliedSlaID: "as1", ConversationID: "c1",
		EventType: models.SlaEventFirstResponse, DeadlineAt: now, BreachedAt: &breached,
	}
	if err := svc.markEventMet(context.Background(), evt, now); err == nil {
		t.Fatal("expected error marking breached event as met")
	}

	// 已满足的事件不能再违约
	evt = &models.SlaEvent{
		ID: "se2", AppliedSlaID: "as1", ConversationID: "c1",
		EventType: models.SlaEventFirstResponse, DeadlineAt: now, MetAt: &met,
	}
	if err := svc.markEventBreached(context.Background(), evt); err == nil {
		t.Fatal("expected error marking met event as breached")
	}
}

func TestSlaService_ApplyTeamDefaultSla(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)
	seedConversation(t, db, "c1")
	seedConversation(t, db, "c2")
	policy := seedPolicy(t, svc, strptr("4h"), nil, nil)

	if err := db.Create(&models.Team{ID: "team1", Name: "support", SlaPolicyID: &policy.ID}).Error; err != nil {
		t.Fatalf("insert team: %v", err)
	}
	if err := db.Create(&models.Team{ID: "team2", Name: "sales"}).Error; err != nil {
		t.Fatalf("insert team: %v", err)
	}

	if err := svc.ApplyTeamDefaultSla(context.Background(), "c1", "team1"); err != nil {
		t.Fatalf("ApplyTeamDefaultSla failed: %v", err)
	}
	if _, err := svc.GetAppliedSla(context.Background(), "c1"); err != nil {
		t.Fatalf("expected SLA applied from team default: %v", err)
	}

	// 已有SLA的会话不再套默认策略
	if err := svc.ApplyTeamDefaultSla(context.Background(), "c1", "team1"); err != nil {
		t.Fatalf("repeat ApplyTeamDefaultSla failed: %v", err)
	}
	var count int64
	if err := db.Model(&models.AppliedSla{}).Where("conversation_id = ?", "c1").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single applied SLA, got %d", count)
	}

	// 未配默认策略的团队是空操作
	if err := svc.ApplyTeamDefaultSla(context.Background(), "c2", "team2"); err != nil {
		t.Fatalf("ApplyTeamDefaultSla without policy failed: %v", err)
	}
	if _, err := svc.GetAppliedSla(context.Background(), "c2"); err == nil {
		t.Fatal("expected no SLA for team without default policy")
	}

	if err := svc.ApplyTeamDefaultSla(context.Background(), "c2", "ghost"); err == nil {
		t.Fatal("expected error for unknown team")
	}
}

func TestSlaService_HolidayDeadlinePush(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// 无节假日：直接相加
	deadline := calculateDeadline(start, 4*time.Hour, nil)
	if !deadline.Equal(start.Add(4 * time.Hour)) {
		t.Fatalf("unexpected deadline: %v", deadline)
	}

	// 固定日期节假日：顺延一天
	holidays := []models.Holiday{{ID: "h1", Name: "Labor Day", Date: "2024-05-01"}}
	deadline = calculateDeadline(start, 4*time.Hour, holidays)
	if !deadline.Equal(start.Add(4*time.Hour + 24*time.Hour)) {
		t.Fatalf("expected push past holiday, got %v", deadline)
	}

	// 周期性节假日按 月-日 匹配，跨年份也顺延
	holidays = []models.Holiday{{ID: "h2", Name: "Labor Day", Date: "2020-05-01", Recurring: true}}
	deadline = calculateDeadline(start, 4*time.Hour, holidays)
	if !deadline.Equal(start.Add(4*time.Hour + 24*time.Hour)) {
		t.Fatalf("expected recurring push, got %v", deadline)
	}

	// 连续两天节假日：顺延两天
	holidays = []models.Holiday{
		{ID: "h1", Date: "2024-05-01"},
		{ID: "h2", Date: "2024-05-02"},
	}
	deadline = calculateDeadline(start, 4*time.Hour, holidays)
	if !deadline.Equal(start.Add(4*time.Hour + 48*time.Hour)) {
		t.Fatalf("expected push past both holidays, got %v", deadline)
	}
}

func TestSlaService_PolicyValidation(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)

	if _, err := svc.CreatePolicy(context.Background(), &SlaPolicyCreateRequest{
		Name:              "bad",
		FirstResponseTime: strptr("4x"),
	}); err == nil {
		t.Fatal("expected error for invalid duration unit")
	}
	if _, err := svc.CreatePolicy(context.Background(), &SlaPolicyCreateRequest{Name: "empty"}); err == nil {
		t.Fatal("expected error for policy without any target")
	}
}

func TestSlaService_HolidayCRUD(t *testing.T) {
	db := newSlaTestDB(t)
	svc, _ := newSlaService(t, db)

	if _, err := svc.CreateHoliday(context.Background(), &HolidayCreateRequest{
		Name: "bad", Date: "05-01",
	}); err == nil {
		t.Fatal("expected error for malformed date")
	}

	holiday, err := svc.CreateHoliday(context.Background(), &HolidayCreateRequest{
		Name: "New Year", Date: "2025-01-01", Recurring: true,
	})
	if err != nil {
		t.Fatalf("CreateHoliday failed: %v", err)
	}

	holidays, err := svc.ListHolidays(context.Background())
	if err != nil {
		t.Fatalf("ListHolidays failed: %v", err)
	}
	if len(holidays) != 1 {
		t.Fatalf("expected 1 holiday, got %d", len(holidays))
	}

	if err := svc.DeleteHoliday(context.Background(), holiday.ID); err != nil {
		t.Fatalf("DeleteHoliday failed: %v", err)
	}
	if err := svc.DeleteHoliday(context.Background(), holiday.ID); err == nil {
		t.Fatal("expected error deleting missing holiday")
	}
}
