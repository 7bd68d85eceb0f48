package services

import (
	"context"
	"testing"
	"time"

	"convodesk/internal/events"
	"convodesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newConversationTestDB(t *testing.T) *gorm.DB {
	dsn := "file:conversation_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Agent{}, &models.Team{}, &models.Contact{},
		&models.Inbox{}, &models.Tag{}, &models.Conversation{}, &models.Message{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&models.Inbox{ID: "i1", Name: "support"}).Error; err != nil {
		t.Fatalf("insert inbox: %v", err)
	}
	if err := db.Create(&models.Contact{ID: "ct1", Name: "Alice"}).Error; err != nil {
		t.Fatalf("insert contact: %v", err)
	}
	return db
}

func newConversationService(t *testing.T, db *gorm.DB) (*ConversationService, *events.Bus) {
	t.Helper()
	bus := events.NewBus(20, logrus.New())
	t.Cleanup(bus.Close)
	return NewConversationService(db, bus, logrus.New()), bus
}

func mustCreateConversation(t *testing.T, svc *ConversationService) *models.Conversation {
	t.Helper()
	conv, err := svc.CreateConversation(context.Background(), &ConversationCreateRequest{
		InboxID:   "i1",
		ContactID: "ct1",
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return conv
}

func expectNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if env, err := sub.Receive(ctx); err == nil {
		t.Fatalf("expected no event, got %T", env.Event)
	}
}

func TestConversationService_Create(t *testing.T) {
	db := newConversationTestDB(t)
	svc, bus := newConversationService(t, db)
	sub := bus.Subscribe()
	defer sub.Close()

	first := mustCreateConversation(t, svc)
	if first.Status != models.StatusOpen {
		t.Fatalf("new conversation should be open, got %s", first.Status)
	}
	if first.ReferenceNumber != 1 {
		t.Fatalf("expected reference number 1, got %d", first.ReferenceNumber)
	}
	second := mustCreateConversation(t, svc)
	if second.ReferenceNumber != 2 {
		t.Fatalf("expected reference number 2, got %d", second.ReferenceNumber)
	}

	env := receiveEnvelope(t, sub)
	created, ok := env.Event.(events.ConversationCreated)
	if !ok {
		t.Fatalf("expected ConversationCreated, got %T", env.Event)
	}
	if created.ConversationID != first.ID || created.Status != "open" {
		t.Fatalf("unexpected event: %+v", created)
	}
	if env.CascadeDepth != 0 {
		t.Fatalf("direct operations publish at depth 0, got %d", env.CascadeDepth)
	}
}

func TestConversationService_CreateMissingTargets(t *testing.T) {
	db := newConversationTestDB(t)
	svc, _ := newConversationService(t, db)

	if _, err := svc.CreateConversation(context.Background(), &ConversationCreateRequest{
		InboxID: "ghost", ContactID: "ct1",
	}); err == nil {
		t.Fatal("expected error for unknown inbox")
	}
	if _, err := svc.CreateConversation(context.Background(), &ConversationCreateRequest{
		InboxID: "i1", ContactID: "ghost",
	}); err == nil {
		t.Fatal("expected error for unknown contact")
	}
}

func TestConversationService_ChangeStatus(t *testing.T) {
	db := newConversationTestDB(t)
	svc, bus := newConversationService(t, db)
	conv := mustCreateConversation(t, svc)

	sub := bus.Subscribe()
	defer sub.Close()

	until := time.Now().UTC().Add(2 * time.Hour)
	updated, err := svc.ChangeStatus(context.Background(), conv.ID, &StatusChangeRequest{
		Status: "snoozed", SnoozedUntil: &until,
	})
	if err != nil {
		t.Fatalf("ChangeStatus to snoozed failed: %v", err)
	}
	if updated.Status != models.StatusSnoozed {
		t.Fatalf("expected snoozed, got %s", updated.Status)
	}
	env := receiveEnvelope(t, sub)
	sc, ok := env.Event.(events.ConversationStatusChanged)
	if !ok {
		t.Fatalf("expected ConversationStatusChanged, got %T", env.Event)
	}
	if sc.OldStatus != "open" || sc.NewStatus != "snoozed" {
		t.Fatalf("unexpected transition in event: %+v", sc)
	}

	// 重开后 snoozed_until 被清除
	if _, err := svc.ChangeStatus(context.Background(), conv.ID, &StatusChangeRequest{Status: "open"}); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	receiveEnvelope(t, sub)
	var stored models.Conversation
	if err := db.First(&stored, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.SnoozedUntil != nil {
		t.Fatal("snoozed_until should be cleared on reopen")
	}

	// 解决会话记录 resolved_at
	if _, err := svc.ChangeStatus(context.Background(), conv.ID, &StatusChangeRequest{Status: "resolved"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	receiveEnvelope(t, sub)
	if err := db.First(&stored, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.ResolvedAt == nil {
		t.Fatal("resolved_at should be set")
	}
}

func TestConversationService_ChangeStatusInvalid(t *testing.T) {
	db := newConversationTestDB(t)
	svc, bus := newConversationService(t, db)
	conv := mustCreateConversation(t, svc)

	sub := bus.Subscribe()
	defer sub.Close()

	// 打开状态不能直接关闭
	if _, err := svc.ChangeStatus(context.Background(), conv.ID, &StatusChangeRequest{Status: "closed"}); err == nil {
		t.Fatal("expected transition error open->closed")
	}
	// 未知状态
	if _, err := svc.ChangeStatus(context.Background(), conv.ID, &StatusChangeRequest{Status: "archived"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
	// 自环合法但无事件
	if _, err := svc.ChangeStatus(context.Background(), conv.ID, &StatusChangeRequest{Status: "open"}); err != nil {
		t.Fatalf("self transition should be a no-op: %v", err)
	}
	expectNoEvent(t, sub)
}

func TestConversationService_AssignAndUnassign(t *testing.T) {
	db := newConversationTestDB(t)
	svc, bus := newConversationService(t, db)
	conv := mustCreateConversation(t, svc)

	if err := db.Create(&models.User{ID: "u1", Email: "bob@x.dev", Name: "Bob"}).Error; err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := db.Create(&models.Agent{ID: "a1", UserID: "u1"}).Error; err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := db.Create(&models.User{ID: "u2", Email: "carol@x.dev", Name: "Carol"}).Error; err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := db.Create(&models.Team{ID: "team1", Name: "support"}).Error; err != nil {
		t.Fatalf("insert team: %v", err)
	}

	sub := bus.Subscribe()
	defer sub.Close()

	userID := "u1"
	teamID := "team1"
	updated, err := svc.Assign(context.Background(), conv.ID, &AssignRequest{
		UserID: &userID, TeamID: &teamID, AssignedBy: "admin",
	})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if updated.AssignedUserID == nil || *updated.AssignedUserID != "u1" {
		t.Fatalf("user not assigned: %+v", updated)
	}
	env := receiveEnvelope(t, sub)
	assigned, ok := env.Event.(events.ConversationAssigned)
	if !ok {
		t.Fatalf("expected ConversationAssigned, got %T", env.Event)
	}
	if assigned.AssignedUserID == nil || *assigned.AssignedUserID != "u1" {
		t.Fatalf("unexpected event: %+v", assigned)
	}

	// 无客服档案的用户不可被指派
	noAgent := "u2"
	if _, err := svc.Assign(context.Background(), conv.ID, &AssignRequest{
		UserID: &noAgent, AssignedBy: "admin",
	}); err == nil {
		t.Fatal("expected error assigning user without agent profile")
	}
	// user_id 与 team_id 至少给一个
	if _, err := svc.Assign(context.Background(), conv.ID, &AssignRequest{AssignedBy: "admin"}); err == nil {
		t.Fatal("expected error for empty assignment")
	}

	updated, err = svc.Unassign(context.Background(), conv.ID, "admin")
	if err != nil {
		t.Fatalf("Unassign failed: %v", err)
	}
	if updated.AssignedUserID != nil || updated.AssignedTeamID != nil {
		t.Fatalf("assignment not cleared: %+v", updated)
	}
	env = receiveEnvelope(t, sub)
	unassigned, ok := env.Event.(events.ConversationUnassigned)
	if !ok {
		t.Fatalf("expected ConversationUnassigned, got %T", env.Event)
	}
	if unassigned.PreviousAssignedUserID == nil || *unassigned.PreviousAssignedUserID != "u1" {
		t.Fatalf("unexpected event: %+v", unassigned)
	}
}

func TestConversationService_SetPriority(t *testing.T) {
	db := newConversationTestDB(t)
	svc, bus := newConversationService(t, db)
	conv := mustCreateConversation(t, svc)

	sub := bus.Subscribe()
	defer sub.Close()

	high := models.PriorityHigh
	if _, err := svc.SetPriority(context.Background(), conv.ID, &high, "admin"); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	env := receiveEnvelope(t, sub)
	pc, ok := env.Event.(events.ConversationPriorityChanged)
	if !ok {
		t.Fatalf("expected ConversationPriorityChanged, got %T", env.Event)
	}
	if pc.PreviousPriority != nil || pc.NewPriority == nil || *pc.NewPriority != "High" {
		t.Fatalf("unexpected event: %+v", pc)
	}

	// nil 清空优先级
	if _, err := svc.SetPriority(context.Background(), conv.ID, nil, "admin"); err != nil {
		t.Fatalf("clearing priority failed: %v", err)
	}
	env = receiveEnvelope(t, sub)
	pc = env.Event.(events.ConversationPriorityChanged)
	if pc.NewPriority != nil {
		t.Fatalf("expected cleared priority, got %+v", pc)
	}
	var stored models.Conversation
	if err := db.First(&stored, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Priority != nil {
		t.Fatalf("priority should be null, got %v", *stored.Priority)
	}
}

func TestConversationService_Tags(t *testing.T) {
	db := newConversationTestDB(t)
	svc, bus := newConversationService(t, db)
	conv := mustCreateConversation(t, svc)
	if err := db.Create(&models.Tag{ID: "t1", Name: "Bug"}).Error; err != nil {
		t.Fatalf("insert tag: %v", err)
	}

	sub := bus.Subscribe()
	defer sub.Close()

	if _, err := svc.AddTag(context.Background(), conv.ID, "Bug", "admin"); err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}
	env := receiveEnvelope(t, sub)
	tc, ok := env.Event.(events.ConversationTagsChanged)
	if !ok {
		t.Fatalf("expected ConversationTagsChanged, got %T", env.Event)
	}
	if len(tc.NewTags) != 1 || tc.NewTags[0] != "Bug" {
		t.Fatalf("unexpected event: %+v", tc)
	}

	// 重复添加幂等且不发事件
	if _, err := svc.AddTag(context.Background(), conv.ID, "Bug", "admin"); err != nil {
		t.Fatalf("re-adding tag failed: %v", err)
	}
	expectNoEvent(t, sub)

	// 不存在的标签不可添加
	if _, err := svc.AddTag(context.Background(), conv.ID, "Ghost", "admin"); err == nil {
		t.Fatal("expected error for unknown tag")
	}

	// 移除未打的标签是空操作
	if _, err := svc.RemoveTag(context.Background(), conv.ID, "Ghost", "admin"); err != nil {
		t.Fatalf("removing unknown tag should be a no-op: %v", err)
	}
	expectNoEvent(t, sub)

	if _, err := svc.RemoveTag(context.Background(), conv.ID, "Bug", "admin"); err != nil {
		t.Fatalf("RemoveTag failed: %v", err)
	}
	env = receiveEnvelope(t, sub)
	tc = env.Event.(events.ConversationTagsChanged)
	if len(tc.NewTags) != 0 {
		t.Fatalf("expected empty tag set, got %+v", tc)
	}
}

func TestConversationService_Messages(t *testing.T) {
	db := newConversationTestDB(t)
	svc, bus := newConversationService(t, db)
	conv := mustCreateConversation(t, svc)

	sub := bus.Subscribe()
	defer sub.Close()

	inbound, err := svc.RecordContactMessage(context.Background(), conv.ID, "ct1", "hello")
	if err != nil {
		t.Fatalf("RecordContactMessage failed: %v", err)
	}
	env := receiveEnvelope(t, sub)
	if _, ok := env.Event.(events.MessageReceived); !ok {
		t.Fatalf("expected MessageReceived, got %T", env.Event)
	}

	reply, err := svc.RecordAgentMessage(context.Background(), conv.ID, "a1", "hi there")
	if err != nil {
		t.Fatalf("RecordAgentMessage failed: %v", err)
	}
	env = receiveEnvelope(t, sub)
	if _, ok := env.Event.(events.MessageSent); !ok {
		t.Fatalf("expected MessageSent, got %T", env.Event)
	}

	failed, err := svc.RecordMessageFailure(context.Background(), reply.ID)
	if err != nil {
		t.Fatalf("RecordMessageFailure failed: %v", err)
	}
	if failed.Status != "failed" || failed.RetryCount != 1 {
		t.Fatalf("unexpected failure state: %+v", failed)
	}
	env = receiveEnvelope(t, sub)
	mf, ok := env.Event.(events.MessageFailed)
	if !ok {
		t.Fatalf("expected MessageFailed, got %T", env.Event)
	}
	if mf.MessageID != reply.ID || mf.RetryCount != 1 {
		t.Fatalf("unexpected event: %+v", mf)
	}

	messages, err := svc.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].ID != inbound.ID {
		t.Fatalf("messages not in chronological order")
	}
}
