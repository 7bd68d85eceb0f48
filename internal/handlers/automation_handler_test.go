package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"convodesk/internal/events"
	"convodesk/internal/models"
	"convodesk/internal/services"
)

func newAutomationHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:automation_handler_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Agent{}, &models.Team{}, &models.Tag{},
		&models.Conversation{}, &models.AutomationRule{}, &models.RuleEvaluationLog{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newAutomationTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newAutomationHandlerTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	bus := events.NewBus(10, logger)
	t.Cleanup(bus.Close)

	evaluator := services.NewConditionEvaluator(5*time.Second, logger)
	executor := services.NewActionExecutor(db, bus, logger, 10*time.Second)
	svc := services.NewAutomationService(db, evaluator, executor, 3, logger)
	handler := NewAutomationHandler(svc)

	router := gin.New()
	api := router.Group("/api")
	RegisterAutomationRoutes(api, handler)
	return router, db
}

func ruleBody() map[string]interface{} {
	return map[string]interface{}{
		"name":        "tag urgent bugs",
		"event_types": []string{"conversation.created"},
		"condition": map[string]interface{}{
			"operator":   "simple",
			"attribute":  "status",
			"comparison": "equals",
			"value":      "open",
		},
		"action": map[string]interface{}{
			"action_type": "add_tag",
			"parameters":  map[string]interface{}{"tag": "Bug"},
		},
	}
}

func TestAutomationHandler_CreateAndGet(t *testing.T) {
	router, _ := newAutomationTestRouter(t)

	body, _ := json.Marshal(ruleBody())
	req := httptest.NewRequest("POST", "/api/automation/rules", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.AutomationRule
	err := json.Unmarshal(w.Body.Bytes(), &created)
	assert.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, 100, created.Priority)

	req = httptest.NewRequest("GET", "/api/automation/rules/"+created.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAutomationHandler_CreateInvalidRule(t *testing.T) {
	router, _ := newAutomationTestRouter(t)

	// 未知事件类型被拒绝
	payload := ruleBody()
	payload["event_types"] = []string{"conversation.exploded"}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", "/api/automation/rules", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 缺少动作参数被拒绝
	payload = ruleBody()
	payload["action"] = map[string]interface{}{
		"action_type": "add_tag",
		"parameters":  map[string]interface{}{},
	}
	body, _ = json.Marshal(payload)
	req = httptest.NewRequest("POST", "/api/automation/rules", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_GetNotFound(t *testing.T) {
	router, _ := newAutomationTestRouter(t)

	req := httptest.NewRequest("GET", "/api/automation/rules/ghost", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_EnableDisable(t *testing.T) {
	router, db := newAutomationTestRouter(t)

	body, _ := json.Marshal(ruleBody())
	req := httptest.NewRequest("POST", "/api/automation/rules", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	var created models.AutomationRule
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req = httptest.NewRequest("POST", "/api/automation/rules/"+created.ID+"/disable", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var stored models.AutomationRule
	assert.NoError(t, db.First(&stored, "id = ?", created.ID).Error)
	assert.False(t, stored.Enabled)

	req = httptest.NewRequest("POST", "/api/automation/rules/"+created.ID+"/enable", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, db.First(&stored, "id = ?", created.ID).Error)
	assert.True(t, stored.Enabled)
}

func TestAutomationHandler_DeleteRule(t *testing.T) {
	router, _ := newAutomationTestRouter(t)

	body, _ := json.Marshal(ruleBody())
	req := httptest.NewRequest("POST", "/api/automation/rules", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	var created models.AutomationRule
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req = httptest.NewRequest("DELETE", "/api/automation/rules/"+created.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("DELETE", "/api/automation/rules/"+created.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_ListLogsEmpty(t *testing.T) {
	router, _ := newAutomationTestRouter(t)

	req := httptest.NewRequest("GET", "/api/automation/logs?page=1&page_size=10", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Total int64 `json:"total"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Zero(t, response.Total)
}
