package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convodesk/internal/config"
	"convodesk/internal/events"
	"convodesk/internal/handlers"
	"convodesk/internal/models"
	"convodesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the convodesk application",
	Long:  `Run the convodesk application`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// 连接数据库并迁移
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Agent{}, &models.Team{}, &models.Contact{},
		&models.Inbox{}, &models.Tag{}, &models.Conversation{}, &models.Message{},
		&models.AutomationRule{}, &models.RuleEvaluationLog{},
		&models.SlaPolicy{}, &models.AppliedSla{}, &models.SlaEvent{}, &models.Holiday{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 事件总线与业务服务
	bus := events.NewBus(cfg.EventBus.Capacity, appLogger)
	defer bus.Close()

	evaluator := services.NewConditionEvaluator(cfg.Automation.ConditionTimeout, appLogger)
	executor := services.NewActionExecutor(db, bus, appLogger, cfg.Automation.ActionTimeout)
	automationService := services.NewAutomationService(db, evaluator, executor, cfg.Automation.CascadeMaxDepth, appLogger)
	slaService := services.NewSlaService(db, bus, appLogger)
	conversationService := services.NewConversationService(db, bus, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := services.NewEventListener(bus, automationService, slaService, appLogger)
	go listener.Run(ctx)
	go slaService.StartSweep(ctx, cfg.SLA.SweepInterval)

	streamHub := services.NewEventStreamHub(bus, appLogger)
	go streamHub.Run(ctx)

	// 设置 Gin 模式
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.GET("/health", handlers.HealthCheck(Version))

	api := r.Group("/api")
	slaHandler := handlers.NewSlaHandler(slaService)
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService))
	handlers.RegisterSlaRoutes(api, slaHandler)
	handlers.RegisterConversationRoutes(api, handlers.NewConversationHandler(conversationService, slaHandler))
	r.GET("/api/v1/ws", streamHub.HandleWebSocket)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}

	go func() {
		appLogger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}
