package main

import (
	"fmt"
	"log"

	"convodesk/internal/config"
	"convodesk/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.User{},
		&models.Agent{},
		&models.Team{},
		&models.Contact{},
		&models.Inbox{},
		&models.Tag{},
		&models.Conversation{},
		&models.Message{},
		&models.AutomationRule{},
		&models.RuleEvaluationLog{},
		&models.SlaPolicy{},
		&models.AppliedSla{},
		&models.SlaEvent{},
		&models.Holiday{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建复合索引
	log.Println("Creating additional indexes...")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_logs_rule_evaluated ON rule_evaluation_logs(rule_id, evaluated_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sla_events_pending_deadline ON sla_events(deadline_at) WHERE met_at IS NULL AND breached_at IS NULL")

	log.Println("Indexes created!")
}
