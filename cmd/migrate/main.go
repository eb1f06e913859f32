package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/models"

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
	if cfg.Database.Host == "" {
		cfg = config.GetDefaultConfig()
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.User{},
		&models.DomainResearch{},
		&models.ChannelProfile{},
		&models.Campaign{},
		&models.PromotionJob{},
		&models.ContentQueueJob{},
		&models.PromotionEvent{},
		&models.ReviewTask{},
		&models.FreezeOverride{},
		&models.OverrideRequest{},
		&models.OverrideAudit{},
		&models.FreezeIncident{},
		&models.FreezeControllerState{},
		&models.DomainFinanceDaily{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	db.Exec("CREATE INDEX IF NOT EXISTS idx_campaigns_status_created ON campaigns(status, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_campaigns_research_status ON campaigns(domain_research_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_promotion_jobs_status ON promotion_jobs(status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_promotion_events_campaign_created ON promotion_events(campaign_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_review_tasks_status_due ON review_tasks(status, due_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_override_requests_status_expires ON override_requests(status, expires_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_freeze_incidents_postmortem ON freeze_incidents(requires_postmortem, postmortem_completed_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_finance_daily_date ON domain_finance_dailies(date)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	var adminUser models.User
	if err := db.Where("username = ?", "admin").First(&adminUser).Error; err != nil {
		adminUser = models.User{
			Username: "admin",
			Email:    "admin@growthgate.local",
			Name:     "Administrator",
			Role:     "admin",
			Status:   "active",
		}
		db.Create(&adminUser)
		log.Println("Created default admin user")
	}

	var opUser models.User
	if err := db.Where("username = ?", "growth_operator").First(&opUser).Error; err != nil {
		opUser = models.User{
			Username: "growth_operator",
			Email:    "operator@growthgate.local",
			Name:     "Growth Operator",
			Role:     "operator",
			Status:   "active",
		}
		db.Create(&opUser)
		log.Println("Created default operator user")
	}

	var research models.DomainResearch
	if err := db.Where("domain = ?", "example-demo.com").First(&research).Error; err != nil {
		research = models.DomainResearch{
			DomainID: 1,
			Domain:   "example-demo.com",
			Decision: "build",
			Notes:    "seeded demo domain",
		}
		db.Create(&research)
		for _, ch := range []string{models.ChannelPinterest, models.ChannelYouTubeShorts} {
			db.Create(&models.ChannelProfile{
				DomainID:      research.DomainID,
				Channel:       ch,
				Enabled:       true,
				Compatibility: "ok",
			})
		}
		log.Println("Created demo domain research and channel profiles")
	}

	// a month of flat finance rollups so the planner has a signal
	var count int64
	db.Model(&models.DomainFinanceDaily{}).Where("domain = ?", "example-demo.com").Count(&count)
	if count == 0 {
		for i := 0; i < 30; i++ {
			db.Create(&models.DomainFinanceDaily{
				DomainID: research.DomainID,
				Domain:   "example-demo.com",
				Date:     time.Now().AddDate(0, 0, -i).Truncate(24 * time.Hour),
				Revenue:  42.0,
				Spend:    25.0,
				Net:      17.0,
				Sessions: 180,
			})
		}
		log.Println("Created demo finance rollups")
	}
}
