package services

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/ven_quota/model"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	POSTGRES_SVC = "postgres_svc"

	driverPostgres = "postgres"
	driverSqlite   = "sqlite"

	defaultEventRetention = 90 * 24 * time.Hour
)

// PostgresService owns the durable store. DB_DRIVER=sqlite swaps in a file
// database for local runs; everything above it only sees *gorm.DB.
type PostgresService struct {
	context.DefaultService
	db *gorm.DB

	driver         string
	database       string
	eventRetention time.Duration
	closed         chan struct{}
}

// NewPostgresService returns a configured service for callers outside the
// container, such as the reconcile command.
func NewPostgresService() *PostgresService {
	ds := &PostgresService{}
	ds.loadConfig()
	return ds
}

func (ds PostgresService) Id() string {
	return POSTGRES_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

func (ds *PostgresService) Configure(ctx *context.Context) error {
	ds.loadConfig()
	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) loadConfig() {
	ds.driver = strings.ToLower(getEnvString("DB_DRIVER", driverPostgres))
	ds.eventRetention = getEnvDuration("WEBHOOK_EVENT_RETENTION", defaultEventRetention)

	if ds.driver == driverSqlite {
		ds.database = getEnvString("DB_NAME", "ven_quota.db")
		return
	}

	ds.database = os.Getenv("DATABASE_URL")
	if ds.database == "" {
		ds.database = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			getEnvString("DB_HOST", "localhost"),
			getEnvString("DB_USER", "postgres"),
			getEnvString("DB_PASSWORD", "postgres"),
			getEnvString("DB_NAME", "ven_quota"),
			getEnvString("DB_PORT", "5432"),
			getEnvString("DB_SSLMODE", "disable"),
			getEnvString("DB_TIMEZONE", "UTC"),
		)
	}
}

func (ds *PostgresService) dialector() gorm.Dialector {
	if ds.driver == driverSqlite {
		return sqlite.Open(ds.database)
	}
	return postgres.Open(ds.database)
}

// Connect opens the database with retries and migrates the schema.
func (ds *PostgresService) Connect() (err error) {
	maxRetries := 10
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.WithFields(log.Fields{"driver": ds.driver, "attempt": attempt}).Info("Connecting to database")

		ds.db, err = gorm.Open(ds.dialector(), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Error),
			TranslateError: true,
		})
		if err == nil {
			err = ds.Ping()
			if err == nil {
				break
			}
		}

		if attempt == maxRetries {
			log.WithError(err).Errorf("Failed to connect to database after %d attempts", maxRetries)
			return err
		}

		log.WithError(err).Warnf("Database connection failed, retrying in %v", retryDelay)
		time.Sleep(retryDelay)

		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	if err := ds.db.AutoMigrate(model.All()...); err != nil {
		log.WithError(err).Error("Failed to migrate database")
		return err
	}

	log.Info("Database connected and migrated successfully")
	return nil
}

func (ds *PostgresService) Start() error {
	if err := ds.Connect(); err != nil {
		return err
	}

	ds.closed = make(chan struct{})
	go ds.startCleanupJob()
	return nil
}

func (ds *PostgresService) Ping() error {
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (ds *PostgresService) Shutdown() {
	if ds.closed != nil {
		close(ds.closed)
	}
	if ds.db == nil {
		return
	}
	if sqlDB, err := ds.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (ds *PostgresService) startCleanupJob() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ds.CleanupExpiredData(); err != nil {
				log.WithError(err).Error("Failed to cleanup expired data")
			}
		case <-ds.closed:
			return
		}
	}
}

// CleanupExpiredData prunes webhook event log rows past the retention window.
// Rows still holding an idempotency key are kept so replays stay detectable.
func (ds *PostgresService) CleanupExpiredData() error {
	cutoff := time.Now().Add(-ds.eventRetention)
	result := ds.db.
		Where("created_at < ? AND idempotency_key IS NULL", cutoff).
		Delete(&model.WebhookEventLog{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		log.WithFields(log.Fields{"rows": result.RowsAffected, "cutoff": cutoff}).Info("Pruned webhook event log")
	}
	return nil
}
