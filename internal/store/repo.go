package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/config"
	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	db *gorm.DB
}

// Open connects to the configured database with a warn-level gorm logger
// routed through zap.
func Open(cfg config.DBConfig, log *zap.Logger) (*gorm.DB, error) {
	gormLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gcfg := &gorm.Config{Logger: gormLogger}

	switch cfg.Driver {
	case "postgres":
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, sslMode)
		return gorm.Open(postgres.Open(dsn), gcfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.SQLitePath), gcfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(
		&model.Device{},
		&model.Heartbeat{},
		&model.Incident{},
		&model.SupplyReading{},
		&model.ExternalDevice{},
		&model.ExternalHeartbeat{},
		&model.ThresholdAlert{},
		&model.Setting{},
		&model.WebhookSink{},
		&model.Notification{},
	); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// Ping checks database connectivity for the health endpoint.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func utcNow() time.Time { return time.Now().UTC() }
