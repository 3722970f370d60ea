package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/chat-platform/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialector picks the gorm driver from the DSN shape:
// postgres:// or key=value DSNs go to postgres, file: or *.db to sqlite, everything else to mysql.
func Dialector(dsn string) gorm.Dialector {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.HasPrefix(lower, "host="):
		return postgres.Open(dsn)
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"), lower == ":memory:":
		return gormsqlite.Open(dsn)
	default:
		return mysql.Open(dsn)
	}
}

func Connect(ctx context.Context, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	gl := gormlogger.New(
		zap.NewStdLog(log.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)

	gdb, err := gorm.Open(Dialector(cfg.DBDSN), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected", zap.String("dialect", gdb.Dialector.Name()))
	return gdb, nil
}

// Migrate creates the pgvector extension on postgres before running AutoMigrate.
func Migrate(ctx context.Context, gdb *gorm.DB, models ...any) error {
	if gdb.Dialector.Name() == "postgres" {
		if err := gdb.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create vector extension: %w", err)
		}
	}
	return gdb.WithContext(ctx).AutoMigrate(models...)
}

func Ping(ctx context.Context, gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
