package data

import (
	"context"
	"fmt"
	"time"

	"PulseGuard/internal/conf"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connection pool of the time-series store
const (
	mysqlMaxIdleConns    = 10
	mysqlMaxOpenConns    = 100
	mysqlConnMaxLifetime = time.Hour
	mysqlConnMaxIdleTime = 10 * time.Minute
	mysqlPingTimeout     = 5 * time.Second
	mysqlSlowQuery       = 200 * time.Millisecond
)

// NewMySQLClient opens the MySQL store and migrates the metric_records, health_snapshots
// and resilience_events tables.
func NewMySQLClient(c *conf.Data, l log.Logger) (*gorm.DB, func(), error) {
	helper := pkglog.NewLogHelper(l)

	if c == nil || c.Database == nil {
		return nil, nil, fmt.Errorf("database configuration is required")
	}
	if driver := c.Database.Driver; driver != "" && driver != "mysql" {
		return nil, nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(mysql.Open(c.Database.Source), &gorm.Config{
		Logger: logger.New(&gormLogAdapter{helper: helper}, logger.Config{
			SlowThreshold:             mysqlSlowQuery,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open MySQL: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(mysqlMaxIdleConns)
	sqlDB.SetMaxOpenConns(mysqlMaxOpenConns)
	sqlDB.SetConnMaxLifetime(mysqlConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(mysqlConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), mysqlPingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&MetricRecordPO{}, &HealthSnapshotPO{}, &ResilienceEvent{}); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	helper.Database("time-series store connected", "dsn", pkglog.SanitizeField("dsn", c.Database.Source))

	return db, func() {
		helper.Database("closing time-series store")
		if err := sqlDB.Close(); err != nil {
			helper.Errorw("msg", "failed to close MySQL", "error", err)
		}
	}, nil
}

// gormLogAdapter routes GORM's slow-query and error lines to the service logger.
type gormLogAdapter struct {
	helper *pkglog.LogHelper
}

// Printf implements gorm/logger.Writer.
func (g *gormLogAdapter) Printf(format string, v ...interface{}) {
	g.helper.Database(fmt.Sprintf(format, v...))
}
