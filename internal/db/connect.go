// Package db opens the Courier message store and migrates its tables.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/zulandar/courier/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN from the database config. Times are parsed and
// stored in UTC.
func DSN(c config.DatabaseConfig) string {
	mc := mysqldriver.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.DBName = c.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// Connect opens a GORM connection using the configured driver.
func Connect(c config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch c.Driver {
	case "mysql":
		dialector = mysql.Open(DSN(c))
	case "sqlite", "":
		if dir := filepath.Dir(c.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("db: create %s: %w", dir, err)
			}
		}
		dialector = sqlite.Open(c.Path)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", c.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", describe(c), err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory sqlite database. Used by tests and by
// commands that only need a scratch store.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db: open memory: %w", err)
	}
	// Every pooled connection would otherwise get its own empty database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: open memory: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func describe(c config.DatabaseConfig) string {
	if c.Driver == "mysql" {
		return fmt.Sprintf("mysql %s:%d/%s", c.Host, c.Port, c.Name)
	}
	return "sqlite " + c.Path
}
