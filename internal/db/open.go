package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Pool settings applied to every opened connection.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
)

// DetectDialect infers the dialect from a DSN.
func DetectDialect(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), strings.Contains(lower, "host="):
		return DialectPostgres
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return DialectMySQL
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, "sqlite://"), strings.HasSuffix(lower, ".db"), lower == ":memory:":
		return DialectSQLite
	default:
		return ""
	}
}

// Open opens a gorm connection for the DSN's dialect.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}

	var dialector gorm.Dialector
	switch DetectDialect(dsn) {
	case DialectPostgres:
		if _, errParse := pgx.ParseConfig(dsn); errParse != nil {
			return nil, fmt.Errorf("db: parse postgres dsn: %w", errParse)
		}
		dialector = postgres.Open(dsn)
	case DialectMySQL:
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	case DialectSQLite:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return nil, fmt.Errorf("db: unsupported dsn")
	}

	conn, errOpen := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if errOpen != nil {
		return nil, fmt.Errorf("db: open: %w", errOpen)
	}

	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: pool: %w", errDB)
	}
	if IsSQLite(conn) {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under concurrent callers.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(defaultMaxOpenConns)
		sqlDB.SetMaxIdleConns(defaultMaxIdleConns)
		sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	}
	return conn, nil
}
