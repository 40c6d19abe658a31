package db

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	// Blank imports register the postgres driver and file source for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ledgerline/billing/internal/models"
)

var passwordRegex = regexp.MustCompile(`(password=)([^\s]+)`)

// Connect opens the database and brings the schema up to date. driver is
// "postgres" or "sqlite"; sqlite is the dev/test convenience. TranslateError
// is on so unique violations surface as gorm.ErrDuplicatedKey regardless of
// driver, which the store's idempotency guard depends on.
func Connect(driver, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_DSN is empty, check the environment")
	}
	logLevel := logger.Silent
	if os.Getenv("DB_DEBUG") == "1" {
		logLevel = logger.Info
	}
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	}

	var db *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		switch driver {
		case "sqlite":
			db, err = gorm.Open(sqlite.Open(dsn), cfg)
		default:
			db, err = gorm.Open(postgres.Open(NormalizeDSN(dsn)), cfg)
		}
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("retrying DB connection")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database after retries: %w", err)
	}

	if pingErr := db.Exec("SELECT 1").Error; pingErr != nil {
		return nil, fmt.Errorf("db ping failed: %w", pingErr)
	}
	log.Info().Str("driver", driver).Str("dsn", maskDSN(dsn)).Msg("database connected")

	if err := Migrate(db, driver, dsn); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. With MIGRATIONS=1 SQL migrations run via
// golang-migrate (postgres only); the default is AutoMigrate, which is
// enough for the engine's five tables.
func Migrate(db *gorm.DB, driver, dsn string) error {
	if v := strings.ToLower(os.Getenv("MIGRATIONS")); driver == "postgres" && (v == "1" || v == "true" || v == "yes") {
		if err := runSQLMigrations(NormalizeDSN(dsn)); err != nil {
			return fmt.Errorf("sql migrations failed: %w", err)
		}
		return nil
	}
	for _, m := range []any{
		&models.Invoice{}, &models.LineItem{}, &models.InvoiceSequence{},
		&models.RecurringTemplate{}, &models.TemplateLineItem{},
	} {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("automigrate %T: %w", m, err)
		}
	}
	return nil
}

// runSQLMigrations executes migrations in ./migrations using the file source.
func runSQLMigrations(dsn string) error {
	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		return err
	}
	if err = m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// NormalizeDSN accepts a URL style DSN (postgres://...) or a lib/pq
// key=value list, trims quotes/whitespace, and defaults sslmode for the
// key=value form.
func NormalizeDSN(raw string) string {
	s := strings.Trim(strings.TrimSpace(raw), "\"'")
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return s
	}
	if !strings.Contains(lower, "=") {
		return s
	}
	cleaned := strings.Join(strings.Fields(s), " ")
	if !strings.Contains(strings.ToLower(cleaned), "sslmode=") {
		cleaned += " sslmode=disable"
	}
	return cleaned
}

func maskDSN(dsn string) string {
	masked := passwordRegex.ReplaceAllString(dsn, `${1}***`)
	if u, rest, ok := strings.Cut(masked, "@"); ok && strings.Contains(u, "://") {
		if scheme, creds, ok := strings.Cut(u, "://"); ok && strings.Contains(creds, ":") {
			user, _, _ := strings.Cut(creds, ":")
			return scheme + "://" + user + ":***@" + rest
		}
	}
	return masked
}
