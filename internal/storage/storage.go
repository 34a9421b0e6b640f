// Package storage implements the persisted schema-cache tier via GORM.
// Two drivers are supported: SQLite (default, zero-config, pure Go
// through the glebarez driver) and PostgreSQL for shared deployments.
// Rows additionally record tool/prompt name lists and counts so a UI can
// list cached servers without deserializing full schema payloads.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/schema"
	"github.com/jkaninda/mcpbox/internal/schemacache"
)

// SchemaRecord is the persisted form of one cache entry.
type SchemaRecord struct {
	ID          uint   `gorm:"primaryKey"`
	ServerName  string `gorm:"uniqueIndex:idx_server_fingerprint;index:idx_server_name"`
	Fingerprint string `gorm:"uniqueIndex:idx_server_fingerprint"`

	// Display columns, readable without touching Payload.
	ToolNames   string
	PromptNames string
	ToolCount   int
	PromptCount int

	Payload  string // Full schemacache.Entry as JSON.
	CachedAt time.Time
}

// Store is the GORM-backed persisted cache store.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open creates a Store for the configured driver.
func Open(cfg config.CacheConfig, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error
	driver := cfg.CacheDriver()
	switch driver {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite cache path is required")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating cache directory: %w", mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres cache dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s cache store: %w", driver, err)
	}

	s := &Store{db: db, driver: driver, logger: slogger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&SchemaRecord{}); err != nil {
		return fmt.Errorf("migrating schema cache store: %w", err)
	}
	return nil
}

// Driver returns the storage driver name ("sqlite" or "postgres").
func (s *Store) Driver() string { return s.driver }

// Get loads the entry for (name, fingerprint), or reports a miss.
func (s *Store) Get(ctx context.Context, name, fingerprint string) (*schemacache.Entry, bool, error) {
	var rec SchemaRecord
	err := s.db.WithContext(ctx).
		Where("server_name = ? AND fingerprint = ?", name, fingerprint).
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading schema cache entry: %w", err)
	}

	var entry schemacache.Entry
	if err := json.Unmarshal([]byte(rec.Payload), &entry); err != nil {
		return nil, false, fmt.Errorf("decoding schema cache entry: %w", err)
	}
	return &entry, true, nil
}

// Put upserts the entry keyed by (name, fingerprint).
func (s *Store) Put(ctx context.Context, name string, entry *schemacache.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding schema cache entry: %w", err)
	}

	toolNames, err := json.Marshal(schema.ToolNames(entry.Tools))
	if err != nil {
		return fmt.Errorf("encoding tool names: %w", err)
	}
	promptNames, err := json.Marshal(schema.PromptNames(entry.Prompts))
	if err != nil {
		return fmt.Errorf("encoding prompt names: %w", err)
	}

	rec := SchemaRecord{
		ServerName:  name,
		Fingerprint: entry.Fingerprint,
		ToolNames:   string(toolNames),
		PromptNames: string(promptNames),
		ToolCount:   len(entry.Tools),
		PromptCount: len(entry.Prompts),
		Payload:     string(payload),
		CachedAt:    entry.CachedAt,
	}

	// Upsert: a refetch under the same fingerprint replaces the row.
	res := s.db.WithContext(ctx).
		Where("server_name = ? AND fingerprint = ?", name, entry.Fingerprint).
		Delete(&SchemaRecord{})
	if res.Error != nil {
		return fmt.Errorf("replacing schema cache entry: %w", res.Error)
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("storing schema cache entry: %w", err)
	}
	return nil
}

// Invalidate deletes every row for the server name, across all
// fingerprints ever recorded.
func (s *Store) Invalidate(ctx context.Context, name string) (int, error) {
	res := s.db.WithContext(ctx).
		Where("server_name = ?", name).
		Delete(&SchemaRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("invalidating schema cache: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Sweep deletes rows cached before the cutoff.
func (s *Store) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("cached_at < ?", olderThan).
		Delete(&SchemaRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweeping schema cache: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Ping verifies the underlying database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ schemacache.Store = (*Store)(nil)
