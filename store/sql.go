package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type SQLConfig struct {
	DSN             string        `json:"dsn"`
	Table           string        `json:"table"`
	MaxOpenConns    int           `json:"max_open_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// SQLStore serves both the sqlite and the postgres store types. The dialects
// differ only in placeholders and the blob column type.
type SQLStore struct {
	db      *sql.DB
	logger  types.Logger
	config  *SQLConfig
	dialect string
	now     types.Clock
	started int32

	queryGet    string
	queryUpsert string
	queryScan   string
	queryDelete string
}

func NewSQLStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (*SQLStore, error) {
	sqlConfig := &SQLConfig{
		Table:        "portal_store",
		MaxOpenConns: 10,
	}
	if config.Type == "sqlite" {
		sqlConfig.DSN = "file:portal.db?cache=shared&_busy_timeout=5000"
		sqlConfig.MaxOpenConns = 1
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqlConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sql store config")
		}
	}

	if sqlConfig.DSN == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "store.config.dsn is required for %s", config.Type)
	}

	driver := "sqlite3"
	if config.Type == "postgres" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, sqlConfig.DSN)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreConnectionFailed, "%s: %v", config.Type, err)
	}

	db.SetMaxOpenConns(sqlConfig.MaxOpenConns)
	if sqlConfig.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(sqlConfig.ConnMaxLifetime)
	}

	return openSQLStore(ctx, db, config.Type, sqlConfig, logger)
}

func openSQLStore(ctx context.Context, db *sql.DB, dialect string, config *SQLConfig, logger types.Logger) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		logger:  logger,
		config:  config,
		dialect: dialect,
		now:     time.Now,
	}
	s.buildQueries()

	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, s.createTable()); err != nil {
		_ = db.Close()
		return nil, types.Errorf(types.ErrStoreOperationFailed, "create table %s: %v", config.Table, err)
	}

	return s, nil
}

func (s *SQLStore) buildQueries() {
	t := s.config.Table

	s.queryGet = s.rebind(fmt.Sprintf(
		"SELECT value FROM %s WHERE key = ? AND (expires_at = 0 OR expires_at > ?)", t))
	s.queryUpsert = s.rebind(fmt.Sprintf(
		"INSERT INTO %s (key, value, expires_at) VALUES (?, ?, ?) "+
			"ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at", t))
	s.queryScan = s.rebind(fmt.Sprintf(
		"SELECT key, value FROM %s WHERE key LIKE ? ESCAPE '\\' AND (expires_at = 0 OR expires_at > ?) ORDER BY key", t))
	s.queryDelete = fmt.Sprintf("DELETE FROM %s WHERE key IN (%%s)", t)
}

func (s *SQLStore) createTable() string {
	blob := "BLOB"
	if s.dialect == "postgres" {
		blob = "BYTEA"
	}
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value %s NOT NULL, expires_at BIGINT NOT NULL DEFAULT 0)",
		s.config.Table, blob)
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return types.ErrServiceIsRunning
	}
	s.logger.Info("SQL store started", zap.String("dialect", s.dialect), zap.String("table", s.config.Table))
	return nil
}

func (s *SQLStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return types.ErrServiceIsNotRunning
	}

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close sql store")
	}

	s.logger.Info("SQL store stopped", zap.String("dialect", s.dialect))
	return nil
}

func (s *SQLStore) IsRunning() bool {
	return atomic.LoadInt32(&s.started) == 1
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.queryGet, key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrStoreNotFound
	}
	if err != nil {
		return nil, types.Errorf(types.ErrStoreOperationFailed, "%s get %s: %v", s.dialect, key, err)
	}
	return value, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}

	if _, err := s.db.ExecContext(ctx, s.queryUpsert, key, value, expiresAt); err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "%s set %s: %v", s.dialect, key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = key
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	query := s.rebind(fmt.Sprintf(s.queryDelete, placeholders))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "%s delete: %v", s.dialect, err)
	}
	return nil
}

// Scan buffers the matching rows first so fn may write to the store. sqlite
// LIKE ignores ASCII case, hence the second prefix check.
func (s *SQLStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx, s.queryScan, escapeLike(prefix)+"%", s.now().UnixMilli())
	if err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "%s scan: %v", s.dialect, err)
	}

	type row struct {
		key   string
		value []byte
	}

	var matched []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			_ = rows.Close()
			return types.Errorf(types.ErrStoreOperationFailed, "%s scan row: %v", s.dialect, err)
		}
		matched = append(matched, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return types.Errorf(types.ErrStoreOperationFailed, "%s scan: %v", s.dialect, err)
	}
	_ = rows.Close()

	for _, r := range matched {
		if !strings.HasPrefix(r.key, prefix) {
			continue
		}
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.Errorf(types.ErrStoreConnectionFailed, "%s: %v", s.dialect, err)
	}
	return nil
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}
