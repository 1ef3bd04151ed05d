package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLConfig SQL 持久层配置
type SQLConfig struct {
	// Driver 数据库驱动：sqlite | mysql | postgres
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接串。sqlite 时为文件路径或 file::memory:?cache=shared
	DSN string `yaml:"dsn" json:"dsn"`

	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// 过期条目清理间隔，0 表示不启动后台清理
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// DefaultSQLConfig 返回默认 SQL 配置
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          "sqlite",
		DSN:             "contextflow_cache.db",
		MaxIdleConns:    5,
		MaxOpenConns:    20,
		ConnMaxLifetime: time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

// cacheRow 持久层表结构
type cacheRow struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     []byte
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (cacheRow) TableName() string { return "cache_entries" }

// SQLStore 基于 GORM 的持久层实现，单机部署时用 SQLite 文件即可，
// 多实例共享时切换 mysql 或 postgres 驱动。
type SQLStore struct {
	db     *gorm.DB
	config SQLConfig
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewSQLStore 按配置打开数据库并迁移表结构
func NewSQLStore(config SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s (supported: sqlite, mysql, postgres)", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect cache database: %w", err)
	}

	// 自动迁移表结构
	if err := db.AutoMigrate(&cacheRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	s := &SQLStore{
		db:     db,
		config: config,
		logger: logger.With(zap.String("component", "sql_store")),
		stop:   make(chan struct{}),
	}

	// 启动过期清理
	if config.CleanupInterval > 0 {
		go s.cleanupLoop()
	}

	logger.Info("sql cache store initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_open_conns", config.MaxOpenConns),
	)

	return s, nil
}

// Get 获取缓存值。过期行删除并按未命中处理。
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("sql store is closed")
	}

	var row cacheRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		s.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	if !row.ExpiresAt.IsZero() && time.Now().After(row.ExpiresAt) {
		if delErr := s.db.WithContext(ctx).Delete(&cacheRow{}, "key = ?", key).Error; delErr != nil {
			s.logger.Warn("expired entry delete failed", zap.String("key", key), zap.Error(delErr))
		}
		return nil, ErrCacheMiss
	}

	return row.Value, nil
}

// Set 写入缓存值，已存在时覆盖
func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("sql store is closed")
	}

	now := time.Now()
	row := cacheRow{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		row.ExpiresAt = now.Add(ttl)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		s.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}

	return nil
}

// Delete 删除缓存值
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("sql store is closed")
	}

	if err := s.db.WithContext(ctx).Delete(&cacheRow{}, "key = ?", key).Error; err != nil {
		s.logger.Error("cache delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache delete failed: %w", err)
	}

	return nil
}

// Close 停止后台清理并关闭数据库连接
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.stop)
	s.logger.Info("closing sql store")

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// cleanupLoop 定期删除已过期的行
func (s *SQLStore) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return
		}
		s.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res := s.db.WithContext(ctx).
			Where("expires_at > ? AND expires_at < ?", time.Time{}, time.Now()).
			Delete(&cacheRow{})
		cancel()

		if res.Error != nil {
			s.logger.Error("cache cleanup failed", zap.Error(res.Error))
		} else if res.RowsAffected > 0 {
			s.logger.Debug("cache cleanup removed expired entries",
				zap.Int64("rows", res.RowsAffected))
		}
	}
}
