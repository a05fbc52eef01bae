package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/Daskott/safeguard/utils"
	"github.com/glebarez/sqlite"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

const DB_NAME = "safeguard.db"

// KV is the raw key/value layer underneath Store. Values are opaque JSON documents.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// ---------------------------------------------------------------------------------//
// SQL backend
// --------------------------------------------------------------------------------//

type record struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (record) TableName() string {
	return "records"
}

type SQLKV struct {
	db *gorm.DB
}

// OpenSQLKV opens (and lazily creates) the sqlite record store under '<dataDir>/db'.
func OpenSQLKV(dataDir string) (*SQLKV, error) {
	dbDir, err := DbDirectory(dataDir)
	if err != nil {
		return nil, err
	}

	return openSQLKV(fmt.Sprintf("file:%v?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", filepath.Join(dbDir, DB_NAME)))
}

// OpenMemorySQLKV opens a private in-memory sqlite record store, used in tests.
func OpenMemorySQLKV() (*SQLKV, error) {
	return openSQLKV(fmt.Sprintf("file:%v?mode=memory&cache=shared", utils.NewID()))
}

func openSQLKV(dsn string) (*SQLKV, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				LogLevel:                  gormLogger.Silent,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate records: %v", err)
	}

	return &SQLKV{db: db}, nil
}

func (kv *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rec := record{}
	err := kv.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return []byte(rec.Value), true, nil
}

func (kv *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	return kv.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record{Key: key, Value: string(value)}).Error
}

func (kv *SQLKV) Remove(ctx context.Context, key string) error {
	return kv.db.WithContext(ctx).Delete(&record{}, "key = ?", key).Error
}

func (kv *SQLKV) Close() error {
	sqlDB, err := kv.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func DbDirectory(dataDir string) (string, error) {
	dbDir := filepath.Join(dataDir, "db")

	err := utils.CreateDirIfNotExist(dbDir)
	if err != nil {
		return "", err
	}

	return dbDir, nil
}

// DbFilePath is the sqlite file used by OpenSQLKV for dataDir.
func DbFilePath(dataDir string) string {
	return filepath.Join(dataDir, "db", DB_NAME)
}

// ---------------------------------------------------------------------------------//
// Redis backend
// --------------------------------------------------------------------------------//

type RedisKV struct {
	client *redis.Client
	prefix string
}

func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (kv *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := kv.client.Get(ctx, kv.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (kv *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return kv.client.Set(ctx, kv.prefix+key, value, 0).Err()
}

func (kv *RedisKV) Remove(ctx context.Context, key string) error {
	return kv.client.Del(ctx, kv.prefix+key).Err()
}

// Close is a no-op; the redis client is shared with the notifier and closed by its owner.
func (kv *RedisKV) Close() error {
	return nil
}

// ---------------------------------------------------------------------------------//
// Memory backend
// --------------------------------------------------------------------------------//

type MemoryKV struct {
	cache *gocache.Cache
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (kv *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, found := kv.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	return append([]byte{}, value.([]byte)...), true, nil
}

func (kv *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	kv.cache.Set(key, append([]byte{}, value...), gocache.NoExpiration)
	return nil
}

func (kv *MemoryKV) Remove(_ context.Context, key string) error {
	kv.cache.Delete(key)
	return nil
}

func (kv *MemoryKV) Close() error {
	return nil
}
