// Package fittings 试衣记录的PostgreSQL持久化
package fittings

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("fitting record not found")

// Record 一次试衣的测量和模板快照
type Record struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	UserID       string             `json:"user_id"`
	TemplateID   string             `json:"template_id"`
	Measurements map[string]float64 `json:"measurements"`
	Unit         string             `json:"unit"`
	Confidence   float64            `json:"confidence"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Config 存储配置
type Config struct {
	DatabaseURL string
	MaxConns    int32
	QueryLimit  int
}

// DefaultConfig 默认配置
func DefaultConfig(databaseURL string) *Config {
	return &Config{
		DatabaseURL: databaseURL,
		MaxConns:    25,
		QueryLimit:  50,
	}
}

// Store 试衣记录存储
type Store struct {
	pool  *pgxpool.Pool
	limit int
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS ar_fittings (
	id           UUID PRIMARY KEY,
	session_id   TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	template_id  TEXT NOT NULL,
	measurements JSONB NOT NULL,
	unit         TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ar_fittings_user ON ar_fittings (user_id, created_at DESC);
`

// NewStore 创建存储并确保表结构存在
func NewStore(ctx context.Context, config *Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 设置连接池参数
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	limit := config.QueryLimit
	if limit <= 0 {
		limit = 50
	}

	log.Println("✅ PostgreSQL连接池创建成功")
	return &Store{pool: pool, limit: limit}, nil
}

// Save 保存一条试衣记录，返回生成的记录ID
func (s *Store) Save(ctx context.Context, r *Record) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ar_fittings (id, session_id, user_id, template_id, measurements, unit, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.SessionID, r.UserID, r.TemplateID, r.Measurements, r.Unit, r.Confidence, r.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save fitting record: %w", err)
	}
	return r.ID, nil
}

// Get 按记录ID查询
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, user_id, template_id, measurements, unit, confidence, created_at
		 FROM ar_fittings WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query fitting record: %w", err)
	}
	return r, nil
}

// ListByUser 按用户倒序列出试衣记录
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, template_id, measurements, unit, confidence, created_at
		 FROM ar_fittings WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fitting records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fitting record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Latest 用户最近一条试衣记录
func (s *Store) Latest(ctx context.Context, userID string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, user_id, template_id, measurements, unit, confidence, created_at
		 FROM ar_fittings WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID)

	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query latest fitting: %w", err)
	}
	return r, nil
}

// Ping 测试数据库连接
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(pingCtx)
}

// Stats 连接池统计信息
func (s *Store) Stats() *pgxpool.Stat {
	return s.pool.Stat()
}

// Close 关闭连接池
func (s *Store) Close() {
	s.pool.Close()
	log.Println("✅ PostgreSQL连接池已关闭")
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	if err := row.Scan(&r.ID, &r.SessionID, &r.UserID, &r.TemplateID,
		&r.Measurements, &r.Unit, &r.Confidence, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
