package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 连接池配置。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLRepository 使用 MySQL 存储兑换历史。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 创建连接池并执行迁移。
func NewSQLRepository(ctx context.Context, cfg MySQLConfig) (*SQLRepository, error) {
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	repo, err := NewSQLRepositoryWithDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewSQLRepositoryWithDB 使用已有连接创建仓库并执行迁移。
func NewSQLRepositoryWithDB(ctx context.Context, db *sql.DB) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("数据库连接不能为空")
	}
	repo := &SQLRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// normalizeDSN 校验 DSN 并补充超时参数。
func normalizeDSN(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("MySQL DSN 不能为空")
	}
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg.FormatDSN(), nil
}

const insertRecord = `INSERT INTO swap_records
        (id, tx_hash, owner, sell_token, sell_symbol, buy_token, buy_symbol, from_amount, to_amount, gas_used, status, failure_category, reason, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectLatest = `SELECT id, tx_hash, owner, sell_token, sell_symbol, buy_token, buy_symbol, from_amount, to_amount, gas_used, status, failure_category, reason, created_at
        FROM swap_records ORDER BY created_at DESC, id DESC LIMIT ?`

// Save 将兑换记录写入 MySQL。
func (s *SQLRepository) Save(ctx context.Context, record Record) error {
	if _, err := s.db.ExecContext(ctx, insertRecord,
		record.ID,
		record.TxHash,
		record.Owner,
		record.SellToken,
		record.SellSymbol,
		record.BuyToken,
		record.BuySymbol,
		record.FromAmount,
		record.ToAmount,
		record.GasUsed,
		record.Status,
		record.FailureCategory,
		record.Reason,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条兑换记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectLatest, limit)
	if err != nil {
		return nil, fmt.Errorf("查询兑换记录失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TxHash, &r.Owner, &r.SellToken, &r.SellSymbol, &r.BuyToken, &r.BuySymbol,
			&r.FromAmount, &r.ToAmount, &r.GasUsed, &r.Status, &r.FailureCategory, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析兑换记录失败: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历兑换记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
