package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSwapRecordsPG = `
CREATE TABLE IF NOT EXISTS swap_records (
    id TEXT PRIMARY KEY,
    tx_hash TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL,
    sell_token TEXT NOT NULL,
    sell_symbol TEXT NOT NULL,
    buy_token TEXT NOT NULL,
    buy_symbol TEXT NOT NULL,
    from_amount NUMERIC(78, 0) NOT NULL,
    to_amount NUMERIC(78, 0) NOT NULL,
    gas_used BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    failure_category TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swap_records_created_at ON swap_records (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_swap_records_owner ON swap_records (owner, created_at DESC)`

const insertRecordPG = `INSERT INTO swap_records
        (id, tx_hash, owner, sell_token, sell_symbol, buy_token, buy_symbol, from_amount, to_amount, gas_used, status, failure_category, reason, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (id) DO NOTHING`

const selectLatestPG = `SELECT id, tx_hash, owner, sell_token, sell_symbol, buy_token, buy_symbol,
        from_amount::TEXT, to_amount::TEXT, gas_used, status, failure_category, reason, created_at
        FROM swap_records ORDER BY created_at DESC, id DESC LIMIT $1`

// pgConn 是仓库用到的 pgxpool.Pool 子集。
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository 使用 PostgreSQL 存储兑换历史。
type PostgresRepository struct {
	conn pgConn
	pool *pgxpool.Pool
}

// NewPostgresRepository 连接 PostgreSQL 并确保表结构存在。
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("PostgreSQL DSN 不能为空")
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL DSN 失败: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("无法连接到 PostgreSQL: %w", err)
	}

	repo := &PostgresRepository{conn: pool, pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(createSwapRecordsPG) {
		if _, err := r.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("初始化 swap_records 表失败: %w", err)
		}
	}
	return nil
}

// Save 将兑换记录写入 PostgreSQL，重复 ID 会被忽略。
func (r *PostgresRepository) Save(ctx context.Context, record Record) error {
	if _, err := r.conn.Exec(ctx, insertRecordPG,
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
		return fmt.Errorf("写入 PostgreSQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条兑换记录。
func (r *PostgresRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn.Query(ctx, selectLatestPG, limit)
	if err != nil {
		return nil, fmt.Errorf("查询兑换记录失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TxHash, &rec.Owner, &rec.SellToken, &rec.SellSymbol, &rec.BuyToken, &rec.BuySymbol,
			&rec.FromAmount, &rec.ToAmount, &rec.GasUsed, &rec.Status, &rec.FailureCategory, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析兑换记录失败: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历兑换记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭连接池。
func (r *PostgresRepository) Close() error {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
	return nil
}
