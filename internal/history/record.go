package history

import (
	"context"
	"fmt"
	"strings"

	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Record 是一次兑换终态的落库结构。
type Record struct {
	ID              string `json:"id"`
	TxHash          string `json:"txHash"`
	Owner           string `json:"owner"`
	SellToken       string `json:"sellToken"`
	SellSymbol      string `json:"sellSymbol"`
	BuyToken        string `json:"buyToken"`
	BuySymbol       string `json:"buySymbol"`
	FromAmount      string `json:"fromAmount"`
	ToAmount        string `json:"toAmount"`
	GasUsed         uint64 `json:"gasUsed"`
	Status          string `json:"status"`
	FailureCategory string `json:"failureCategory,omitempty"`
	Reason          string `json:"reason,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

// Repository 抽象兑换历史的持久化接口。
type Repository interface {
	Save(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
}

// FromOutcome 把兑换结果转换为历史记录。
func FromOutcome(owner common.Address, outcome swap.Outcome) Record {
	record := Record{
		ID:              uuid.NewString(),
		Owner:           owner.Hex(),
		SellToken:       outcome.SellToken.Address.Hex(),
		SellSymbol:      outcome.SellToken.Symbol,
		BuyToken:        outcome.BuyToken.Address.Hex(),
		BuySymbol:       outcome.BuyToken.Symbol,
		FromAmount:      "0",
		ToAmount:        "0",
		GasUsed:         outcome.GasUsed,
		Status:          string(outcome.Status),
		FailureCategory: string(outcome.FailureCategory),
		Reason:          outcome.Reason,
		CreatedAt:       outcome.Timestamp.Unix(),
	}
	if outcome.TxHash != (common.Hash{}) {
		record.TxHash = outcome.TxHash.Hex()
	}
	if outcome.FromAmount != nil {
		record.FromAmount = outcome.FromAmount.String()
	}
	if outcome.ToAmount != nil {
		record.ToAmount = outcome.ToAmount.String()
	}
	return record
}

// Config 描述历史存储配置。
type Config struct {
	Driver  string
	DataDir string
	MySQL   MySQLConfig
	// PostgresDSN 仅在 driver 为 postgres 时使用。
	PostgresDSN string
}

// New 根据驱动创建仓库，默认使用本地文件。
func New(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file", "memory":
		return NewFileRepository(cfg.DataDir)
	case "mysql":
		return NewSQLRepository(ctx, cfg.MySQL)
	case "postgres", "postgresql":
		return NewPostgresRepository(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

// Sink 把兑换终态写入仓库，供编排器调用。
type Sink struct {
	repo  Repository
	owner common.Address
}

// NewSink 创建历史写入器。
func NewSink(repo Repository, owner common.Address) *Sink {
	return &Sink{repo: repo, owner: owner}
}

// RecordOutcome 保存一次兑换结果。
func (s *Sink) RecordOutcome(ctx context.Context, outcome swap.Outcome) error {
	if s == nil || s.repo == nil {
		return nil
	}
	if err := s.repo.Save(ctx, FromOutcome(s.owner, outcome)); err != nil {
		return fmt.Errorf("保存兑换记录失败: %w", err)
	}
	return nil
}
