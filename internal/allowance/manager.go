package allowance

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"swap-engine/internal/swap"
	"swap-engine/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Reader 查询链上 ERC20 授权额度。
type Reader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Manager 比较所需额度与链上授权额度。
type Manager struct {
	reader Reader
	logger *slog.Logger
}

// NewManager 创建授权管理器。
func NewManager(reader Reader) (*Manager, error) {
	if reader == nil {
		return nil, errors.New("未提供授权额度查询器")
	}
	return &Manager{reader: reader, logger: logger.Named("allowance")}, nil
}

// Check 返回授权快照。原生资产直接返回无需授权且不访问网络。
// 查询失败时按需要授权处理，并同时返回 ALLOWANCE 错误。
func (m *Manager) Check(ctx context.Context, token swap.Token, owner, spender common.Address, required *big.Int) (swap.AllowanceSnapshot, error) {
	snapshot := swap.AllowanceSnapshot{
		Token:    token.Address,
		Spender:  spender,
		Required: copyOrZero(required),
	}
	if token.IsNative() {
		snapshot.Current = new(big.Int).Set(swap.MaxUint256)
		return snapshot, nil
	}
	if m == nil || m.reader == nil {
		snapshot.NeedsApproval = true
		return snapshot, swap.AllowanceError(errors.New("授权管理器未初始化"), "无法查询授权额度")
	}

	current, err := m.reader.Allowance(ctx, token.Address, owner, spender)
	if err != nil {
		m.logger.Warn("查询授权额度失败，按需要授权处理",
			slog.String("token", token.Symbol),
			slog.String("spender", spender.Hex()),
			slog.Any("error", err),
		)
		snapshot.Current = new(big.Int)
		snapshot.NeedsApproval = true
		return snapshot, swap.AllowanceError(err, "查询 "+token.Symbol+" 授权额度失败")
	}

	snapshot.Current = new(big.Int).Set(current)
	snapshot.NeedsApproval = current.Cmp(snapshot.Required) < 0
	return snapshot, nil
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
