package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"swap-engine/internal/chain"
	"swap-engine/internal/signer"
	"swap-engine/internal/swap"
	"swap-engine/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultPollInterval   = 2 * time.Second
	gasBufferPercent      = 120
)

// Chain 是执行器依赖的链访问能力，*chain.Client 实现了该接口。
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	Receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	RevertReason(ctx context.Context, msg gethcore.CallMsg, block *big.Int) string
}

// Executor 构建、签名并广播交易，然后轮询回执。
type Executor struct {
	chain          Chain
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	replays map[common.Hash]gethcore.CallMsg
}

// Option 自定义执行器。
type Option func(*Executor)

// WithReceiptTimeout 设置等待回执的最长时间，超时后交易视为 pending。
func WithReceiptTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.receiptTimeout = d
		}
	}
}

// WithPollInterval 设置回执轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// New 创建执行器。
func New(c Chain, opts ...Option) (*Executor, error) {
	if c == nil {
		return nil, errors.New("未提供链客户端")
	}
	e := &Executor{
		chain:          c,
		receiptTimeout: defaultReceiptTimeout,
		pollInterval:   defaultPollInterval,
		logger:         logger.Named("executor"),
		replays:        make(map[common.Hash]gethcore.CallMsg),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// BuildApproval 构建 approve(spender, amount) 交易。
func (e *Executor) BuildApproval(token swap.Token, spender common.Address, amount *big.Int) (swap.TransactionPlan, error) {
	if token.IsNative() {
		return swap.TransactionPlan{}, swap.StateError("原生资产无需授权")
	}
	if spender == (common.Address{}) {
		return swap.TransactionPlan{}, swap.StateError("授权对象地址为空")
	}
	if amount == nil || amount.Sign() <= 0 {
		return swap.TransactionPlan{}, swap.UserInputError("授权数量必须大于 0")
	}
	data, err := chain.ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return swap.TransactionPlan{}, fmt.Errorf("编码 approve 调用失败: %w", err)
	}
	return swap.TransactionPlan{
		Kind:  swap.TxKindApproval,
		To:    token.Address,
		Data:  data,
		Value: new(big.Int),
	}, nil
}

// BuildSwap 使用最近一次报价回显的调用数据构建兑换交易，gas 上限按估算值上浮 20%。
func (e *Executor) BuildSwap(q *swap.Quote) (swap.TransactionPlan, error) {
	if q == nil {
		return swap.TransactionPlan{}, swap.StateError("没有可用的报价")
	}
	if q.Tx.To == (common.Address{}) {
		return swap.TransactionPlan{}, swap.StateError("报价缺少兑换合约地址")
	}
	plan := swap.TransactionPlan{
		Kind:  swap.TxKindSwap,
		To:    q.Tx.To,
		Data:  append([]byte(nil), q.Tx.Data...),
		Value: new(big.Int),
	}
	if q.Tx.Value != nil {
		plan.Value.Set(q.Tx.Value)
	}
	if q.EstimatedGas > 0 {
		plan.GasLimit = q.EstimatedGas * gasBufferPercent / 100
	}
	if q.GasPrice != nil && q.GasPrice.Sign() > 0 {
		plan.GasPrice = new(big.Int).Set(q.GasPrice)
	}
	return plan, nil
}

// Submit 签名并广播交易，然后等待回执直到超时。
// 超时仍未上链时返回 pending 状态而非错误；链上失败返回 failed 状态并附带回滚原因。
func (e *Executor) Submit(ctx context.Context, plan swap.TransactionPlan, s signer.Signer) (swap.TxResult, error) {
	if e == nil {
		return swap.TxResult{}, errors.New("执行器未初始化")
	}
	if s == nil {
		return swap.TxResult{}, swap.StateError("未提供签名能力")
	}
	from := s.Address()
	value := plan.Value
	if value == nil {
		value = new(big.Int)
	}

	chainID, err := e.chain.ChainID(ctx)
	if err != nil {
		return swap.TxResult{}, classifySendError(err)
	}
	nonce, err := e.chain.PendingNonce(ctx, from)
	if err != nil {
		return swap.TxResult{}, classifySendError(err)
	}
	gasPrice := plan.GasPrice
	if gasPrice == nil {
		gasPrice, err = e.chain.SuggestGasPrice(ctx)
		if err != nil {
			return swap.TxResult{}, classifySendError(err)
		}
	}

	msg := gethcore.CallMsg{From: from, To: &plan.To, Value: value, Data: plan.Data, GasPrice: gasPrice}
	gasLimit := plan.GasLimit
	if gasLimit == 0 {
		estimated, err := e.chain.EstimateGas(ctx, msg)
		if err != nil {
			return swap.TxResult{}, classifySendError(err)
		}
		gasLimit = estimated * gasBufferPercent / 100
	}
	msg.Gas = gasLimit

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &plan.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     plan.Data,
	})
	signed, err := s.SignTx(ctx, tx, chainID)
	if err != nil {
		return swap.TxResult{}, swap.StateError("签名失败: " + err.Error())
	}
	if err := e.chain.SendTransaction(ctx, signed); err != nil {
		e.logger.Error("广播交易失败",
			slog.String("kind", string(plan.Kind)),
			slog.Uint64("nonce", nonce),
			slog.Any("error", err),
		)
		return swap.TxResult{}, classifySendError(err)
	}

	hash := signed.Hash()
	e.mu.Lock()
	e.replays[hash] = msg
	e.mu.Unlock()

	logger.Audit().Info("交易已广播",
		slog.String("tx_hash", hash.Hex()),
		slog.String("kind", string(plan.Kind)),
		slog.String("from", from.Hex()),
		slog.String("to", plan.To.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)

	return e.waitForReceipt(ctx, hash)
}

func (e *Executor) waitForReceipt(ctx context.Context, hash common.Hash) (swap.TxResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		result, err := e.TransactionStatus(waitCtx, hash)
		if err == nil && result.Status != swap.TxPending {
			return result, nil
		}
		if err != nil && waitCtx.Err() == nil {
			e.logger.Warn("查询交易回执失败", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return swap.TxResult{Hash: hash, Status: swap.TxPending}, ctx.Err()
			}
			e.logger.Info("等待回执超时，交易仍在 pending", slog.String("tx_hash", hash.Hex()))
			return swap.TxResult{Hash: hash, Status: swap.TxPending}, nil
		case <-ticker.C:
		}
	}
}

// TransactionStatus 查询交易当前状态，未上链时返回 pending。
func (e *Executor) TransactionStatus(ctx context.Context, hash common.Hash) (swap.TxResult, error) {
	if e == nil {
		return swap.TxResult{}, errors.New("执行器未初始化")
	}
	receipt, err := e.chain.Receipt(ctx, hash)
	if err != nil {
		return swap.TxResult{}, swap.NetworkError(swap.NetworkServer, err, "查询交易回执失败")
	}
	if receipt == nil {
		return swap.TxResult{Hash: hash, Status: swap.TxPending}, nil
	}

	result := swap.TxResult{
		Hash:        hash,
		Status:      swap.TxSuccess,
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber,
	}
	e.mu.Lock()
	msg, replayable := e.replays[hash]
	delete(e.replays, hash)
	e.mu.Unlock()

	if receipt.Status == coretypes.ReceiptStatusFailed {
		result.Status = swap.TxFailed
		if replayable {
			result.RevertReason = e.chain.RevertReason(ctx, msg, receipt.BlockNumber)
		}
		if result.RevertReason == "" {
			result.RevertReason = "execution reverted"
		}
	}
	logger.Audit().Info("交易已确认",
		slog.String("tx_hash", hash.Hex()),
		slog.String("status", string(result.Status)),
		slog.Uint64("gas_used", result.GasUsed),
		slog.String("revert_reason", result.RevertReason),
	)
	return result, nil
}

// Forget 丢弃交易的回放信息。调用方放弃轮询某笔交易时使用。
func (e *Executor) Forget(hash common.Hash) {
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.replays, hash)
	e.mu.Unlock()
}

// classifySendError 区分网络故障与节点拒绝交易。
func classifySendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return swap.NetworkError(swap.NetworkTimeout, err, "链节点请求超时")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return swap.NetworkError(swap.NetworkTransport, err, "链节点连接失败")
	}
	return swap.OnChainError(swap.ClassifyFailure(err.Error()), err.Error())
}
