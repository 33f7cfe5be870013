package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"swap-engine/internal/swap"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of the JSON-RPC surface the engine depends on.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config describes how to construct an EVM client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Client wraps an EVM JSON-RPC endpoint.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	return client, nil
}

// NewBackendClient wraps an existing backend, typically the simulated one in tests.
func NewBackendClient(name string, backend Backend) *Client {
	return &Client{name: name, backend: backend, notes: "in-process backend"}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain id, querying the node once and caching the result.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// Allowance reads ERC20 allowance(owner, spender) on token.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("编码 allowance 调用失败: %w", err)
	}
	return c.callUint256(ctx, token, "allowance", data)
}

// BalanceOf returns the balance of owner for token. The native sentinel reads
// the account balance instead of calling a contract.
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	if token == swap.NativeAddress {
		balance, err := c.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("查询原生资产余额失败: %w", err)
		}
		return balance, nil
	}
	data, err := ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}
	return c.callUint256(ctx, token, "balanceOf", data)
}

func (c *Client) callUint256(ctx context.Context, contract common.Address, method string, data []byte) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用合约 %s.%s 失败: %w", contract.Hex(), method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("合约 %s 的 %s 返回为空", contract.Hex(), method)
	}
	values, err := ERC20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("合约 %s 的 %s 返回为空", contract.Hex(), method)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, values[0])
	}
	return amount, nil
}

// PendingNonce returns the next nonce for account including pending transactions.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	if c == nil || c.backend == nil {
		return 0, errors.New("未初始化的链客户端")
	}
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// SuggestGasPrice returns the node's suggested legacy gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

// EstimateGas estimates the gas required by msg.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	if c == nil || c.backend == nil {
		return 0, errors.New("未初始化的链客户端")
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// SendTransaction broadcasts a signed transaction. The node error is returned
// unwrapped so callers can classify its text.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if c == nil || c.backend == nil {
		return errors.New("未初始化的链客户端")
	}
	if tx == nil {
		return errors.New("交易不能为空")
	}
	return c.backend.SendTransaction(ctx, tx)
}

// Receipt returns the receipt for hash, or nil when it is not mined yet.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	return receipt, nil
}

// RevertReason replays msg at block and returns the decoded revert reason.
// An empty string means the replay succeeded.
func (c *Client) RevertReason(ctx context.Context, msg gethcore.CallMsg, block *big.Int) string {
	if c == nil || c.backend == nil {
		return ""
	}
	_, err := c.backend.CallContract(ctx, msg, block)
	if err == nil {
		return ""
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if payload, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(payload); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}
