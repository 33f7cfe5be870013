package orchestrator

import (
	"math/big"
	"time"

	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
)

// Event 是编排器接受的封闭事件集合。内部结果事件不导出，外部无法伪造。
type Event interface {
	eventName() string
}

// LoadTokens 加载可交易代币列表。
type LoadTokens struct{}

// SetDirection 设置交易方向，并把计价货币放到对应一侧。
type SetDirection struct {
	Direction swap.Direction
}

// SelectToken 选择卖出侧或买入侧代币。
type SelectToken struct {
	Leg   swap.Leg
	Token swap.Token
}

// SetAmount 修改兑换数量，并重新计时防抖。
type SetAmount struct {
	Amount string
}

// RequestQuote 立即请求报价。Intent 非空时替换当前意图。
type RequestQuote struct {
	Intent *swap.Intent
}

// Approve 为卖出代币发起最大额度授权。零值字段取当前意图与报价中的值。
type Approve struct {
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
}

// ConfirmSwap 使用最近一次报价提交兑换。
type ConfirmSwap struct{}

// RefreshBalances 强制刷新余额。Address 为空时刷新钱包地址。
type RefreshBalances struct {
	Address common.Address
}

// Reset 清空意图与结果，回到 TokensReady。
type Reset struct{}

func (LoadTokens) eventName() string      { return "load_tokens" }
func (SetDirection) eventName() string    { return "set_direction" }
func (SelectToken) eventName() string     { return "select_token" }
func (SetAmount) eventName() string       { return "set_amount" }
func (RequestQuote) eventName() string    { return "request_quote" }
func (Approve) eventName() string         { return "approve" }
func (ConfirmSwap) eventName() string     { return "confirm_swap" }
func (RefreshBalances) eventName() string { return "refresh_balances" }
func (Reset) eventName() string           { return "reset" }

type tokensLoaded struct {
	tokens []swap.Token
	err    error
}

type debounceFired struct {
	generation uint64
}

type quoteResolved struct {
	generation   uint64
	auto         bool
	quote        *swap.Quote
	allowance    *swap.AllowanceSnapshot
	allowanceErr error
	err          error
}

type approvalStarted struct {
	sagaID string
}

type approvalResolved struct {
	sagaID string
	result swap.TxResult
	err    error
}

type approvalSettled struct {
	sagaID    string
	allowance swap.AllowanceSnapshot
	err       error
}

type sagaResumed struct {
	sagaID string
}

type swapResolved struct {
	result swap.TxResult
	err    error
	at     time.Time
}

type balancesRefreshed struct {
	snapshot *swap.BalanceSnapshot
	err      error
}

func (tokensLoaded) eventName() string      { return "tokens_loaded" }
func (debounceFired) eventName() string     { return "debounce_fired" }
func (quoteResolved) eventName() string     { return "quote_resolved" }
func (approvalStarted) eventName() string   { return "approval_started" }
func (approvalResolved) eventName() string  { return "approval_resolved" }
func (approvalSettled) eventName() string   { return "approval_settled" }
func (sagaResumed) eventName() string       { return "saga_resumed" }
func (swapResolved) eventName() string      { return "swap_resolved" }
func (balancesRefreshed) eventName() string { return "balances_refreshed" }
