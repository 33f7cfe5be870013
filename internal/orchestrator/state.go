package orchestrator

import (
	"fmt"
	"math/big"

	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
)

// Status 是编排器的封闭状态集合。
type Status int

const (
	StatusIdle Status = iota
	StatusTokensLoading
	StatusTokensReady
	StatusIntentConfigured
	StatusQuotePending
	StatusQuoteReady
	StatusApprovalPending
	StatusApproving
	StatusApproved
	StatusSwapPending
	StatusSuccess
	StatusFailed
)

var statusNames = [...]string{
	StatusIdle:             "idle",
	StatusTokensLoading:    "tokens_loading",
	StatusTokensReady:      "tokens_ready",
	StatusIntentConfigured: "intent_configured",
	StatusQuotePending:     "quote_pending",
	StatusQuoteReady:       "quote_ready",
	StatusApprovalPending:  "approval_pending",
	StatusApproving:        "approving",
	StatusApproved:         "approved",
	StatusSwapPending:      "swap_pending",
	StatusSuccess:          "success",
	StatusFailed:           "failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText 以名称输出状态。
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal 判断是否为终态，终态只能通过 Reset 离开。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Failure 描述导致 Failed 的错误。
type Failure struct {
	Code        xerrors.Code `json:"code"`
	SubKind     string       `json:"subKind,omitempty"`
	TokenSymbol string       `json:"tokenSymbol,omitempty"`
	Message     string       `json:"message"`
}

// ApprovalSaga 记录发起授权时的意图快照，授权完成后的自动续接只使用该快照。
type ApprovalSaga struct {
	ID       string         `json:"id"`
	Intent   swap.Intent    `json:"intent"`
	Token    swap.Token     `json:"token"`
	Spender  common.Address `json:"spender"`
	Required *big.Int       `json:"required"`
	TxHash   common.Hash    `json:"txHash"`
	Settled  bool           `json:"settled"`
}

// Clone 返回深拷贝。
func (s *ApprovalSaga) Clone() *ApprovalSaga {
	if s == nil {
		return nil
	}
	out := *s
	out.Intent = s.Intent.Clone()
	if s.Required != nil {
		out.Required = new(big.Int).Set(s.Required)
	}
	return &out
}

// PendingTx 是已广播但尚未确认的交易。
type PendingTx struct {
	Kind swap.TxKind `json:"kind"`
	Hash common.Hash `json:"hash"`
}

// State 是对外发布的不可变快照。订阅者拿到的总是深拷贝。
type State struct {
	Status         Status                  `json:"status"`
	Tokens         []swap.Token            `json:"tokens,omitempty"`
	Intent         swap.Intent             `json:"intent"`
	Quote          *swap.Quote             `json:"quote,omitempty"`
	Allowance      *swap.AllowanceSnapshot `json:"allowance,omitempty"`
	AllowanceError string                  `json:"allowanceError,omitempty"`
	Outcome        *swap.Outcome           `json:"outcome,omitempty"`
	Failure        *Failure                `json:"failure,omitempty"`
	Generation     uint64                  `json:"generation"`
	AutoContinue   bool                    `json:"autoContinue"`
	Saga           *ApprovalSaga           `json:"saga,omitempty"`
	PendingTx      *PendingTx              `json:"pendingTx,omitempty"`
	Balances       *swap.BalanceSnapshot   `json:"balances,omitempty"`
	BalanceError   string                  `json:"balanceError,omitempty"`
}

// Clone 返回状态的深拷贝。
func (s State) Clone() State {
	out := s
	if s.Tokens != nil {
		out.Tokens = append([]swap.Token(nil), s.Tokens...)
	}
	out.Intent = s.Intent.Clone()
	out.Quote = s.Quote.Clone()
	out.Allowance = s.Allowance.Clone()
	out.Outcome = s.Outcome.Clone()
	if s.Failure != nil {
		failure := *s.Failure
		out.Failure = &failure
	}
	out.Saga = s.Saga.Clone()
	if s.PendingTx != nil {
		pending := *s.PendingTx
		out.PendingTx = &pending
	}
	out.Balances = s.Balances.Clone()
	return out
}
