package swap

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionPlan 是待签名提交的交易，只会被提交一次。
type TransactionPlan struct {
	Kind     TxKind         `json:"kind"`
	To       common.Address `json:"to"`
	Data     []byte         `json:"data"`
	Value    *big.Int       `json:"value"`
	GasLimit uint64         `json:"gasLimit"`
	GasPrice *big.Int       `json:"gasPrice,omitempty"`
}

// TxKind 区分授权交易与兑换交易。
type TxKind string

const (
	TxKindApproval TxKind = "approval"
	TxKindSwap     TxKind = "swap"
)

// TxStatus 描述交易在链上的状态。
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// TxResult 是一次提交或状态查询的结果。
type TxResult struct {
	Hash         common.Hash `json:"hash"`
	Status       TxStatus    `json:"status"`
	GasUsed      uint64      `json:"gasUsed"`
	BlockNumber  *big.Int    `json:"blockNumber,omitempty"`
	RevertReason string      `json:"revertReason,omitempty"`
}

// OutcomeStatus 是兑换的终态。
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// FailureCategory 是面向用户的链上失败分类。
type FailureCategory string

const (
	FailureInsufficientFunds FailureCategory = "insufficient_funds"
	FailureSlippage          FailureCategory = "slippage"
	FailureReverted          FailureCategory = "reverted"
	FailureTransaction       FailureCategory = "transaction_failed"
)

// Outcome 是一次兑换的最终结果，需要显式 Reset 才能开始新的兑换。
type Outcome struct {
	TxHash          common.Hash     `json:"txHash"`
	SellToken       Token           `json:"sellToken"`
	BuyToken        Token           `json:"buyToken"`
	FromAmount      *big.Int        `json:"fromAmount"`
	ToAmount        *big.Int        `json:"toAmount"`
	GasUsed         uint64          `json:"gasUsed"`
	Status          OutcomeStatus   `json:"status"`
	FailureCategory FailureCategory `json:"failureCategory,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Clone 返回结果的深拷贝。
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	out := *o
	out.FromAmount = cloneBig(o.FromAmount)
	out.ToAmount = cloneBig(o.ToAmount)
	return &out
}

var failurePatterns = []struct {
	category FailureCategory
	needles  []string
}{
	{FailureInsufficientFunds, []string{"insufficient funds", "insufficient balance", "transfer amount exceeds balance"}},
	{FailureSlippage, []string{"slippage", "too little received", "price moved", "return amount is not enough", "insufficient output amount"}},
	{FailureReverted, []string{"revert"}},
}

// ClassifyFailure 根据回执或回滚原因文本归类失败原因，无法识别时返回 transaction_failed。
func ClassifyFailure(reason string) FailureCategory {
	lower := strings.ToLower(reason)
	for _, pattern := range failurePatterns {
		for _, needle := range pattern.needles {
			if strings.Contains(lower, needle) {
				return pattern.category
			}
		}
	}
	return FailureTransaction
}
