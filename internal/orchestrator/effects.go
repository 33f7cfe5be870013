package orchestrator

import (
	"math/big"
	"time"

	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
)

// Effect 是 reducer 请求运行时执行的副作用，结果以内部事件回到事件循环。
type Effect interface {
	effectName() string
}

type fetchTokens struct{}

type armDebounce struct {
	generation uint64
}

type fetchQuote struct {
	generation uint64
	auto       bool
	intent     swap.Intent
	amount     *big.Int
}

type submitApproval struct {
	saga ApprovalSaga
}

type settleApproval struct {
	saga ApprovalSaga
}

type resumeSaga struct {
	sagaID string
}

type submitSwap struct {
	quote swap.Quote
}

type pollTx struct {
	kind   swap.TxKind
	hash   common.Hash
	sagaID string
}

type refreshBalances struct {
	address common.Address
	delay   time.Duration
}

type recordOutcome struct {
	outcome swap.Outcome
}

type discardStale struct {
	kind string
}

func (fetchTokens) effectName() string     { return "fetch_tokens" }
func (armDebounce) effectName() string     { return "arm_debounce" }
func (fetchQuote) effectName() string      { return "fetch_quote" }
func (submitApproval) effectName() string  { return "submit_approval" }
func (settleApproval) effectName() string  { return "settle_approval" }
func (resumeSaga) effectName() string      { return "resume_saga" }
func (submitSwap) effectName() string      { return "submit_swap" }
func (pollTx) effectName() string          { return "poll_tx" }
func (refreshBalances) effectName() string { return "refresh_balances" }
func (recordOutcome) effectName() string   { return "record_outcome" }
func (discardStale) effectName() string    { return "discard_stale" }
