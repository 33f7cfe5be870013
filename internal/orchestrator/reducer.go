package orchestrator

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Reducer 是纯函数式的状态机：(State, Event) -> (State, []Effect)。
// 返回的 error 用于告知事件的调用方；状态已经反映了该错误。
type Reducer struct {
	Owner              common.Address
	QuoteCurrency      swap.Token
	SlippageBps        uint32
	BalanceSettleDelay time.Duration
	NewID              func() string
}

// Reduce 处理一个事件。
func (r Reducer) Reduce(s State, ev Event) (State, []Effect, error) {
	next := s.Clone()
	switch e := ev.(type) {
	case LoadTokens:
		return r.loadTokens(s, next)
	case SetDirection:
		return r.setDirection(s, next, e)
	case SelectToken:
		return r.selectToken(s, next, e)
	case SetAmount:
		return r.setAmount(s, next, e)
	case RequestQuote:
		return r.requestQuote(s, next, e)
	case Approve:
		return r.approve(s, next, e)
	case ConfirmSwap:
		return r.confirmSwap(s, next)
	case RefreshBalances:
		address := e.Address
		if address == (common.Address{}) {
			address = r.Owner
		}
		return next, []Effect{refreshBalances{address: address}}, nil
	case Reset:
		return r.reset(s, next)
	case tokensLoaded:
		return r.onTokensLoaded(next, e)
	case debounceFired:
		return r.onDebounce(next, e)
	case quoteResolved:
		return r.onQuote(next, e)
	case approvalStarted:
		if next.Saga != nil && next.Saga.ID == e.sagaID && next.Status == StatusApprovalPending {
			next.Status = StatusApproving
		}
		return next, nil, nil
	case approvalResolved:
		return r.onApprovalResolved(next, e)
	case approvalSettled:
		return r.onApprovalSettled(next, e)
	case sagaResumed:
		return r.onSagaResumed(next, e)
	case swapResolved:
		return r.onSwapResolved(next, e)
	case balancesRefreshed:
		if e.err != nil {
			next.BalanceError = e.err.Error()
			return next, nil, nil
		}
		next.Balances = e.snapshot.Clone()
		next.BalanceError = ""
		return next, nil, nil
	default:
		return s, nil, fmt.Errorf("未知事件类型 %T", ev)
	}
}

// gate 拒绝终态、兑换进行中以及授权已完成正在续接时的修改类事件，状态保持不变。
func gate(s State) error {
	switch {
	case s.Status.Terminal():
		return swap.StateError("兑换已结束，请先重置")
	case s.Status == StatusSwapPending:
		return swap.StateError("兑换交易进行中")
	case s.Saga != nil && s.Saga.Settled:
		return swap.StateError("授权已完成，正在自动续接兑换")
	default:
		return nil
	}
}

func (r Reducer) loadTokens(s, next State) (State, []Effect, error) {
	switch {
	case s.Saga != nil, s.Status == StatusSwapPending:
		return s, nil, swap.StateError("交易进行中，暂不能重新加载代币")
	}
	if s.Status.Terminal() {
		next = r.cleared(next)
	}
	invalidate(&next)
	next.Status = StatusTokensLoading
	return next, []Effect{fetchTokens{}}, nil
}

func (r Reducer) onTokensLoaded(next State, e tokensLoaded) (State, []Effect, error) {
	if next.Status != StatusTokensLoading {
		return next, nil, nil
	}
	if e.err != nil {
		err := e.err
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = swap.NetworkError(swap.NetworkTransport, err, "加载代币列表失败")
		}
		return fail(next, err, ""), nil, nil
	}
	next.Tokens = append([]swap.Token(nil), e.tokens...)
	next.Status = StatusTokensReady
	if next.Intent.From != nil || next.Intent.To != nil || next.Intent.Amount != "" {
		next.Status = StatusIntentConfigured
	}
	return next, []Effect{refreshBalances{address: r.Owner}}, nil
}

func (r Reducer) setDirection(s, next State, e SetDirection) (State, []Effect, error) {
	if err := gate(s); err != nil {
		return s, nil, err
	}
	dir, ok := swap.ParseDirection(string(e.Direction))
	if !ok {
		err := swap.UserInputError("未知的交易方向: " + string(e.Direction))
		return fail(next, err, ""), nil, err
	}
	intent := swap.Intent{Direction: dir, SlippageBps: r.slippage(next.Intent.SlippageBps)}
	if !r.QuoteCurrency.IsZero() {
		currency := r.QuoteCurrency
		if dir == swap.DirectionBuy {
			intent.From = &currency
		} else {
			intent.To = &currency
		}
	}
	next.Intent = intent
	invalidate(&next)
	next.Outcome = nil
	next.Failure = nil
	next.Status = StatusIntentConfigured
	return next, nil, nil
}

func (r Reducer) selectToken(s, next State, e SelectToken) (State, []Effect, error) {
	if err := gate(s); err != nil {
		return s, nil, err
	}
	if e.Token.IsZero() {
		err := swap.UserInputError("请选择代币")
		return fail(next, err, ""), nil, err
	}
	token := e.Token
	switch e.Leg {
	case swap.LegFrom:
		next.Intent.From = &token
	case swap.LegTo:
		next.Intent.To = &token
	default:
		err := swap.UserInputError("未知的代币位置: " + string(e.Leg))
		return fail(next, err, ""), nil, err
	}
	next.Intent.SlippageBps = r.slippage(next.Intent.SlippageBps)
	return r.mutated(next)
}

func (r Reducer) setAmount(s, next State, e SetAmount) (State, []Effect, error) {
	if err := gate(s); err != nil {
		return s, nil, err
	}
	next.Intent.Amount = strings.TrimSpace(e.Amount)
	next.Intent.SlippageBps = r.slippage(next.Intent.SlippageBps)
	return r.mutated(next)
}

// mutated 使报价失效，并在意图完整时重新计时防抖。
func (r Reducer) mutated(next State) (State, []Effect, error) {
	invalidate(&next)
	next.Outcome = nil
	next.Failure = nil
	next.Status = StatusIntentConfigured
	if !next.Intent.Complete() {
		return next, nil, nil
	}
	return next, []Effect{armDebounce{generation: next.Generation}}, nil
}

func (r Reducer) onDebounce(next State, e debounceFired) (State, []Effect, error) {
	if e.generation != next.Generation || next.Status != StatusIntentConfigured {
		return next, []Effect{discardStale{kind: "debounce"}}, nil
	}
	amount, err := next.Intent.Validate()
	if err != nil {
		// 输入尚未合法时不发起网络请求，等待用户继续编辑。
		return next, nil, nil
	}
	next.Status = StatusQuotePending
	return next, []Effect{fetchQuote{generation: next.Generation, intent: next.Intent.Clone(), amount: amount}}, nil
}

func (r Reducer) requestQuote(s, next State, e RequestQuote) (State, []Effect, error) {
	if err := gate(s); err != nil {
		return s, nil, err
	}
	if e.Intent != nil {
		next.Intent = e.Intent.Clone()
	}
	next.Intent.SlippageBps = r.slippage(next.Intent.SlippageBps)
	invalidate(&next)
	next.Outcome = nil
	next.Failure = nil

	amount, err := next.Intent.Validate()
	if err != nil {
		return fail(next, err, ""), nil, err
	}
	next.Status = StatusQuotePending
	return next, []Effect{fetchQuote{generation: next.Generation, intent: next.Intent.Clone(), amount: amount}}, nil
}

func (r Reducer) onQuote(next State, e quoteResolved) (State, []Effect, error) {
	if e.generation != next.Generation || next.Status != StatusQuotePending {
		return next, []Effect{discardStale{kind: "quote"}}, nil
	}
	if e.err != nil {
		next = fail(next, e.err, symbolOf(next.Intent.From))
		if e.auto {
			endSaga(&next)
		}
		return next, nil, nil
	}
	next.Quote = e.quote.Clone()
	next.Allowance = e.allowance.Clone()
	next.AllowanceError = ""
	if e.allowanceErr != nil {
		next.AllowanceError = xerrors.MessageOf(e.allowanceErr)
	}

	if e.auto && next.AutoContinue && next.Saga != nil {
		symbol := next.Saga.Token.Symbol
		endSaga(&next)
		if next.Allowance == nil || next.Allowance.NeedsApproval {
			return fail(next, swap.StateError("授权后额度仍不足，请重新授权"), symbol), nil, nil
		}
		return r.startSwap(next)
	}
	next.Status = StatusQuoteReady
	return next, nil, nil
}

func (r Reducer) approve(s, next State, e Approve) (State, []Effect, error) {
	if err := gate(s); err != nil {
		return s, nil, err
	}
	// 同一时间只允许一笔授权交易，避免 nonce 冲突与重复消耗 gas。
	if s.Saga != nil {
		return s, nil, swap.StateError("已有授权交易在进行中")
	}
	if next.Status != StatusQuoteReady || next.Quote == nil || next.Allowance == nil || next.Intent.From == nil {
		err := swap.StateError("请先获取报价再授权")
		return fail(next, err, ""), nil, err
	}
	token := *next.Intent.From
	if token.IsNative() {
		err := swap.StateError("原生资产无需授权")
		return fail(next, err, token.Symbol), nil, err
	}
	if e.Token != (common.Address{}) && e.Token != token.Address {
		err := swap.UserInputError("只能为卖出代币授权")
		return fail(next, err, token.Symbol), nil, err
	}
	if !next.Allowance.NeedsApproval {
		err := swap.StateError("当前授权额度已足够")
		return fail(next, err, token.Symbol), nil, err
	}
	spender := next.Quote.Spender
	if e.Spender != (common.Address{}) {
		spender = e.Spender
	}
	required := copyBig(next.Quote.FromAmount)
	if e.Amount != nil && e.Amount.Cmp(required) > 0 {
		required.Set(e.Amount)
	}

	saga := ApprovalSaga{
		ID:       r.newID(),
		Intent:   next.Intent.Clone(),
		Token:    token,
		Spender:  spender,
		Required: required,
	}
	next.Saga = saga.Clone()
	next.AutoContinue = true
	next.Status = StatusApprovalPending
	return next, []Effect{submitApproval{saga: saga}}, nil
}

func (r Reducer) onApprovalResolved(next State, e approvalResolved) (State, []Effect, error) {
	if next.Saga == nil || next.Saga.ID != e.sagaID {
		return next, []Effect{discardStale{kind: "approval"}}, nil
	}
	symbol := next.Saga.Token.Symbol
	if e.err != nil {
		next = fail(next, e.err, symbol)
		endSaga(&next)
		return next, nil, nil
	}

	next.Saga.TxHash = e.result.Hash
	switch e.result.Status {
	case swap.TxPending:
		next.PendingTx = &PendingTx{Kind: swap.TxKindApproval, Hash: e.result.Hash}
		return next, []Effect{pollTx{kind: swap.TxKindApproval, hash: e.result.Hash, sagaID: e.sagaID}}, nil
	case swap.TxFailed:
		category := swap.ClassifyFailure(e.result.RevertReason)
		next = fail(next, swap.OnChainError(category, "授权交易失败: "+e.result.RevertReason), symbol)
		endSaga(&next)
		return next, nil, nil
	default:
		next.PendingTx = nil
		return next, []Effect{settleApproval{saga: *next.Saga.Clone()}}, nil
	}
}

// onApprovalSettled 在授权确认后续接兑换。授权期间的编辑不影响续接，续接使用发起授权时的意图快照。
func (r Reducer) onApprovalSettled(next State, e approvalSettled) (State, []Effect, error) {
	if next.Saga == nil || next.Saga.ID != e.sagaID {
		return next, []Effect{discardStale{kind: "approval"}}, nil
	}
	symbol := next.Saga.Token.Symbol
	if e.err != nil {
		next = fail(next, e.err, symbol)
		endSaga(&next)
		return next, nil, nil
	}
	if e.allowance.NeedsApproval {
		next = fail(next, swap.StateError("授权已确认但额度仍不足"), symbol)
		endSaga(&next)
		return next, nil, nil
	}

	next.Saga.Settled = true
	next.PendingTx = nil
	next.Allowance = (&e.allowance).Clone()
	next.AllowanceError = ""
	next.Failure = nil
	next.Status = StatusApproved
	return next, []Effect{resumeSaga{sagaID: e.sagaID}}, nil
}

func (r Reducer) onSagaResumed(next State, e sagaResumed) (State, []Effect, error) {
	if next.Saga == nil || next.Saga.ID != e.sagaID || next.Status != StatusApproved || !next.AutoContinue {
		return next, []Effect{discardStale{kind: "saga"}}, nil
	}
	next.Intent = next.Saga.Intent.Clone()
	next.Generation++
	next.Quote = nil
	next.Outcome = nil
	amount, err := next.Intent.Validate()
	if err != nil {
		symbol := next.Saga.Token.Symbol
		endSaga(&next)
		return fail(next, err, symbol), nil, nil
	}
	next.Status = StatusQuotePending
	return next, []Effect{fetchQuote{generation: next.Generation, auto: true, intent: next.Intent.Clone(), amount: amount}}, nil
}

func (r Reducer) confirmSwap(s, next State) (State, []Effect, error) {
	if err := gate(s); err != nil {
		return s, nil, err
	}
	if s.Saga != nil {
		return s, nil, swap.StateError("授权进行中，确认后将自动兑换")
	}
	if next.Quote == nil {
		err := swap.StateError("没有可用的报价，请先获取报价")
		return fail(next, err, ""), nil, err
	}
	if next.Allowance == nil || next.Allowance.NeedsApproval {
		err := swap.StateError("请先完成代币授权")
		return fail(next, err, symbolOf(next.Intent.From)), nil, err
	}
	return r.startSwap(next)
}

func (r Reducer) startSwap(next State) (State, []Effect, error) {
	next.Status = StatusSwapPending
	next.Outcome = nil
	next.Failure = nil
	return next, []Effect{submitSwap{quote: *next.Quote.Clone()}}, nil
}

func (r Reducer) onSwapResolved(next State, e swapResolved) (State, []Effect, error) {
	if next.Status != StatusSwapPending || next.Quote == nil {
		return next, []Effect{discardStale{kind: "swap"}}, nil
	}
	outcome := swap.Outcome{
		TxHash:     e.result.Hash,
		SellToken:  next.Quote.SellToken,
		BuyToken:   next.Quote.BuyToken,
		FromAmount: copyBig(next.Quote.FromAmount),
		ToAmount:   copyBig(next.Quote.ToAmount),
		GasUsed:    e.result.GasUsed,
		Timestamp:  e.at,
	}

	if e.err != nil {
		outcome.Status = swap.OutcomeFailed
		outcome.Reason = xerrors.MessageOf(e.err)
		if xerrors.CodeOf(e.err) == swap.CodeOnChain {
			outcome.FailureCategory = swap.FailureCategory(xerrors.SubKindOf(e.err))
		}
		next = fail(next, e.err, symbolOf(next.Intent.From))
		next.Outcome = &outcome
		return next, []Effect{recordOutcome{outcome: *outcome.Clone()}}, nil
	}

	switch e.result.Status {
	case swap.TxPending:
		next.PendingTx = &PendingTx{Kind: swap.TxKindSwap, Hash: e.result.Hash}
		return next, []Effect{pollTx{kind: swap.TxKindSwap, hash: e.result.Hash}}, nil
	case swap.TxFailed:
		category := swap.ClassifyFailure(e.result.RevertReason)
		outcome.Status = swap.OutcomeFailed
		outcome.FailureCategory = category
		outcome.Reason = e.result.RevertReason
		next = fail(next, swap.OnChainError(category, e.result.RevertReason), symbolOf(next.Intent.From))
		next.Outcome = &outcome
	default:
		outcome.Status = swap.OutcomeSuccess
		next.Status = StatusSuccess
		next.PendingTx = nil
		next.Outcome = &outcome
	}
	return next, []Effect{
		recordOutcome{outcome: *outcome.Clone()},
		refreshBalances{address: r.Owner, delay: r.BalanceSettleDelay},
	}, nil
}

func (r Reducer) reset(s, next State) (State, []Effect, error) {
	if s.Status == StatusSwapPending {
		return s, nil, swap.StateError("兑换交易进行中，无法重置")
	}
	next = r.cleared(next)
	next.Generation++
	return next, nil, nil
}

// cleared 清空意图、报价、授权与结果，保留代币列表与余额。
func (r Reducer) cleared(s State) State {
	status := StatusIdle
	if len(s.Tokens) > 0 {
		status = StatusTokensReady
	}
	return State{
		Status:       status,
		Tokens:       s.Tokens,
		Generation:   s.Generation,
		Balances:     s.Balances,
		BalanceError: s.BalanceError,
	}
}

func (r Reducer) slippage(current uint32) uint32 {
	if current > 0 {
		return current
	}
	if r.SlippageBps > 0 {
		return r.SlippageBps
	}
	return swap.DefaultSlippageBps
}

func (r Reducer) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// invalidate 使当前报价与授权失效并推进代数。进行中的授权不受影响。
func invalidate(s *State) {
	s.Quote = nil
	s.Allowance = nil
	s.AllowanceError = ""
	s.Generation++
}

// endSaga 结束授权续接。
func endSaga(s *State) {
	s.Saga = nil
	s.AutoContinue = false
}

func fail(s State, err error, tokenSymbol string) State {
	s.Status = StatusFailed
	s.Failure = &Failure{
		Code:        xerrors.CodeOf(err),
		SubKind:     xerrors.SubKindOf(err),
		TokenSymbol: tokenSymbol,
		Message:     xerrors.MessageOf(err),
	}
	s.PendingTx = nil
	return s
}

func symbolOf(t *swap.Token) string {
	if t == nil {
		return ""
	}
	return t.Symbol
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
