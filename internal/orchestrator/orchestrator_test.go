package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"swap-engine/internal/signer"
	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct{}

func (fakeTokens) ListTradableTokens(ctx context.Context) ([]swap.Token, error) {
	return []swap.Token{usdx, tkn, eth}, nil
}

type fakeQuoter struct {
	mu       sync.Mutex
	requests []swap.QuoteRequest
}

func (f *fakeQuoter) GetQuote(ctx context.Context, req swap.QuoteRequest) (*swap.Quote, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	q := sampleQuote(req.SellToken, req.BuyToken)
	q.FromAmount = new(big.Int).Set(req.SellAmount)
	return q, nil
}

func (f *fakeQuoter) calls() []swap.QuoteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]swap.QuoteRequest(nil), f.requests...)
}

type fakeAllowance struct {
	mu       sync.Mutex
	approved bool
	checks   int
}

func (f *fakeAllowance) Check(ctx context.Context, token swap.Token, o, s common.Address, required *big.Int) (swap.AllowanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	current := new(big.Int)
	if f.approved || token.IsNative() {
		current.Set(swap.MaxUint256)
	}
	return swap.AllowanceSnapshot{
		Token:         token.Address,
		Spender:       s,
		Current:       current,
		Required:      new(big.Int).Set(required),
		NeedsApproval: current.Cmp(required) < 0,
	}, nil
}

type fakeExecutor struct {
	allowance  *fakeAllowance
	swapStatus swap.TxStatus
	revert     string
	neverMine  bool

	mu        sync.Mutex
	plans     []swap.TransactionPlan
	pending   map[common.Hash]swap.TxResult
	forgotten []common.Hash
}

func (f *fakeExecutor) BuildApproval(token swap.Token, s common.Address, amount *big.Int) (swap.TransactionPlan, error) {
	return swap.TransactionPlan{Kind: swap.TxKindApproval, To: token.Address, Value: new(big.Int)}, nil
}

func (f *fakeExecutor) BuildSwap(q *swap.Quote) (swap.TransactionPlan, error) {
	return swap.TransactionPlan{Kind: swap.TxKindSwap, To: q.Tx.To, Data: q.Tx.Data, Value: new(big.Int)}, nil
}

func (f *fakeExecutor) Submit(ctx context.Context, plan swap.TransactionPlan, s signer.Signer) (swap.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, plan)
	hash := common.BigToHash(big.NewInt(int64(len(f.plans))))
	if plan.Kind == swap.TxKindApproval {
		f.allowance.mu.Lock()
		f.allowance.approved = true
		f.allowance.mu.Unlock()
		return swap.TxResult{Hash: hash, Status: swap.TxSuccess, GasUsed: 46000}, nil
	}
	status := f.swapStatus
	if status == "" {
		status = swap.TxSuccess
	}
	result := swap.TxResult{Hash: hash, Status: status, GasUsed: 120000, RevertReason: f.revert}
	if status == swap.TxPending && !f.neverMine {
		if f.pending == nil {
			f.pending = map[common.Hash]swap.TxResult{}
		}
		final := result
		final.Status = swap.TxSuccess
		f.pending[hash] = final
	}
	return result, nil
}

func (f *fakeExecutor) TransactionStatus(ctx context.Context, hash common.Hash) (swap.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.pending[hash]; ok {
		return result, nil
	}
	return swap.TxResult{Hash: hash, Status: swap.TxPending}, nil
}

func (f *fakeExecutor) Forget(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, hash)
}

func (f *fakeExecutor) forgottenHashes() []common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Hash(nil), f.forgotten...)
}

func (f *fakeExecutor) submitted() []swap.TransactionPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]swap.TransactionPlan(nil), f.plans...)
}

type fakeSigner struct{}

func (fakeSigner) Address() common.Address { return owner }

func (fakeSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

type fakeBalances struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeBalances) Get(ctx context.Context, o common.Address, force bool) (*swap.BalanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &swap.BalanceSnapshot{Owner: o, Balances: map[common.Address]*big.Int{usdx.Address: big.NewInt(int64(f.calls))}}, nil
}

type outcomeSink struct {
	mu       sync.Mutex
	outcomes []swap.Outcome
}

func (s *outcomeSink) RecordOutcome(ctx context.Context, outcome swap.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *outcomeSink) recorded() []swap.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]swap.Outcome(nil), s.outcomes...)
}

type harness struct {
	orch      *Orchestrator
	quoter    *fakeQuoter
	allowance *fakeAllowance
	executor  *fakeExecutor
	balances  *fakeBalances
	sink      *outcomeSink
}

func startHarness(t *testing.T, configure func(*fakeExecutor), extra ...Option) *harness {
	t.Helper()
	allowance := &fakeAllowance{}
	h := &harness{
		quoter:    &fakeQuoter{},
		allowance: allowance,
		executor:  &fakeExecutor{allowance: allowance},
		balances:  &fakeBalances{},
		sink:      &outcomeSink{},
	}
	if configure != nil {
		configure(h.executor)
	}
	opts := append([]Option{
		WithQuoteCurrency(usdx),
		WithDebounce(50 * time.Millisecond),
		WithApprovalGrace(10 * time.Millisecond),
		WithPollInterval(10 * time.Millisecond),
		WithBalanceSettleDelay(0),
	}, extra...)
	orch, err := New(Dependencies{
		Tokens:    fakeTokens{},
		Quoter:    h.quoter,
		Allowance: h.allowance,
		Executor:  h.executor,
		Balances:  h.balances,
		Signer:    fakeSigner{},
		Sinks:     []OutcomeSink{h.sink},
	}, opts...)
	require.NoError(t, err)
	h.orch = orch

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) dispatch(t *testing.T, ev Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.orch.Dispatch(ctx, ev))
}

func (h *harness) waitFor(t *testing.T, status Status) State {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.State().Status == status }, 2*time.Second, 5*time.Millisecond,
		"expected %s, got %s", status, h.orch.State().Status)
	return h.orch.State()
}

func (h *harness) configureBuy(t *testing.T) {
	t.Helper()
	h.dispatch(t, LoadTokens{})
	h.waitFor(t, StatusTokensReady)
	h.dispatch(t, SetDirection{Direction: swap.DirectionBuy})
	h.dispatch(t, SelectToken{Leg: swap.LegTo, Token: tkn})
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
}

func TestScenarioDDebounceCoalescesEdits(t *testing.T) {
	h := startHarness(t, nil)
	h.configureBuy(t)

	h.dispatch(t, SetAmount{Amount: "1"})
	time.Sleep(10 * time.Millisecond)
	h.dispatch(t, SetAmount{Amount: "2"})

	s := h.waitFor(t, StatusQuoteReady)
	time.Sleep(100 * time.Millisecond)

	calls := h.quoter.calls()
	require.Len(t, calls, 1)
	assert.Zero(t, calls[0].SellAmount.Cmp(big.NewInt(2_000_000)))
	assert.Equal(t, owner, calls[0].Taker)
	assert.True(t, calls[0].WantRouteInfo)
	assert.Equal(t, "2", s.Intent.Amount)
	assert.True(t, s.Allowance.NeedsApproval)
}

func TestScenarioBApprovalThenSwapThroughRuntime(t *testing.T) {
	h := startHarness(t, nil)
	h.configureBuy(t)
	h.dispatch(t, SetAmount{Amount: "10"})
	h.waitFor(t, StatusQuoteReady)

	h.dispatch(t, Approve{})
	s := h.waitFor(t, StatusSuccess)

	plans := h.executor.submitted()
	require.Len(t, plans, 2)
	assert.Equal(t, swap.TxKindApproval, plans[0].Kind)
	assert.Equal(t, swap.TxKindSwap, plans[1].Kind)
	assert.Len(t, h.quoter.calls(), 2, "auto-continuation re-quotes before swapping")

	require.NotNil(t, s.Outcome)
	assert.Equal(t, swap.OutcomeSuccess, s.Outcome.Status)
	require.Eventually(t, func() bool { return len(h.sink.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.orch.State().Balances != nil }, time.Second, 5*time.Millisecond)
}

func TestScenarioCRevertedSwapThroughRuntime(t *testing.T) {
	h := startHarness(t, func(e *fakeExecutor) {
		e.swapStatus = swap.TxFailed
		e.revert = "insufficient funds for gas * price + value"
	})
	h.allowance.approved = true
	h.configureBuy(t)
	h.dispatch(t, SetAmount{Amount: "1"})
	h.waitFor(t, StatusQuoteReady)

	h.dispatch(t, ConfirmSwap{})
	s := h.waitFor(t, StatusFailed)
	assert.Equal(t, swap.CodeOnChain, s.Failure.Code)
	assert.Equal(t, string(swap.FailureInsufficientFunds), s.Failure.SubKind)
	require.Eventually(t, func() bool { return len(h.sink.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, swap.FailureInsufficientFunds, h.sink.recorded()[0].FailureCategory)

	h.dispatch(t, Reset{})
	assert.Equal(t, StatusTokensReady, h.orch.State().Status)
}

func TestPendingSwapIsPolled(t *testing.T) {
	h := startHarness(t, func(e *fakeExecutor) { e.swapStatus = swap.TxPending })
	h.allowance.approved = true
	h.configureBuy(t)
	h.dispatch(t, SetAmount{Amount: "1"})
	h.waitFor(t, StatusQuoteReady)

	h.dispatch(t, ConfirmSwap{})
	s := h.waitFor(t, StatusSuccess)
	assert.Nil(t, s.PendingTx)
	assert.Equal(t, uint64(120000), s.Outcome.GasUsed)
}

func TestUnminedSwapTimesOutAndIsForgotten(t *testing.T) {
	h := startHarness(t, func(e *fakeExecutor) {
		e.swapStatus = swap.TxPending
		e.neverMine = true
	}, WithPollTimeout(40*time.Millisecond))
	h.allowance.approved = true
	h.configureBuy(t)
	h.dispatch(t, SetAmount{Amount: "1"})
	h.waitFor(t, StatusQuoteReady)

	h.dispatch(t, ConfirmSwap{})
	s := h.waitFor(t, StatusFailed)
	assert.Equal(t, swap.CodeNetwork, s.Failure.Code)
	assert.Equal(t, swap.NetworkTimeout, s.Failure.SubKind)
	assert.Equal(t, []common.Hash{common.BigToHash(big.NewInt(1))}, h.executor.forgottenHashes())
}

func TestDispatchReturnsRejection(t *testing.T) {
	h := startHarness(t, nil)
	err := h.orch.Dispatch(context.Background(), RequestQuote{Intent: &swap.Intent{From: &tkn, To: &tkn, Amount: "1"}})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, h.orch.State().Status)
	assert.Empty(t, h.quoter.calls())
}

func TestSubscribeReceivesLatestState(t *testing.T) {
	h := startHarness(t, nil)
	updates, cancel := h.orch.Subscribe()
	defer cancel()

	initial := <-updates
	assert.Equal(t, StatusIdle, initial.Status)

	h.dispatch(t, LoadTokens{})
	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return s.Status == StatusTokensReady
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchAfterStop(t *testing.T) {
	orch, err := New(Dependencies{
		Tokens:    fakeTokens{},
		Quoter:    &fakeQuoter{},
		Allowance: &fakeAllowance{},
		Executor:  &fakeExecutor{},
		Signer:    fakeSigner{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, orch.Run(ctx))
	assert.ErrorIs(t, orch.Dispatch(context.Background(), LoadTokens{}), ErrStopped)
	assert.Error(t, orch.Run(context.Background()))
}
