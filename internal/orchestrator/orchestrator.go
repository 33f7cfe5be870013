package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/signer"
	"swap-engine/internal/swap"
	"swap-engine/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLister 提供可交易代币列表。
type TokenLister interface {
	ListTradableTokens(ctx context.Context) ([]swap.Token, error)
}

// Quoter 获取兑换报价。
type Quoter interface {
	GetQuote(ctx context.Context, req swap.QuoteRequest) (*swap.Quote, error)
}

// AllowanceChecker 检查授权额度。
type AllowanceChecker interface {
	Check(ctx context.Context, token swap.Token, owner, spender common.Address, required *big.Int) (swap.AllowanceSnapshot, error)
}

// TxExecutor 构造、提交并查询交易。
type TxExecutor interface {
	BuildApproval(token swap.Token, spender common.Address, amount *big.Int) (swap.TransactionPlan, error)
	BuildSwap(q *swap.Quote) (swap.TransactionPlan, error)
	Submit(ctx context.Context, plan swap.TransactionPlan, s signer.Signer) (swap.TxResult, error)
	TransactionStatus(ctx context.Context, hash common.Hash) (swap.TxResult, error)
	Forget(hash common.Hash)
}

// BalanceCache 提供余额快照。
type BalanceCache interface {
	Get(ctx context.Context, owner common.Address, forceRefresh bool) (*swap.BalanceSnapshot, error)
}

// OutcomeSink 接收兑换终态，例如历史记录与通知。
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome swap.Outcome) error
}

// Recorder 记录编排器指标。
type Recorder interface {
	ObserveQuote(result string, d time.Duration)
	ObserveStaleDiscarded(kind string)
	ObserveTransition(status string)
	ObserveTransaction(kind, status string)
}

// Dependencies 汇总编排器依赖的组件。
type Dependencies struct {
	Tokens    TokenLister
	Quoter    Quoter
	Allowance AllowanceChecker
	Executor  TxExecutor
	Balances  BalanceCache
	Signer    signer.Signer
	Sinks     []OutcomeSink
	Metrics   Recorder
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithDebounce 设置输入防抖时长。
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithPollInterval 设置未确认交易的轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithPollTimeout 设置轮询未确认交易的最长时间。
func WithPollTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithBalanceSettleDelay 设置兑换成功后刷新余额前的等待时间。
func WithBalanceSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.reducer.BalanceSettleDelay = d
		}
	}
}

// WithApprovalGrace 设置授权确认后重新检查额度前的等待时间。
func WithApprovalGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.approvalGrace = d
		}
	}
}

// WithShutdownGrace 设置停止时等待进行中副作用的时长。
func WithShutdownGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.grace = d
		}
	}
}

// WithQuoteCurrency 设置方向切换时自动填入的计价代币。
func WithQuoteCurrency(token swap.Token) Option {
	return func(o *Orchestrator) {
		o.reducer.QuoteCurrency = token
	}
}

// WithSlippage 设置默认滑点（基点）。
func WithSlippage(bps uint32) Option {
	return func(o *Orchestrator) {
		o.reducer.SlippageBps = bps
	}
}

// WithIDGenerator 替换授权流程的 ID 生成器。
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.reducer.NewID = fn
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

type envelope struct {
	event Event
	reply chan error
}

// Orchestrator 在单个事件循环中驱动兑换状态机。状态只在循环内修改，
// 副作用在独立协程中执行，结果以内部事件回到循环。
type Orchestrator struct {
	reducer Reducer
	deps    Dependencies
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time

	debounce      time.Duration
	pollInterval  time.Duration
	pollTimeout   time.Duration
	approvalGrace time.Duration
	grace         time.Duration

	events  chan envelope
	backlog []Event
	done    chan struct{}
	runOnce sync.Once
	runCtx  context.Context
	wg      sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer

	stateMu sync.RWMutex
	state   State

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// New 创建编排器，需要调用 Run 启动事件循环。
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Tokens == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置代币列表来源")
	case deps.Quoter == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置报价客户端")
	case deps.Allowance == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置授权管理器")
	case deps.Executor == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易执行器")
	case deps.Signer == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易签名器")
	}

	o := &Orchestrator{
		reducer: Reducer{
			Owner:              deps.Signer.Address(),
			SlippageBps:        swap.DefaultSlippageBps,
			BalanceSettleDelay: 2 * time.Second,
		},
		deps:          deps,
		metrics:       deps.Metrics,
		logger:        logger.Named("orchestrator"),
		now:           time.Now,
		debounce:      time.Second,
		pollInterval:  2 * time.Second,
		pollTimeout:   10 * time.Minute,
		approvalGrace: 2 * time.Second,
		grace:         5 * time.Second,
		events:        make(chan envelope),
		done:          make(chan struct{}),
		subs:          make(map[int]chan State),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.metrics == nil {
		o.metrics = noopRecorder{}
	}
	return o, nil
}

// Owner 返回发起交易的钱包地址。
func (o *Orchestrator) Owner() common.Address {
	return o.reducer.Owner
}

// State 返回当前状态快照。
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state.Clone()
}

// Subscribe 订阅状态快照。通道只保留最新一份快照，慢速订阅者会跳过中间状态。
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	o.subMu.Lock()
	ch <- o.State()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
		})
	}
}

// Dispatch 把事件送入事件循环，并等待该事件被处理。
// 返回的错误与状态中记录的失败一致；状态被拒绝的事件不会修改状态。
func (o *Orchestrator) Dispatch(ctx context.Context, ev Event) error {
	if ev == nil {
		return swap.UserInputError("事件不能为空")
	}
	env := envelope{event: ev, reply: make(chan error, 1)}
	select {
	case o.events <- env:
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.reply:
		return err
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrStopped 表示事件循环已经退出。
var ErrStopped = errors.New("编排器已停止")

// Run 启动事件循环，直到 ctx 结束。同一实例只能运行一次。
func (o *Orchestrator) Run(ctx context.Context) error {
	started := false
	o.runOnce.Do(func() { started = true })
	if !started {
		return xerrors.New(xerrors.CodeInitializationFailure, "编排器已经运行过")
	}
	o.runCtx = ctx
	defer o.shutdown()

	o.logger.Info("编排器已启动", slog.String("owner", o.reducer.Owner.Hex()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-o.events:
			err := o.apply(env.event)
			for len(o.backlog) > 0 {
				next := o.backlog[0]
				o.backlog = o.backlog[1:]
				o.apply(next)
			}
			if env.reply != nil {
				env.reply <- err
			}
		}
	}
}

func (o *Orchestrator) shutdown() {
	close(o.done)
	o.timerMu.Lock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timerMu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(o.grace):
		o.logger.Warn("停止时仍有副作用未完成", slog.Duration("grace", o.grace))
	}
	o.logger.Info("编排器已停止")
}

func (o *Orchestrator) apply(ev Event) error {
	o.stateMu.RLock()
	current := o.state
	o.stateMu.RUnlock()

	next, effects, err := o.reducer.Reduce(current, ev)
	if next.Status != current.Status {
		o.metrics.ObserveTransition(next.Status.String())
		o.logger.Debug("状态迁移",
			slog.String("event", ev.eventName()),
			slog.String("from", current.Status.String()),
			slog.String("to", next.Status.String()),
		)
	}
	if err != nil {
		o.logger.Debug("事件被拒绝或失败", slog.String("event", ev.eventName()), slog.Any("error", err))
	}

	o.stateMu.Lock()
	o.state = next
	o.stateMu.Unlock()
	o.publish(next)

	for _, effect := range effects {
		o.run(effect)
	}
	return err
}

func (o *Orchestrator) publish(s State) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		snapshot := s.Clone()
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// post 把副作用结果送回事件循环，循环退出后丢弃。
func (o *Orchestrator) post(ev Event) {
	select {
	case o.events <- envelope{event: ev}:
	case <-o.done:
	}
}

func (o *Orchestrator) goEffect(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.runCtx)
	}()
}

func (o *Orchestrator) run(effect Effect) {
	switch e := effect.(type) {
	case fetchTokens:
		o.goEffect(func(ctx context.Context) {
			tokens, err := o.deps.Tokens.ListTradableTokens(ctx)
			o.post(tokensLoaded{tokens: tokens, err: err})
		})
	case armDebounce:
		o.armDebounce(e.generation)
	case fetchQuote:
		o.goEffect(func(ctx context.Context) { o.fetchQuote(ctx, e) })
	case submitApproval:
		o.goEffect(func(ctx context.Context) { o.submitApproval(ctx, e.saga) })
	case settleApproval:
		o.goEffect(func(ctx context.Context) { o.settleApproval(ctx, e.saga) })
	case resumeSaga:
		o.backlog = append(o.backlog, sagaResumed{sagaID: e.sagaID})
	case submitSwap:
		o.goEffect(func(ctx context.Context) { o.submitSwap(ctx, e.quote) })
	case pollTx:
		o.goEffect(func(ctx context.Context) { o.pollTx(ctx, e) })
	case refreshBalances:
		if o.deps.Balances == nil {
			return
		}
		o.goEffect(func(ctx context.Context) { o.refreshBalances(ctx, e) })
	case recordOutcome:
		o.goEffect(func(ctx context.Context) { o.recordOutcome(ctx, e.outcome) })
	case discardStale:
		o.metrics.ObserveStaleDiscarded(e.kind)
		o.logger.Debug("丢弃过期结果", slog.String("kind", e.kind))
	default:
		o.logger.Error("未知副作用", slog.String("effect", effect.effectName()))
	}
}

func (o *Orchestrator) armDebounce(generation uint64) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(o.debounce, func() {
		o.post(debounceFired{generation: generation})
	})
}

func (o *Orchestrator) fetchQuote(ctx context.Context, e fetchQuote) {
	started := o.now()
	q, err := o.deps.Quoter.GetQuote(ctx, swap.QuoteRequest{
		SellToken:       *e.intent.From,
		BuyToken:        *e.intent.To,
		SellAmount:      e.amount,
		SlippageBps:     e.intent.SlippageBps,
		Taker:           o.reducer.Owner,
		WantRouteInfo:   true,
		WantGasEstimate: true,
	})
	if err != nil {
		o.metrics.ObserveQuote("error", o.now().Sub(started))
		o.post(quoteResolved{generation: e.generation, auto: e.auto, err: err})
		return
	}
	o.metrics.ObserveQuote("ok", o.now().Sub(started))

	snapshot, allowanceErr := o.deps.Allowance.Check(ctx, *e.intent.From, o.reducer.Owner, q.Spender, q.FromAmount)
	o.post(quoteResolved{
		generation:   e.generation,
		auto:         e.auto,
		quote:        q,
		allowance:    &snapshot,
		allowanceErr: allowanceErr,
	})
}

func (o *Orchestrator) submitApproval(ctx context.Context, saga ApprovalSaga) {
	o.post(approvalStarted{sagaID: saga.ID})
	plan, err := o.deps.Executor.BuildApproval(saga.Token, saga.Spender, swap.MaxUint256)
	if err != nil {
		o.post(approvalResolved{sagaID: saga.ID, err: err})
		return
	}
	result, err := o.deps.Executor.Submit(ctx, plan, o.deps.Signer)
	o.observeTx(swap.TxKindApproval, result, err)
	o.post(approvalResolved{sagaID: saga.ID, result: result, err: err})
}

// settleApproval 等待节点状态同步后重新检查授权额度。
func (o *Orchestrator) settleApproval(ctx context.Context, saga ApprovalSaga) {
	if !sleep(ctx, o.approvalGrace) {
		return
	}
	snapshot, err := o.deps.Allowance.Check(ctx, saga.Token, o.reducer.Owner, saga.Spender, saga.Required)
	o.post(approvalSettled{sagaID: saga.ID, allowance: snapshot, err: err})
}

func (o *Orchestrator) submitSwap(ctx context.Context, q swap.Quote) {
	plan, err := o.deps.Executor.BuildSwap(&q)
	if err != nil {
		o.post(swapResolved{err: err, at: o.now()})
		return
	}
	result, err := o.deps.Executor.Submit(ctx, plan, o.deps.Signer)
	o.observeTx(swap.TxKindSwap, result, err)
	o.post(swapResolved{result: result, err: err, at: o.now()})
}

func (o *Orchestrator) pollTx(ctx context.Context, e pollTx) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	deadline := o.now().Add(o.pollTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		result, err := o.deps.Executor.TransactionStatus(ctx, e.hash)
		if err != nil {
			o.logger.Warn("查询交易状态失败", slog.String("hash", e.hash.Hex()), slog.Any("error", err))
		} else if result.Status != swap.TxPending {
			o.observeTx(e.kind, result, nil)
			o.postTxResult(e, result, nil)
			return
		}
		if o.now().After(deadline) {
			o.deps.Executor.Forget(e.hash)
			timeoutErr := swap.NetworkError(swap.NetworkTimeout, err, "等待交易确认超时: "+e.hash.Hex())
			o.postTxResult(e, swap.TxResult{Hash: e.hash, Status: swap.TxPending}, timeoutErr)
			return
		}
	}
}

func (o *Orchestrator) postTxResult(e pollTx, result swap.TxResult, err error) {
	if e.kind == swap.TxKindApproval {
		o.post(approvalResolved{sagaID: e.sagaID, result: result, err: err})
		return
	}
	o.post(swapResolved{result: result, err: err, at: o.now()})
}

func (o *Orchestrator) refreshBalances(ctx context.Context, e refreshBalances) {
	if !sleep(ctx, e.delay) {
		return
	}
	snapshot, err := o.deps.Balances.Get(ctx, e.address, true)
	o.post(balancesRefreshed{snapshot: snapshot, err: err})
}

func (o *Orchestrator) recordOutcome(ctx context.Context, outcome swap.Outcome) {
	logger.Audit().Info("兑换结束",
		slog.String("tx_hash", outcome.TxHash.Hex()),
		slog.String("status", string(outcome.Status)),
		slog.String("sell", outcome.SellToken.Symbol),
		slog.String("buy", outcome.BuyToken.Symbol),
		slog.String("category", string(outcome.FailureCategory)),
	)
	// 记录终态不应受事件循环退出影响。
	ctx = context.WithoutCancel(ctx)
	for _, sink := range o.deps.Sinks {
		if sink == nil {
			continue
		}
		if err := sink.RecordOutcome(ctx, outcome); err != nil {
			o.logger.Error("记录兑换结果失败", slog.Any("error", err), slog.String("tx_hash", outcome.TxHash.Hex()))
		}
	}
}

func (o *Orchestrator) observeTx(kind swap.TxKind, result swap.TxResult, err error) {
	status := string(result.Status)
	if err != nil {
		status = "error"
	}
	o.metrics.ObserveTransaction(string(kind), status)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type noopRecorder struct{}

func (noopRecorder) ObserveQuote(string, time.Duration) {}
func (noopRecorder) ObserveStaleDiscarded(string)       {}
func (noopRecorder) ObserveTransition(string)           {}
func (noopRecorder) ObserveTransaction(string, string)  {}
