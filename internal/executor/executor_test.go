package executor

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"swap-engine/internal/chain"
	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/signer"
	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alwaysRevert = []byte{0x60, 0x00, 0x60, 0x00, 0xfd}
	reverter     = common.HexToAddress("0x00000000000000000000000000000000000000fd")
	recipient    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	usdc         = swap.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
)

// autoCommit mines a block after every accepted transaction.
type autoCommit struct {
	simulated.Client
	backend *simulated.Backend
}

func (a autoCommit) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := a.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	a.backend.Commit()
	return nil
}

type fixture struct {
	backend *simulated.Backend
	signer  *signer.KeySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return newFixtureWithKey(t, key)
}

func newFixtureWithKey(t *testing.T, key *ecdsa.PrivateKey) *fixture {
	t.Helper()
	s, err := signer.NewKeySigner(key)
	require.NoError(t, err)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		s.Address(): {Balance: new(big.Int).Mul(big.NewInt(1_000_000_000_000_000_000), big.NewInt(10))},
		reverter:    {Code: alwaysRevert, Balance: big.NewInt(0)},
	})
	t.Cleanup(func() { _ = backend.Close() })
	return &fixture{backend: backend, signer: s}
}

func (f *fixture) executor(t *testing.T, mine bool, opts ...Option) *Executor {
	t.Helper()
	var backend chain.Backend = f.backend.Client()
	if mine {
		backend = autoCommit{Client: f.backend.Client(), backend: f.backend}
	}
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	e, err := New(chain.NewBackendClient("simulated", backend), opts...)
	require.NoError(t, err)
	return e
}

func TestBuildApprovalEncodesMaxAmount(t *testing.T) {
	e := newFixture(t).executor(t, true)
	spender := common.HexToAddress("0xDef1C0ded9bec7F1a1670819833240f027b25EfF")

	plan, err := e.BuildApproval(usdc, spender, swap.MaxUint256)
	require.NoError(t, err)
	assert.Equal(t, swap.TxKindApproval, plan.Kind)
	assert.Equal(t, usdc.Address, plan.To)
	assert.Equal(t, []byte{0x09, 0x5e, 0xa7, 0xb3}, plan.Data[:4])

	args, err := chain.ERC20ABI.Methods["approve"].Inputs.Unpack(plan.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, spender, args[0])
	assert.Zero(t, swap.MaxUint256.Cmp(args[1].(*big.Int)))

	_, err = e.BuildApproval(swap.Token{Address: swap.NativeAddress, Symbol: "ETH"}, spender, swap.MaxUint256)
	assert.Equal(t, swap.CodeState, xerrors.CodeOf(err))
}

func TestBuildSwapUsesQuoteData(t *testing.T) {
	e := newFixture(t).executor(t, true)
	q := &swap.Quote{
		EstimatedGas: 150_000,
		GasPrice:     big.NewInt(3),
		Tx:           swap.TxData{To: recipient, Data: []byte{0xd9, 0x62}, Value: big.NewInt(7)},
	}
	plan, err := e.BuildSwap(q)
	require.NoError(t, err)
	assert.Equal(t, uint64(180_000), plan.GasLimit)
	assert.Equal(t, recipient, plan.To)
	assert.Equal(t, int64(7), plan.Value.Int64())
	assert.Equal(t, int64(3), plan.GasPrice.Int64())

	plan.Data[0] = 0
	assert.Equal(t, byte(0xd9), q.Tx.Data[0], "plan owns its calldata")

	_, err = e.BuildSwap(nil)
	assert.Equal(t, swap.CodeState, xerrors.CodeOf(err))
}

func TestSubmitSuccess(t *testing.T) {
	f := newFixture(t)
	e := f.executor(t, true)

	result, err := e.Submit(context.Background(), swap.TransactionPlan{Kind: swap.TxKindSwap, To: recipient, Value: big.NewInt(1000)}, f.signer)
	require.NoError(t, err)
	assert.Equal(t, swap.TxSuccess, result.Status)
	assert.Equal(t, uint64(21_000), result.GasUsed)
	assert.NotEqual(t, common.Hash{}, result.Hash)
}

func TestSubmitRevertRecoversReason(t *testing.T) {
	f := newFixture(t)
	e := f.executor(t, true)

	result, err := e.Submit(context.Background(), swap.TransactionPlan{Kind: swap.TxKindSwap, To: reverter, GasLimit: 100_000}, f.signer)
	require.NoError(t, err)
	assert.Equal(t, swap.TxFailed, result.Status)
	assert.Contains(t, result.RevertReason, "execution reverted")
	assert.Equal(t, swap.FailureReverted, swap.ClassifyFailure(result.RevertReason))
}

func TestSubmitWithoutReceiptIsPending(t *testing.T) {
	f := newFixture(t)
	e := f.executor(t, false, WithReceiptTimeout(80*time.Millisecond))

	result, err := e.Submit(context.Background(), swap.TransactionPlan{Kind: swap.TxKindSwap, To: recipient, Value: big.NewInt(1)}, f.signer)
	require.NoError(t, err)
	assert.Equal(t, swap.TxPending, result.Status)

	f.backend.Commit()
	status, err := e.TransactionStatus(context.Background(), result.Hash)
	require.NoError(t, err)
	assert.Equal(t, swap.TxSuccess, status.Status)
}

func TestForgetDropsReplayForAbandonedTransaction(t *testing.T) {
	f := newFixture(t)
	e := f.executor(t, false, WithReceiptTimeout(30*time.Millisecond))

	result, err := e.Submit(context.Background(), swap.TransactionPlan{Kind: swap.TxKindSwap, To: recipient, Value: big.NewInt(1)}, f.signer)
	require.NoError(t, err)
	require.Equal(t, swap.TxPending, result.Status)
	require.Len(t, e.replays, 1)

	e.Forget(result.Hash)
	assert.Empty(t, e.replays)

	var nilExecutor *Executor
	nilExecutor.Forget(result.Hash)
}

func TestSubmitInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	e := f.executor(t, true)

	tooMuch := new(big.Int).Mul(big.NewInt(1_000_000_000_000_000_000), big.NewInt(1000))
	_, err := e.Submit(context.Background(), swap.TransactionPlan{Kind: swap.TxKindSwap, To: recipient, Value: tooMuch, GasLimit: 21_000}, f.signer)
	require.Error(t, err)
	assert.Equal(t, swap.CodeOnChain, xerrors.CodeOf(err))
	assert.Equal(t, string(swap.FailureInsufficientFunds), xerrors.SubKindOf(err))
}
