package swap

import (
	"math/big"
	"strings"
	"testing"
	"time"

	xerrors "swap-engine/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc = Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
	weth = Token{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18}
	eth  = Token{Address: NativeAddress, Symbol: "ETH", Decimals: 18}
)

func TestToSmallestUnit(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals uint8
		want     string
	}{
		{name: "whole", amount: "10", decimals: 6, want: "10000000"},
		{name: "fraction", amount: "1.5", decimals: 18, want: "1500000000000000000"},
		{name: "truncates extra precision", amount: "0.1234567", decimals: 6, want: "123456"},
		{name: "trims spaces", amount: " 2 ", decimals: 0, want: "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToSmallestUnit(tt.amount, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestToSmallestUnitRejectsInvalidAmounts(t *testing.T) {
	for _, amount := range []string{"", "abc", "0", "-1", "0.0000001", "1,5"} {
		_, err := ToSmallestUnit(amount, 6)
		require.Error(t, err, amount)
		assert.Equal(t, CodeUserInput, xerrors.CodeOf(err), amount)
	}
}

func TestToSmallestUnitRejectsOutOfRangeAmounts(t *testing.T) {
	amounts := []string{
		"1e50000000",
		"1e5000000",
		"1e-50000000",
		"1e60",
		"1" + strings.Repeat("0", 200),
		"115792089237316195423570985008687907853269984665640564039457584007913129639936",
	}
	for _, amount := range amounts {
		started := time.Now()
		_, err := ToSmallestUnit(amount, 18)
		require.Error(t, err, amount[:min(len(amount), 16)])
		assert.Equal(t, CodeUserInput, xerrors.CodeOf(err))
		assert.Less(t, time.Since(started), 100*time.Millisecond)
	}
}

func TestToSmallestUnitAcceptsMaxUint256(t *testing.T) {
	units, err := ToSmallestUnit(MaxUint256.String(), 0)
	require.NoError(t, err)
	assert.Zero(t, units.Cmp(MaxUint256))

	units, err = ToSmallestUnit("1e6", 18)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000000", units.String())
}

func TestFromSmallestUnit(t *testing.T) {
	assert.Equal(t, "1.5", FromSmallestUnit(big.NewInt(1_500_000), 6))
	assert.Equal(t, "0", FromSmallestUnit(nil, 6))
}

func TestIntentValidate(t *testing.T) {
	from, to := usdc, weth
	units, err := Intent{From: &from, To: &to, Amount: "25"}.Validate()
	require.NoError(t, err)
	assert.Equal(t, "25000000", units.String())

	same := usdc
	_, err = Intent{From: &from, To: &same, Amount: "1"}.Validate()
	assert.Equal(t, CodeUserInput, xerrors.CodeOf(err))

	_, err = Intent{From: &from, Amount: "1"}.Validate()
	assert.Equal(t, CodeUserInput, xerrors.CodeOf(err))

	_, err = Intent{From: &from, To: &to, Amount: "1", SlippageBps: MaxSlippageBps}.Validate()
	require.NoError(t, err)
	_, err = Intent{From: &from, To: &to, Amount: "1", SlippageBps: MaxSlippageBps + 1}.Validate()
	assert.Equal(t, CodeUserInput, xerrors.CodeOf(err))
}

func TestClassifyFailure(t *testing.T) {
	tests := map[string]FailureCategory{
		"execution reverted: insufficient funds for transfer": FailureInsufficientFunds,
		"ERC20: transfer amount exceeds balance":              FailureInsufficientFunds,
		"execution reverted: Too little received":             FailureSlippage,
		"Slippage exceeded":                                   FailureSlippage,
		"execution reverted":                                  FailureReverted,
		"nonce too low":                                       FailureTransaction,
		"":                                                    FailureTransaction,
	}
	for reason, want := range tests {
		assert.Equal(t, want, ClassifyFailure(reason), reason)
	}
}

func TestNetworkErrorRetryability(t *testing.T) {
	assert.True(t, xerrors.RetryableError(NetworkError(NetworkServer, nil, "5xx")))
	assert.False(t, xerrors.RetryableError(NetworkError(NetworkUnauthorized, nil, "401")))
	assert.Equal(t, NetworkRateLimited, xerrors.SubKindOf(NetworkError(NetworkRateLimited, nil, "429")))
	assert.Equal(t, string(FailureSlippage), xerrors.SubKindOf(OnChainError(FailureSlippage, "moved")))
}

func TestCloneIsDeep(t *testing.T) {
	q := &Quote{FromAmount: big.NewInt(1), Routes: []Route{{Source: "uni"}}, Tx: TxData{Data: []byte{1}}}
	c := q.Clone()
	c.FromAmount.SetInt64(2)
	c.Routes[0].Source = "curve"
	c.Tx.Data[0] = 9
	assert.Equal(t, int64(1), q.FromAmount.Int64())
	assert.Equal(t, "uni", q.Routes[0].Source)
	assert.Equal(t, byte(1), q.Tx.Data[0])

	snap := &BalanceSnapshot{Balances: map[common.Address]*big.Int{eth.Address: big.NewInt(5)}}
	cloned := snap.Clone()
	cloned.Balances[eth.Address].SetInt64(7)
	assert.Equal(t, int64(5), snap.BalanceOf(eth.Address).Int64())
	assert.Equal(t, int64(0), snap.BalanceOf(weth.Address).Int64())
}

func TestFindToken(t *testing.T) {
	tokens := []Token{usdc, weth, eth}
	got, ok := FindToken(tokens, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	require.True(t, ok)
	assert.Equal(t, "WETH", got.Symbol)
	assert.True(t, eth.IsNative())

	_, ok = FindToken(tokens, "not-an-address")
	assert.False(t, ok)
}
