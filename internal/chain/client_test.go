package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"swap-engine/internal/swap"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alwaysRevert is runtime bytecode for PUSH1 0 PUSH1 0 REVERT.
var alwaysRevert = []byte{0x60, 0x00, 0x60, 0x00, 0xfd}

type simEnv struct {
	backend  *simulated.Backend
	client   *Client
	key      *ecdsa.PrivateKey
	from     common.Address
	reverter common.Address
	funds    *big.Int
}

func newSimEnv(t *testing.T) *simEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	reverter := common.HexToAddress("0x00000000000000000000000000000000000000fd")
	funds := new(big.Int).Mul(big.NewInt(1_000_000_000_000_000_000), big.NewInt(100))

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from:     {Balance: funds},
		reverter: {Code: alwaysRevert, Balance: big.NewInt(0)},
	})
	t.Cleanup(func() { _ = backend.Close() })

	return &simEnv{
		backend:  backend,
		client:   NewBackendClient("simulated", backend.Client()),
		key:      key,
		from:     from,
		reverter: reverter,
		funds:    funds,
	}
}

func TestClientReadsChainState(t *testing.T) {
	env := newSimEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := env.client.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1337), id.Int64())

	balance, err := env.client.BalanceOf(ctx, swap.NativeAddress, env.from)
	require.NoError(t, err)
	assert.Zero(t, env.funds.Cmp(balance))

	nonce, err := env.client.PendingNonce(ctx, env.from)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)

	price, err := env.client.SuggestGasPrice(ctx)
	require.NoError(t, err)
	assert.Positive(t, price.Sign())
}

func TestAllowanceFailsWithoutContract(t *testing.T) {
	env := newSimEnv(t)
	ctx := context.Background()
	spender := common.HexToAddress("0x1111111111111111111111111111111111111111")

	_, err := env.client.Allowance(ctx, common.HexToAddress("0x2222222222222222222222222222222222222222"), env.from, spender)
	require.Error(t, err, "an account without code returns an empty result")

	_, err = env.client.Allowance(ctx, env.reverter, env.from, spender)
	require.Error(t, err)
}

func TestSendTransactionAndReceipt(t *testing.T) {
	env := newSimEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chainID, err := env.client.ChainID(ctx)
	require.NoError(t, err)
	price, err := env.client.SuggestGasPrice(ctx)
	require.NoError(t, err)

	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    big.NewInt(1000),
		Gas:      21_000,
		GasPrice: price,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), env.key)
	require.NoError(t, err)

	pending, err := env.client.Receipt(ctx, signed.Hash())
	require.NoError(t, err)
	assert.Nil(t, pending)

	require.NoError(t, env.client.SendTransaction(ctx, signed))
	env.backend.Commit()

	receipt, err := env.client.Receipt(ctx, signed.Hash())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, coretypes.ReceiptStatusSuccessful, receipt.Status)

	received, err := env.client.BalanceOf(ctx, swap.NativeAddress, to)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), received.Int64())
}

func TestRevertReasonReplaysCall(t *testing.T) {
	env := newSimEnv(t)
	ctx := context.Background()

	reason := env.client.RevertReason(ctx, gethcore.CallMsg{From: env.from, To: &env.reverter, Gas: 100_000}, nil)
	assert.Contains(t, reason, "execution reverted")

	to := common.HexToAddress("0x4444444444444444444444444444444444444444")
	assert.Empty(t, env.client.RevertReason(ctx, gethcore.CallMsg{From: env.from, To: &to}, nil))
}

func TestLoadDefinitionsAndRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `default: sepolia
chains:
  sepolia:
    chain_id: 11155111
    rpc_url: http://127.0.0.1:8545
    description: testnet
  local:
    type: evm
    rpc_url: http://127.0.0.1:9545
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.Equal(t, "sepolia", defs.Default)
	assert.Equal(t, int64(11155111), defs.Chains["sepolia"].ChainID)

	registry, err := NewRegistry(context.Background(), RegistryConfig{DefinitionsPath: path})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	assert.Equal(t, []string{"local", "sepolia"}, registry.Chains())
	client, err := registry.DefaultClient()
	require.NoError(t, err)
	assert.Equal(t, "sepolia", client.Name())

	id, err := client.ChainID(context.Background())
	require.NoError(t, err, "configured chain id is served without a round trip")
	assert.Equal(t, int64(11155111), id.Int64())
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	_, err := NewRegistry(context.Background(), RegistryConfig{DefaultChain: "mainnet", RPCURL: "http://127.0.0.1:8545"})
	require.Error(t, err)

	_, err = NewRegistry(context.Background(), RegistryConfig{})
	require.Error(t, err)
}
