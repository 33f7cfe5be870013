package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySignerRecoversSender(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	s, err := FromHex("0x" + hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	to := common.HexToAddress("0x5555555555555555555555555555555555555555")
	tx := coretypes.NewTx(&coretypes.LegacyTx{Nonce: 1, To: &to, Gas: 21_000, GasPrice: big.NewInt(1), Value: big.NewInt(0)})
	chainID := big.NewInt(1337)

	signed, err := s.SignTx(context.Background(), tx, chainID)
	require.NoError(t, err)

	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)
}

func TestKeySignerRejectsBadInput(t *testing.T) {
	_, err := FromHex("")
	require.Error(t, err)
	_, err = FromHex("zz")
	require.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewKeySigner(key)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.SignTx(ctx, coretypes.NewTx(&coretypes.LegacyTx{}), big.NewInt(1))
	require.Error(t, err)
}
